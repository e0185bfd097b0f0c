// Package graph builds the directed update-dependency graph for a set of
// resource declarations. Building is a pure function of its input: the
// graph is created fresh per planning call and never mutated afterwards.
package graph

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"updatectl/internal/resource"
	"updatectl/pkg/logging"
)

// Node is one resource in the dependency graph.
type Node struct {
	Ref              resource.Ref
	Manifest         *unstructured.Unstructured
	StrategyOverride resource.Strategy

	// DependsOn are the resources that must be updated before this one.
	DependsOn []resource.Ref
	// Dependents is the derived reverse edge set.
	Dependents []resource.Ref
	// Depth is the longest path from any root; roots have depth 0.
	Depth int
}

// Graph maps every declared Ref to its node. Acyclic by construction;
// Build fails with a CycleError otherwise.
type Graph struct {
	Nodes map[resource.Ref]*Node
}

// Refs returns every ref in the graph in lexicographic order.
func (g *Graph) Refs() []resource.Ref {
	refs := make([]resource.Ref, 0, len(g.Nodes))
	for ref := range g.Nodes {
		refs = append(refs, ref)
	}
	resource.SortRefs(refs)
	return refs
}

// CycleError reports a dependency cycle. Path holds the refs forming the
// cycle in dependency order, with the first ref repeated at the end.
type CycleError struct {
	Path []resource.Ref
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, ref := range e.Path {
		parts[i] = ref.String()
	}
	return "dependency cycle detected: " + strings.Join(parts, " -> ")
}

// UnresolvedDependencyError reports an explicit dependency whose target is
// not part of the supplied resource set.
type UnresolvedDependencyError struct {
	From    resource.Ref
	Missing resource.Ref
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("resource %s depends on %s, which is not in the resource set", e.From, e.Missing)
}

// Build constructs the dependency graph from explicit (annotation) and
// inferred (cross-resource field) edges, rejects cycles, and computes each
// node's depth for later tie-breaking.
func Build(decls []resource.Declaration) (*Graph, error) {
	g := &Graph{Nodes: make(map[resource.Ref]*Node, len(decls))}

	for _, decl := range decls {
		if _, exists := g.Nodes[decl.Ref]; exists {
			return nil, fmt.Errorf("resource %s declared twice", decl.Ref)
		}
		g.Nodes[decl.Ref] = &Node{
			Ref:              decl.Ref,
			Manifest:         decl.Manifest,
			StrategyOverride: decl.StrategyOverride,
		}
	}

	// Explicit edges must resolve within the set.
	for _, decl := range decls {
		for _, dep := range decl.ExplicitDeps {
			if _, ok := g.Nodes[dep]; !ok {
				return nil, &UnresolvedDependencyError{From: decl.Ref, Missing: dep}
			}
			g.addEdge(decl.Ref, dep)
		}
	}

	// Inferred edges are filtered to in-set targets by the resource layer.
	for from, targets := range resource.InferDependencies(decls) {
		for _, to := range targets {
			g.addEdge(from, to)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	g.computeDepths()

	logging.Debug("GraphBuilder", "Built dependency graph with %d nodes", len(g.Nodes))
	return g, nil
}

func (g *Graph) addEdge(from, to resource.Ref) {
	node := g.Nodes[from]
	for _, existing := range node.DependsOn {
		if existing == to {
			return
		}
	}
	node.DependsOn = append(node.DependsOn, to)
	g.Nodes[to].Dependents = append(g.Nodes[to].Dependents, from)
}

// DFS coloring: white = unvisited, gray = on the current stack,
// black = fully explored. A gray-to-gray edge is a back edge, i.e. a cycle.
type color int

const (
	white color = iota
	gray
	black
)

func (g *Graph) checkAcyclic() error {
	colors := make(map[resource.Ref]color, len(g.Nodes))
	var stack []resource.Ref

	var visit func(ref resource.Ref) *CycleError
	visit = func(ref resource.Ref) *CycleError {
		colors[ref] = gray
		stack = append(stack, ref)

		deps := append([]resource.Ref(nil), g.Nodes[ref].DependsOn...)
		resource.SortRefs(deps)
		for _, dep := range deps {
			switch colors[dep] {
			case gray:
				// Found a back edge; slice the cycle out of the stack.
				start := 0
				for i, r := range stack {
					if r == dep {
						start = i
						break
					}
				}
				path := append([]resource.Ref(nil), stack[start:]...)
				path = append(path, dep)
				return &CycleError{Path: path}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[ref] = black
		return nil
	}

	for _, ref := range g.Refs() {
		if colors[ref] == white {
			if err := visit(ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeDepths assigns each node the length of the longest dependency
// chain leading to it. Memoized DFS; safe because the graph is already
// known to be acyclic.
func (g *Graph) computeDepths() {
	memo := make(map[resource.Ref]int, len(g.Nodes))

	var depth func(ref resource.Ref) int
	depth = func(ref resource.Ref) int {
		if d, ok := memo[ref]; ok {
			return d
		}
		max := 0
		for _, dep := range g.Nodes[ref].DependsOn {
			if d := depth(dep) + 1; d > max {
				max = d
			}
		}
		memo[ref] = max
		return max
	}

	for ref, node := range g.Nodes {
		node.Depth = depth(ref)
	}
}
