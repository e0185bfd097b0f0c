package planner

import (
	"updatectl/internal/config"
	"updatectl/internal/graph"
	"updatectl/internal/resource"
)

// NodeReport describes one graph node for `analyze`.
type NodeReport struct {
	Resource   resource.Ref      `json:"resource"`
	Strategy   resource.Strategy `json:"strategy"`
	Risk       resource.Risk     `json:"risk"`
	Depth      int               `json:"depth"`
	DependsOn  []resource.Ref    `json:"dependsOn,omitempty"`
	Dependents []resource.Ref    `json:"dependents,omitempty"`
}

// Analysis exposes the built graph and risk classification directly.
type Analysis struct {
	Nodes []NodeReport `json:"nodes"`
}

// Analyze builds the graph and reports every node's dependencies, depth,
// resolved strategy and risk. Read-only, like Validate.
func Analyze(decls []resource.Declaration, cfg config.Config) (*Analysis, error) {
	g, err := graph.Build(decls)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{}
	for _, ref := range g.Refs() {
		node := g.Nodes[ref]
		dependsOn := append([]resource.Ref(nil), node.DependsOn...)
		dependents := append([]resource.Ref(nil), node.Dependents...)
		resource.SortRefs(dependsOn)
		resource.SortRefs(dependents)

		analysis.Nodes = append(analysis.Nodes, NodeReport{
			Resource:   ref,
			Strategy:   resolveStrategy(node, cfg),
			Risk:       classifyRisk(len(node.Dependents), cfg.RiskThresholds),
			Depth:      node.Depth,
			DependsOn:  dependsOn,
			Dependents: dependents,
		})
	}
	return analysis, nil
}
