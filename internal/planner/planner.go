// Package planner converts a dependency graph into an ordered sequence of
// update batches with a strategy attached to every operation.
package planner

import (
	"time"

	"github.com/google/uuid"

	"updatectl/internal/config"
	"updatectl/internal/graph"
	"updatectl/internal/resource"
	"updatectl/pkg/logging"
)

// BuildPlan batches the graph with a Kahn-style peel: all nodes with
// in-degree zero form one batch, their outgoing edges are removed, and the
// process repeats. Independent resources therefore update together, and
// every dependency lands in a strictly earlier batch than its dependents.
// Ties within a batch are broken lexicographically by ref so identical
// input yields identical plans. Planning never mutates external state.
func BuildPlan(g *graph.Graph, cfg config.Config, dryRun bool) (*Plan, error) {
	plan := &Plan{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		DryRun:    dryRun,
	}

	remaining := make(map[resource.Ref]int, len(g.Nodes))
	for ref, node := range g.Nodes {
		remaining[ref] = len(node.DependsOn)
	}

	done := make(map[resource.Ref]bool, len(g.Nodes))
	for len(done) < len(g.Nodes) {
		var ready []resource.Ref
		for ref, degree := range remaining {
			if degree == 0 && !done[ref] {
				ready = append(ready, ref)
			}
		}
		// Build rejects cycles before planning, so an empty peel here
		// cannot happen for a well-formed graph.
		resource.SortRefs(ready)

		batch := Batch{}
		for _, ref := range ready {
			node := g.Nodes[ref]
			batch.Operations = append(batch.Operations, Operation{
				Resource: ref,
				Strategy: resolveStrategy(node, cfg),
				Risk:     classifyRisk(len(node.Dependents), cfg.RiskThresholds),
				Manifest: node.Manifest,
			})
			done[ref] = true
			for _, dependent := range node.Dependents {
				remaining[dependent]--
			}
		}
		plan.Batches = append(plan.Batches, batch)
	}

	logging.Info("Planner", "Planned %d operations in %d batches (plan %s, dryRun=%v)",
		plan.TotalOperations(), len(plan.Batches), plan.ID, dryRun)
	return plan, nil
}

// resolveStrategy applies the precedence: per-resource annotation override,
// then the kind strategy table, then the global default.
func resolveStrategy(node *graph.Node, cfg config.Config) resource.Strategy {
	if node.StrategyOverride != "" {
		return node.StrategyOverride
	}
	if strategy, ok := cfg.StrategyTable[node.Ref.Kind]; ok {
		return strategy
	}
	return config.DefaultStrategy
}

// classifyRisk derives risk from the direct dependent count.
func classifyRisk(dependents int, thresholds config.RiskThresholds) resource.Risk {
	switch {
	case dependents > thresholds.Critical:
		return resource.RiskCritical
	case dependents > thresholds.High:
		return resource.RiskHigh
	case dependents > thresholds.Medium:
		return resource.RiskMedium
	default:
		return resource.RiskLow
	}
}
