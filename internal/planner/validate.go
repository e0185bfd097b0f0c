package planner

import (
	"errors"
	"fmt"

	"updatectl/internal/config"
	"updatectl/internal/graph"
	"updatectl/internal/resource"
)

// Finding is one structural problem reported by Validate.
type Finding struct {
	Resource resource.Ref `json:"resource,omitempty"`
	Message  string       `json:"message"`
}

// Validate reuses the graph-building and strategy-resolution logic without
// producing an executable plan. It reports structural problems — missing
// dependency targets, cycles, disallowed strategies — and has no side
// effects. An empty result means the set would plan cleanly.
func Validate(decls []resource.Declaration, cfg config.Config) []Finding {
	var findings []Finding

	g, err := graph.Build(decls)
	if err != nil {
		var unresolved *graph.UnresolvedDependencyError
		var cycle *graph.CycleError
		switch {
		case errors.As(err, &unresolved):
			findings = append(findings, Finding{
				Resource: unresolved.From,
				Message:  err.Error(),
			})
		case errors.As(err, &cycle):
			findings = append(findings, Finding{
				Resource: cycle.Path[0],
				Message:  err.Error(),
			})
		default:
			findings = append(findings, Finding{Message: err.Error()})
		}
		return findings
	}

	for _, ref := range g.Refs() {
		node := g.Nodes[ref]
		strategy := resolveStrategy(node, cfg)
		if msg := strategyDisallowed(ref.Kind, strategy); msg != "" {
			findings = append(findings, Finding{Resource: ref, Message: msg})
		}
	}

	return findings
}

// Kinds whose selector/serviceName fields the reconciler treats as
// immutable, which rules out in-place updates to them.
var immutableSelectorKinds = map[string]bool{
	"Service":     true,
	"StatefulSet": true,
}

func strategyDisallowed(kind string, strategy resource.Strategy) string {
	if strategy == resource.StrategyInPlace && immutableSelectorKinds[kind] {
		return fmt.Sprintf("strategy %s is not allowed for kind %s: selector fields are immutable and require %s or %s",
			strategy, kind, resource.StrategyReplace, resource.StrategyBlueGreen)
	}
	return ""
}
