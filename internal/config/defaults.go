package config

import (
	"time"

	"updatectl/internal/resource"
)

// GetDefaultConfig returns the built-in defaults. The timeout, backoff and
// threshold values here are deliberate choices, not inherited constants;
// see also Config.RollbackOnFailure for why that one defaults to off.
func GetDefaultConfig() Config {
	return Config{
		StateDir:     "", // resolved to ~/.updatectl/state by the loader
		Parallelism:  4,
		PollInterval: Duration(5 * time.Second),
		StabilizeTimeouts: map[resource.Strategy]Duration{
			resource.StrategyInPlace: Duration(5 * time.Minute),
			resource.StrategyRolling: Duration(5 * time.Minute),
			// Replace-class strategies churn more objects before settling.
			resource.StrategyReplace:   Duration(10 * time.Minute),
			resource.StrategyBlueGreen: Duration(10 * time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(10 * time.Second),
			BackoffFactor:  2.0,
		},
		StrategyTable: map[string]resource.Strategy{
			// Selector/serviceName-bearing resources reject in-place edits
			// to those fields, so they default to replace.
			"Service": resource.StrategyReplace,
			"Ingress": resource.StrategyReplace,
			// Scalable workloads roll.
			"Deployment":  resource.StrategyRolling,
			"StatefulSet": resource.StrategyRolling,
			"DaemonSet":   resource.StrategyRolling,
			// Plain data objects update in place.
			"ConfigMap": resource.StrategyInPlace,
			"Secret":    resource.StrategyInPlace,
		},
		RiskThresholds: RiskThresholds{
			Critical: 5,
			High:     3,
			Medium:   1,
		},
	}
}

// DefaultStrategy is used for kinds absent from the strategy table.
const DefaultStrategy = resource.StrategyInPlace
