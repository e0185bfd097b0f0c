package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"updatectl/internal/resource"
)

// Duration is a time.Duration that reads and writes as a Go duration
// string ("30s", "5m") in config files.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level configuration for updatectl, assembled from
// built-in defaults, the user config file, the project config file and
// command-line overrides, in that order.
type Config struct {
	// Namespace restricts planning to resources in this namespace when set.
	Namespace string `yaml:"namespace,omitempty"`

	// KubeContext selects the kubeconfig context for the reconciler client.
	KubeContext string `yaml:"kubeContext,omitempty"`

	// StateDir is where plans and execution states are persisted.
	StateDir string `yaml:"stateDir,omitempty"`

	// Parallelism bounds the worker pool for operations within one batch.
	Parallelism int `yaml:"parallelism,omitempty"`

	// ParallelBatches allows adjacent batches to overlap when both consist
	// solely of low-risk operations.
	ParallelBatches bool `yaml:"parallelBatches,omitempty"`

	// RollbackOnFailure also rolls back previously completed batches when
	// a plan aborts. Off by default: rolling back is itself a mutation and
	// the conservative default is to halt and leave the operator in control.
	RollbackOnFailure bool `yaml:"rollbackOnFailure,omitempty"`

	// PollInterval is the stabilization polling cadence.
	PollInterval Duration `yaml:"pollInterval,omitempty"`

	// StabilizeTimeouts holds the per-strategy convergence budget.
	StabilizeTimeouts map[resource.Strategy]Duration `yaml:"stabilizeTimeouts,omitempty"`

	// Retry is the stuck-operation retry policy.
	Retry RetryConfig `yaml:"retry,omitempty"`

	// StrategyTable maps a resource kind to its default update strategy.
	// A per-resource annotation override always wins.
	StrategyTable map[string]resource.Strategy `yaml:"strategyTable,omitempty"`

	// RiskThresholds drive the dependent-count risk classification.
	RiskThresholds RiskThresholds `yaml:"riskThresholds,omitempty"`
}

// RetryConfig describes the bounded exponential-backoff retry budget for
// stuck operations.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"maxAttempts,omitempty"`
	InitialBackoff Duration `yaml:"initialBackoff,omitempty"`
	BackoffFactor  float64  `yaml:"backoffFactor,omitempty"`
}

// RiskThresholds are direct-dependent counts above which a node is
// classified at the given risk level.
type RiskThresholds struct {
	Critical int `yaml:"critical,omitempty"`
	High     int `yaml:"high,omitempty"`
	Medium   int `yaml:"medium,omitempty"`
}

// ValidationError marks malformed configuration. It fails the command
// before any resource is touched and maps to exit code 4.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Validate checks the assembled configuration before anything runs.
func (c *Config) Validate() error {
	if c.Parallelism < 1 {
		return &ValidationError{Field: "parallelism", Reason: "must be at least 1"}
	}
	if c.PollInterval <= 0 {
		return &ValidationError{Field: "pollInterval", Reason: "must be positive"}
	}
	if c.Retry.MaxAttempts < 0 {
		return &ValidationError{Field: "retry.maxAttempts", Reason: "must not be negative"}
	}
	if c.Retry.InitialBackoff <= 0 {
		return &ValidationError{Field: "retry.initialBackoff", Reason: "must be positive"}
	}
	if c.Retry.BackoffFactor < 1 {
		return &ValidationError{Field: "retry.backoffFactor", Reason: "must be at least 1"}
	}
	for strategy, timeout := range c.StabilizeTimeouts {
		if _, err := resource.ParseStrategy(string(strategy)); err != nil {
			return &ValidationError{Field: "stabilizeTimeouts", Reason: err.Error()}
		}
		if timeout <= 0 {
			return &ValidationError{Field: fmt.Sprintf("stabilizeTimeouts.%s", strategy), Reason: "must be positive"}
		}
	}
	for kind, strategy := range c.StrategyTable {
		if _, err := resource.ParseStrategy(string(strategy)); err != nil {
			return &ValidationError{Field: fmt.Sprintf("strategyTable.%s", kind), Reason: err.Error()}
		}
	}
	if c.RiskThresholds.Critical <= c.RiskThresholds.High ||
		c.RiskThresholds.High <= c.RiskThresholds.Medium ||
		c.RiskThresholds.Medium < 0 {
		return &ValidationError{Field: "riskThresholds", Reason: "must satisfy critical > high > medium >= 0"}
	}
	return nil
}

// StabilizeTimeout returns the convergence budget for a strategy, falling
// back to the in-place budget for unknown strategies.
func (c *Config) StabilizeTimeout(strategy resource.Strategy) time.Duration {
	if t, ok := c.StabilizeTimeouts[strategy]; ok {
		return time.Duration(t)
	}
	return time.Duration(c.StabilizeTimeouts[resource.StrategyInPlace])
}
