package cmd

import (
	"errors"
	"testing"

	"updatectl/internal/config"
	"updatectl/internal/graph"
	"updatectl/internal/resource"
)

func TestRootCommandHasAllSubcommands(t *testing.T) {
	expected := []string{
		"plan", "execute", "validate", "analyze",
		"status", "rollback", "config", "version", "self-update",
	}

	for _, name := range expected {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected subcommand %q to be registered", name)
		}
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"plain error", errors.New("boom"), exitGeneralError},
		{"coded validation error", withCode(exitValidationFailed, errors.New("findings")), exitValidationFailed},
		{"coded execution error", withCode(exitExecutionFailed, errors.New("stuck")), exitExecutionFailed},
		{"config validation error", &config.ValidationError{Field: "parallelism", Reason: "must be at least 1"}, exitConfigError},
		{"wrapped config error", withCode(exitConfigError, &config.ValidationError{Field: "x", Reason: "y"}), exitConfigError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.code {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.code)
			}
		})
	}
}

func TestGraphErrorMapsStructuralProblems(t *testing.T) {
	ref := resource.Ref{Kind: "ConfigMap", Namespace: "prod", Name: "a"}
	cycle := &graph.CycleError{Path: []resource.Ref{ref, ref}}

	err := graphError(cycle)
	if exitCodeFor(err) != exitValidationFailed {
		t.Errorf("Expected cycle errors to map to exit code %d", exitValidationFailed)
	}

	plain := errors.New("disk full")
	if graphError(plain) != plain {
		t.Error("Expected non-graph errors to pass through unchanged")
	}
}

func TestWithCodeNilPassthrough(t *testing.T) {
	if withCode(exitValidationFailed, nil) != nil {
		t.Error("withCode(nil) should stay nil")
	}
}
