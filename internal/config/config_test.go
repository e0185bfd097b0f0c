package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"updatectl/internal/resource"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.StateDir = "/tmp/updatectl-state"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	mk := func(mutate func(*Config)) Config {
		cfg := GetDefaultConfig()
		cfg.StateDir = "/tmp/updatectl-state"
		mutate(&cfg)
		return cfg
	}

	cases := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"zero parallelism", mk(func(c *Config) { c.Parallelism = 0 }), "parallelism"},
		{"zero poll interval", mk(func(c *Config) { c.PollInterval = 0 }), "pollInterval"},
		{"negative max attempts", mk(func(c *Config) { c.Retry.MaxAttempts = -1 }), "retry.maxAttempts"},
		{"zero initial backoff", mk(func(c *Config) { c.Retry.InitialBackoff = 0 }), "retry.initialBackoff"},
		{"sub-one backoff factor", mk(func(c *Config) { c.Retry.BackoffFactor = 0.5 }), "retry.backoffFactor"},
		{"unknown strategy in table", mk(func(c *Config) { c.StrategyTable["Deployment"] = "canary" }), "strategyTable.Deployment"},
		{"unknown strategy timeout", mk(func(c *Config) { c.StabilizeTimeouts["canary"] = Duration(time.Minute) }), "stabilizeTimeouts"},
		{"non-monotonic risk thresholds", mk(func(c *Config) { c.RiskThresholds.High = 7 }), "riskThresholds"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr))
			assert.Equal(t, tc.field, validationErr.Field)
		})
	}
}

func TestStabilizeTimeoutFallsBackToInPlace(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t, 10*time.Minute, cfg.StabilizeTimeout(resource.StrategyBlueGreen))
	assert.Equal(t, 5*time.Minute, cfg.StabilizeTimeout(resource.Strategy("unknown")))
}

func withMockedPaths(t *testing.T, userPath, projectPath, home string) {
	t.Helper()
	origUser := getUserConfigPath
	origProject := getProjectConfigPath
	origHome := osUserHomeDir
	t.Cleanup(func() {
		getUserConfigPath = origUser
		getProjectConfigPath = origProject
		osUserHomeDir = origHome
	})
	getUserConfigPath = func() (string, error) { return userPath, nil }
	getProjectConfigPath = func() (string, error) { return projectPath, nil }
	osUserHomeDir = func() (string, error) { return home, nil }
}

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.yaml")
	projectPath := filepath.Join(dir, "project.yaml")

	require.NoError(t, os.WriteFile(userPath, []byte("namespace: staging\nparallelism: 8\n"), 0o644))
	require.NoError(t, os.WriteFile(projectPath, []byte("namespace: prod\nstrategyTable:\n  CronJob: replace\n"), 0o644))

	withMockedPaths(t, userPath, projectPath, dir)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	// Project overlays user overlays defaults.
	assert.Equal(t, "prod", cfg.Namespace)
	assert.Equal(t, 8, cfg.Parallelism)
	assert.Equal(t, resource.StrategyReplace, cfg.StrategyTable["CronJob"])
	// Untouched defaults survive the merge.
	assert.Equal(t, resource.StrategyRolling, cfg.StrategyTable["Deployment"])
	assert.Equal(t, Duration(5*time.Second), cfg.PollInterval)
	// StateDir resolves under the home directory when no layer sets it.
	assert.Equal(t, filepath.Join(dir, ".updatectl/state"), cfg.StateDir)
}

func TestLoadConfigWithoutFilesUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	withMockedPaths(t, filepath.Join(dir, "nope.yaml"), filepath.Join(dir, "also-nope.yaml"), dir)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Parallelism)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadConfigRejectsInvalidOverlay(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.yaml")
	require.NoError(t, os.WriteFile(userPath, []byte("pollInterval: -5s\n"), 0o644))

	withMockedPaths(t, userPath, filepath.Join(dir, "nope.yaml"), dir)

	_, err := LoadConfig()
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
}

func TestWriteStarterConfigRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "config.yaml")

	require.NoError(t, WriteStarterConfig(path))
	_, err := os.Stat(path)
	require.NoError(t, err)

	assert.ErrorContains(t, WriteStarterConfig(path), "already exists")
}
