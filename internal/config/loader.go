package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/updatectl"
	projectConfigDir = ".updatectl"
	configFileName   = "config.yaml"
	stateDirName     = ".updatectl/state"
)

// LoadConfig loads the updatectl configuration by layering default, user,
// and project settings. Flag overrides are applied by the command layer on
// top of the result.
func LoadConfig() (Config, error) {
	// 1. Start with the default configuration
	cfg := GetDefaultConfig()

	// 2. Overlay user-specific configuration when present
	userConfigPath, err := getUserConfigPath()
	if err != nil {
		// Log this error but don't fail; user config is optional
		fmt.Fprintf(os.Stderr, "Warning: Could not determine user config path: %v\n", err)
	} else {
		if _, err := os.Stat(userConfigPath); !os.IsNotExist(err) {
			overlay, err := loadConfigFromFile(userConfigPath)
			if err != nil {
				return Config{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
			}
			cfg = mergeConfigs(cfg, overlay)
		}
	}

	// 3. Overlay project-specific configuration when present
	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not determine project config path: %v\n", err)
	} else {
		if _, err := os.Stat(projectConfigPath); !os.IsNotExist(err) {
			overlay, err := loadConfigFromFile(projectConfigPath)
			if err != nil {
				return Config{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
			}
			cfg = mergeConfigs(cfg, overlay)
		}
	}

	// 4. Resolve the state directory default last so an explicit value from
	// any layer wins.
	if cfg.StateDir == "" {
		homeDir, err := osUserHomeDir()
		if err != nil {
			return Config{}, &ValidationError{Field: "stateDir", Reason: fmt.Sprintf("not set and home directory unknown: %v", err)}
		}
		cfg.StateDir = filepath.Join(homeDir, stateDirName)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir() // Use mockable variable
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd() // Use mockable variable
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// loadConfigFromFile loads a Config overlay from a YAML file.
func loadConfigFromFile(filePath string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeConfigs merges 'overlay' config into 'base' config. Scalars
// override when set; maps merge per key.
func mergeConfigs(base, overlay Config) Config {
	merged := base

	if overlay.Namespace != "" {
		merged.Namespace = overlay.Namespace
	}
	if overlay.KubeContext != "" {
		merged.KubeContext = overlay.KubeContext
	}
	if overlay.StateDir != "" {
		merged.StateDir = overlay.StateDir
	}
	if overlay.Parallelism != 0 {
		merged.Parallelism = overlay.Parallelism
	}
	if overlay.ParallelBatches {
		merged.ParallelBatches = true
	}
	if overlay.RollbackOnFailure {
		merged.RollbackOnFailure = true
	}
	if overlay.PollInterval != 0 {
		merged.PollInterval = overlay.PollInterval
	}
	for strategy, timeout := range overlay.StabilizeTimeouts {
		merged.StabilizeTimeouts[strategy] = timeout
	}
	if overlay.Retry.MaxAttempts != 0 {
		merged.Retry.MaxAttempts = overlay.Retry.MaxAttempts
	}
	if overlay.Retry.InitialBackoff != 0 {
		merged.Retry.InitialBackoff = overlay.Retry.InitialBackoff
	}
	if overlay.Retry.BackoffFactor != 0 {
		merged.Retry.BackoffFactor = overlay.Retry.BackoffFactor
	}
	for kind, strategy := range overlay.StrategyTable {
		merged.StrategyTable[kind] = strategy
	}
	if overlay.RiskThresholds.Critical != 0 {
		merged.RiskThresholds.Critical = overlay.RiskThresholds.Critical
	}
	if overlay.RiskThresholds.High != 0 {
		merged.RiskThresholds.High = overlay.RiskThresholds.High
	}
	if overlay.RiskThresholds.Medium != 0 {
		merged.RiskThresholds.Medium = overlay.RiskThresholds.Medium
	}

	return merged
}

// WriteStarterConfig writes a commented default config file for
// `updatectl config init`. It refuses to overwrite an existing file.
func WriteStarterConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// UserConfigPath exposes the user-level config location for `config init`.
func UserConfigPath() (string, error) {
	return getUserConfigPath()
}
