package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds operational knobs for the subprocess runtimes.
// It lives in <data-dir>/runtime.yaml and is read once at startup.
type RuntimeConfig struct {
	// WorkerCommand is the tool-equipped assistant binary.
	WorkerCommand string `yaml:"worker_command"`

	// OracleCommand is the binary used for no-tool completions.
	// Defaults to WorkerCommand when empty.
	OracleCommand string `yaml:"oracle_command"`

	// OracleModel is passed through to the oracle invocation.
	OracleModel string `yaml:"oracle_model"`

	// OracleTimeoutSeconds bounds a single oracle completion.
	OracleTimeoutSeconds int `yaml:"oracle_timeout_seconds"`

	// DefaultMaxTurns caps worker turns when a goal sets none.
	DefaultMaxTurns int `yaml:"default_max_turns"`
}

// DefaultRuntimeConfig returns the defaults applied over a missing or
// partial runtime.yaml.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		WorkerCommand:        "claude",
		OracleModel:          "sonnet",
		OracleTimeoutSeconds: 300,
		DefaultMaxTurns:      30,
	}
}

// OracleTimeout returns the oracle timeout as a duration.
func (c RuntimeConfig) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSeconds) * time.Second
}

// LoadRuntimeConfig reads <dataDir>/runtime.yaml, filling defaults for
// unset fields. A missing file yields pure defaults.
func LoadRuntimeConfig(dataDir string) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()

	data, err := os.ReadFile(filepath.Join(dataDir, "runtime.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read runtime.yaml: %w", err)
	}

	var file RuntimeConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("failed to parse runtime.yaml: %w", err)
	}

	if file.WorkerCommand != "" {
		cfg.WorkerCommand = file.WorkerCommand
	}
	if file.OracleCommand != "" {
		cfg.OracleCommand = file.OracleCommand
	}
	if file.OracleModel != "" {
		cfg.OracleModel = file.OracleModel
	}
	if file.OracleTimeoutSeconds > 0 {
		cfg.OracleTimeoutSeconds = file.OracleTimeoutSeconds
	}
	if file.DefaultMaxTurns > 0 {
		cfg.DefaultMaxTurns = file.DefaultMaxTurns
	}
	if cfg.OracleCommand == "" {
		cfg.OracleCommand = cfg.WorkerCommand
	}
	return cfg, nil
}
