package app

import "errors"

// Config holds everything an App needs to start.
type Config struct {
	// WorkflowsPath is an HCL file or a directory of HCL files holding the
	// workflow catalog.
	WorkflowsPath string
	// RunWorkflow names a catalog workflow to execute once.
	RunWorkflow string
	// Params are run-level parameters for RunWorkflow.
	Params map[string]any
	// SettingsPath points at the YAML runtime settings. Empty means
	// built-in defaults.
	SettingsPath string
	// Serve keeps the process running with the dispatch queue started until
	// the context ends.
	Serve bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.WorkflowsPath == "" {
		return nil, errors.New("WorkflowsPath is a required configuration field and cannot be empty")
	}
	if len(cfg.Params) > 0 && cfg.RunWorkflow == "" {
		return nil, errors.New("parameters were given but no workflow to run")
	}
	if cfg.HealthcheckPort < 0 {
		return nil, errors.New("healthcheck port cannot be negative")
	}
	return &cfg, nil
}
