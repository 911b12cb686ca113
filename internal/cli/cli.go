package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/agentgrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("agentgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
agentgrid - a dependency-aware workflow engine over a pool of leased workers.

Usage:
  agentgrid [options] [WORKFLOWS_PATH]

Arguments:
  WORKFLOWS_PATH
    Path to a single .hcl file or a directory containing .hcl files.

Without -run or -serve the catalog is loaded, validated and listed.

Options:
`)
		flagSet.PrintDefaults()
	}

	params := paramsFlag{}
	workflowsFlag := flagSet.String("workflows", "", "Path to the workflow catalog file or directory.")
	wFlag := flagSet.String("w", "", "Path to the workflow catalog file or directory (shorthand).")
	runFlag := flagSet.String("run", "", "Name of a catalog workflow to execute once.")
	flagSet.Var(params, "param", "Run-level parameter as key=value. May be repeated.")
	settingsFlag := flagSet.String("settings", "", "Path to a YAML runtime settings file.")
	serveFlag := flagSet.Bool("serve", false, "Keep running with the dispatch queue until interrupted.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *workflowsFlag != "" {
		path = *workflowsFlag
	} else if *wFlag != "" {
		path = *wFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Workflows path determined.", "path", path)

	if path == "" {
		slog.Debug("No workflows path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	var runParams map[string]any
	if len(params) > 0 {
		runParams = params
	}
	config, err := app.NewConfig(app.Config{
		WorkflowsPath:   path,
		RunWorkflow:     *runFlag,
		Params:          runParams,
		SettingsPath:    *settingsFlag,
		Serve:           *serveFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
