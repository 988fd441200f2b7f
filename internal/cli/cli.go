package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/gridschedgo/internal/app"
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

// Parse processes command-line arguments. It returns a populated
// app.Config, a boolean indicating if the program should exit cleanly, or
// an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("gridschedgo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
GridSchedGo - control plane for a distributed task-execution cluster.

Usage:
  gridschedgo [options] [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to the cluster configuration file (.hcl).

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the cluster configuration file.")
	listenFlag := flagSet.String("listen", "", "Worker protocol listen address (overrides config file).")
	schedulerFlag := flagSet.String("scheduler", "", "Scheduling authority address (overrides config file).")
	httpPortFlag := flagSet.Int("http-port", -1, "Port for the ops HTTP server, 0 disables it (overrides config file).")
	heartbeatFlag := flagSet.Duration("heartbeat", 0, "Heartbeat interval advertised to workers (overrides config file).")
	logFormatFlag := flagSet.String("log-format", "", "Log output format: 'text' or 'json' (overrides config file).")
	logLevelFlag := flagSet.String("log-level", "", "Logging level: 'debug', 'info', 'warn' or 'error' (overrides config file).")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := *configFlag
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	switch logFormat {
	case "", "text", "json":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *heartbeatFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "invalid heartbeat: must be a positive duration"}
	}

	config, err := app.NewConfig(app.Config{
		ConfigPath:        path,
		ListenAddress:     *listenFlag,
		SchedulerAddress:  *schedulerFlag,
		HTTPPort:          *httpPortFlag,
		HeartbeatInterval: *heartbeatFlag,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return config, false, nil
}
