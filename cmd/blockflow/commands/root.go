package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/pkg/engine"
)

// globalOptions holds the persistent flags shared by all commands.
type globalOptions struct {
	version       string
	logLevel      string
	logFormat     string
	dbPath        string
	metricsAddr   string
	traceExporter string
	traceEndpoint string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status: 2 for timed out
// runs, 1 for everything else.
func ExitCode(err error) int {
	if errors.Is(err, engine.ErrRunTimedOut) {
		return 2
	}
	return 1
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "blockflow",
		Short: "blockflow - local workflow orchestration engine",
		Long: `blockflow runs workflows of blocks connected by data links and error links.

Features:
  - Workflows in YAML or CUE with includes
  - Retries, backoff and per-attempt timeouts
  - Error handlers fed with structured error envelopes
  - Loops bounded by iteration budgets
  - Run history in SQLite, Prometheus metrics, OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}

	defaultLevel := os.Getenv("LOG_LEVEL")
	if defaultLevel == "" {
		defaultLevel = "info"
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", defaultLevel, "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	flags.StringVar(&opts.dbPath, "db", os.Getenv("BLOCKFLOW_DB"), "SQLite run history database (empty disables history)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	flags.StringVar(&opts.traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&opts.traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newEventsCommand(opts))
	rootCmd.AddCommand(newBlocksCommand(opts))

	return rootCmd
}
