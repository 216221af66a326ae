package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockflow/blockflow/pkg/blocks"
	"github.com/blockflow/blockflow/pkg/config"
	"github.com/blockflow/blockflow/pkg/engine"
	"github.com/blockflow/blockflow/pkg/stores"
	"github.com/blockflow/blockflow/pkg/telemetry"
)

// errNoDatabase is returned by commands that read run history without --db.
var errNoDatabase = errors.New("no run history database configured, pass --db or set BLOCKFLOW_DB")

// app wires telemetry, the block registry and the optional run store for
// one command invocation.
type app struct {
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	registry *engine.Registry
	parser   *config.Parser
}

func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = opts.version
	cfg.Logging.Level = opts.logLevel
	cfg.Logging.Format = opts.logFormat
	cfg.Logging.Writer = cmd.ErrOrStderr()
	cfg.Metrics.ListenAddress = opts.metricsAddr
	switch opts.traceExporter {
	case "", "none":
	default:
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.traceExporter
		cfg.Tracing.Endpoint = opts.traceEndpoint
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{tel: tel, parser: config.NewParser()}

	if err := tel.StartMetricsServer(); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	a.registry = engine.NewRegistry()
	if err := blocks.RegisterBuiltins(a.registry, blocks.WithLogger(tel.Logger.Zerolog())); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to register blocks: %w", err)
	}

	if opts.dbPath != "" {
		store, err := openStore(cmd.Context(), opts.dbPath)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.store = store
	}

	return a, nil
}

func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate run history: %w", err)
	}
	return store, nil
}

// requireStore fails when no database was configured.
func (a *app) requireStore() (*stores.SQLiteStore, error) {
	if a.store == nil {
		return nil, errNoDatabase
	}
	return a.store, nil
}

// sink is the event sink attached to every run.
func (a *app) sink() engine.EventSink {
	sinks := engine.MultiSink{a.tel.Sink()}
	if a.store != nil {
		sinks = append(sinks, a.store)
	}
	return sinks
}

// load reads and builds the workflow file at path.
func (a *app) load(path string) (*config.File, *engine.Workflow, error) {
	f, err := a.parser.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	wf, err := f.Build(a.registry)
	if err != nil {
		return nil, nil, err
	}
	return f, wf, nil
}

// Close flushes telemetry and closes the store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if a.store != nil {
		if err := a.store.Err(); err != nil {
			a.tel.Logger.WithError(err).Warn("Run history is incomplete")
		}
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
