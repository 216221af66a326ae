package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockflow/blockflow/pkg/engine"
)

// Logger wraps zerolog.Logger with run and block field helpers.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// timeFieldFormats maps LoggingConfig.TimeFormat to zerolog time formats.
var timeFieldFormats = map[string]string{
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
	"rfc3339":   time.RFC3339,
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := logOutput(cfg)
	if err != nil {
		return nil, err
	}

	timeFormat, ok := timeFieldFormats[cfg.TimeFormat]
	if !ok {
		timeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = timeFormat

	if cfg.Format == "console" {
		consoleTime := time.RFC3339
		if cfg.TimeFormat == "unix" {
			consoleTime = "unix"
		}
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: consoleTime,
			NoColor:    cfg.Writer != nil,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog}, nil
}

// logOutput resolves where log lines go. Output names other than stdout and
// stderr are opened as append-only files.
func logOutput(cfg LoggingConfig) (io.Writer, error) {
	switch {
	case cfg.Writer != nil:
		return cfg.Writer, nil
	case cfg.Output == "" || cfg.Output == "stderr":
		return os.Stderr, nil
	case cfg.Output == "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return f, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog exposes the underlying zerolog.Logger for libraries that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) with(zctx zerolog.Context) *Logger {
	return &Logger{zlog: zctx.Logger()}
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(l.zlog.With().Str("component", component))
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context, falling back to a
// stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(l.zlog.With().Fields(fields))
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(l.zlog.With().Interface(key, value))
}

// WithRun adds the workflow and run ids.
func (l *Logger) WithRun(workflowID, runID string) *Logger {
	return l.with(l.zlog.With().Str("workflow_id", workflowID).Str("run_id", runID))
}

// WithBlock adds block identity. Empty name and type are omitted.
func (l *Logger) WithBlock(id engine.BlockID, name, typeID string) *Logger {
	zctx := l.zlog.With().Str("block_id", id.String())
	if name != "" {
		zctx = zctx.Str("block_name", name)
	}
	if typeID != "" {
		zctx = zctx.Str("block_type", typeID)
	}
	return l.with(zctx)
}

// ForEvent adds the run and block identity carried by e.
func (l *Logger) ForEvent(e engine.Event) *Logger {
	out := l.WithRun(e.WorkflowID, e.RunID)
	if e.WorkflowName != "" {
		out = out.WithField("workflow", e.WorkflowName)
	}
	if e.HasBlock {
		out = out.WithBlock(e.BlockID, e.BlockName, e.BlockType)
	}
	return out
}

// WithError adds error information to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err))
}

func (l *Logger) Trace(msg string) { l.zlog.Trace().Msg(msg) }
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// Fatal logs msg and exits the process.
func (l *Logger) Fatal(msg string) { l.zlog.Fatal().Msg(msg) }
