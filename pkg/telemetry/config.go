package telemetry

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config configures every telemetry component of a blockflow process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment is reported as a trace resource attribute.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are extra trace resource attributes.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path opened for appending.
	Output string

	// Writer replaces Output. Console output written to it is not colored.
	Writer io.Writer `validate:"-"`

	EnableCaller bool

	// With sampling on, SamplingInitial lines pass per second and then every
	// SamplingThereafter-th line.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration

	// Headers are sent with every OTLP export.
	Headers map[string]string

	// Insecure dials the collector without TLS.
	Insecure bool
}

// MetricsConfig configures Prometheus collection and the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path when set; empty collects without serving.
	ListenAddress string
	Path          string `validate:"required_if=Enabled true"`

	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the EventPublisher.
type EventsConfig struct {
	Enabled bool

	// EnableAsync delivers through a buffer of BufferSize events drained in
	// batches of MaxBatchSize every FlushInterval. Order is preserved either way.
	EnableAsync   bool
	BufferSize    int `validate:"required_if=Enabled true,gte=0"`
	MaxBatchSize  int `validate:"gte=0"`
	FlushInterval time.Duration
}

// DefaultConfig returns the configuration used by the CLI: console logs on
// stderr, metrics collected but not served, tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "blockflow",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "blockflow",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
		},
	}
}

// ProductionConfig returns JSON logs, sampled OTLP tracing and async event delivery.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Events.EnableAsync = true
	return cfg
}

// DevelopmentConfig returns debug logs with callers and every trace printed to stderr.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field values and the combinations NewTelemetry depends on.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid telemetry config: %s fails %q (got %v)",
				fe.Namespace(), fe.ActualTag(), fe.Value())
		}
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid telemetry config: trace endpoint is required for the otlp exporter")
	}
	return nil
}
