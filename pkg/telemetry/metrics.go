package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockflow/blockflow/pkg/engine"
)

// Metrics provides Prometheus metrics for workflow runs. It implements
// engine.EventSink, so attaching it to a runner is all the wiring needed.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Block metrics
	blockExecutions *prometheus.CounterVec
	blockRetries    *prometheus.CounterVec
	blockDuration   *prometheus.HistogramVec

	// Error metrics
	errorHandlers *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs that reached a terminal state",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),

		blockExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_executions_total",
				Help:      "Total number of finished block firings",
			},
			[]string{"type", "status"},
		),
		blockRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_retries_total",
				Help:      "Total number of scheduled block retries",
			},
			[]string{"type"},
		),
		blockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_duration_seconds",
				Help:      "Duration of block firings in seconds, retries included",
				Buckets:   buckets,
			},
			[]string{"type"},
		),

		errorHandlers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "error_handlers_total",
				Help:      "Total number of finished error handler invocations",
			},
			[]string{"status"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of block and run failures by origin and code",
			},
			[]string{"origin", "code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.blockExecutions,
		m.blockRetries,
		m.blockDuration,
		m.errorHandlers,
		m.errorsTotal,
	)

	return m, nil
}

// OnEvent implements engine.EventSink.
func (m *Metrics) OnEvent(e engine.Event) {
	if m.registry == nil {
		return
	}

	switch e.Type {
	case engine.EventRunStarted:
		m.runsStarted.Inc()
		m.activeRuns.Inc()

	case engine.EventRunSucceeded, engine.EventRunFailed, engine.EventRunTimedOut:
		status := runStatus(e.Type)
		m.runsCompleted.WithLabelValues(status).Inc()
		m.runDuration.WithLabelValues(status).Observe(e.Duration.Seconds())
		m.activeRuns.Dec()
		if e.Code != "" && !e.HasBlock {
			m.errorsTotal.WithLabelValues(string(e.Origin), e.Code).Inc()
		}

	case engine.EventBlockSucceeded:
		m.blockExecutions.WithLabelValues(e.BlockType, "succeeded").Inc()
		m.blockDuration.WithLabelValues(e.BlockType).Observe(e.Duration.Seconds())

	case engine.EventBlockFailed:
		m.blockExecutions.WithLabelValues(e.BlockType, "failed").Inc()
		m.blockDuration.WithLabelValues(e.BlockType).Observe(e.Duration.Seconds())
		m.errorsTotal.WithLabelValues(string(e.Origin), e.Code).Inc()

	case engine.EventBlockRetryScheduled:
		m.blockRetries.WithLabelValues(e.BlockType).Inc()

	case engine.EventHandlerSucceeded:
		m.errorHandlers.WithLabelValues("succeeded").Inc()

	case engine.EventHandlerFailed:
		m.errorHandlers.WithLabelValues("failed").Inc()
	}
}

func runStatus(t engine.EventType) string {
	switch t {
	case engine.EventRunSucceeded:
		return string(engine.RunSucceeded)
	case engine.EventRunTimedOut:
		return string(engine.RunTimedOut)
	default:
		return string(engine.RunFailed)
	}
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics on the
// configured address. It is a no-op when metrics are disabled or no address
// is set. The listener is bound before returning so address errors surface
// here.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			FromContext(context.Background()).WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
