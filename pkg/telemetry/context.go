package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockflow/blockflow/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component. Components built
// before a failure are shut down again.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}

	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		_ = t.Tracer.Shutdown(context.Background())
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		_ = t.Tracer.Shutdown(context.Background())
		return nil, err
	}
	return t, nil
}

// Sink returns one engine.EventSink feeding the log, metrics, trace and
// publisher pipelines, in that order.
func (t *Telemetry) Sink() engine.EventSink {
	sinks := engine.MultiSink{NewLogSink(t.Logger), t.Metrics}
	if t.Config.Tracing.Enabled {
		sinks = append(sinks, NewTraceSink(t.Tracer.Tracer()))
	}
	if t.Config.Events.Enabled {
		sinks = append(sinks, t.Events)
	}
	return sinks
}

// WithContext attaches t and its logger to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the Telemetry attached to ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains the publisher, stops the metrics server and flushes the
// tracer. Every component is stopped even when an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Metrics.StopMetricsServer(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// StartMetricsServer serves /metrics when a listen address is configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span and an operation logger under the Telemetry
// attached to ctx. Without one it only times the operation.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{Ctx: ctx, Timer: NewTimer()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		ic.Logger = FromContext(ctx)
		return ic
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	fields := map[string]interface{}{"operation": operation}
	if sc := span.SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}

	ic.Span = span
	ic.Logger = tel.Logger.WithFields(fields)
	ic.Ctx = ic.Logger.WithContext(spanCtx)
	return ic
}

// End finishes the operation, recording err on the span.
func (ic *InstrumentedContext) End(err error) {
	logger := ic.Logger.WithField("duration", ic.Timer.Duration().String())
	if err != nil {
		logger.WithError(err).Debug("operation failed")
	} else {
		logger.Debug("operation finished")
	}

	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}
