// Package telemetry provides observability for blockflow runs.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event fan-out. Every pipeline
// consumes the engine's lifecycle events, so a runner needs a single sink:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	out := wf.Run(ctx, engine.Text("hi"), engine.WithSink(tel.Sink()))
//
// # Structured Logging
//
// Logger wraps zerolog with component loggers and run fields:
//
//	logger := tel.Logger.NewComponentLogger("cli")
//	logger.WithRun(workflowID, runID).WithBlock(2, "fetch", "http_request").Info("retrying")
//
// LogSink writes one line per event. Run failures log at error level, block
// failures and retries at warn, block starts and successes at debug.
//
// # Distributed Tracing
//
// TraceSink builds one root span per run with child spans per block firing
// and per error handler. Retries become "retry_scheduled" span events.
// Supported exporters are "stdout" (pretty JSON on stderr), "otlp" (gRPC)
// and "none".
//
// # Metrics
//
// Metrics is an engine.EventSink backed by a private registry:
//
//   - blockflow_runs_started_total
//   - blockflow_runs_completed_total{status}
//   - blockflow_run_duration_seconds{status}
//   - blockflow_active_runs
//   - blockflow_block_executions_total{type,status}
//   - blockflow_block_retries_total{type}
//   - blockflow_block_duration_seconds{type}
//   - blockflow_error_handlers_total{status}
//   - blockflow_errors_total{origin,code}
//
// Handler serves them; StartMetricsServer binds MetricsConfig.ListenAddress.
//
// # Event Publishing
//
// EventPublisher fans events out to subscribers with optional filters:
//
//	tel.Events.Subscribe(func(e engine.Event) {
//	    fmt.Println(e.Type, e.Code)
//	}, telemetry.AllOf(telemetry.FilterByRunID(runID), telemetry.FilterFailures()))
//
// With EnableAsync the runner never waits on subscribers; events are queued
// and delivered in order by one goroutine. Shutdown drains the queue.
package telemetry
