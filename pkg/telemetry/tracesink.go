package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockflow/blockflow/pkg/engine"
)

// TraceSink turns engine events into spans: one root span per run with a
// child span per block firing and per error handler. Retries are recorded as
// span events on the block span.
type TraceSink struct {
	tracer trace.Tracer

	mu   sync.Mutex
	runs map[string]*runSpans
	// Handlers may outlive their run, so their spans are tracked apart.
	handlers map[string]map[engine.BlockID][]trace.Span
}

type runSpans struct {
	ctx  context.Context
	span trace.Span
	// open firings per block, oldest first
	blocks map[engine.BlockID][]trace.Span
}

// NewTraceSink creates a sink that records spans with tracer.
func NewTraceSink(tracer trace.Tracer) *TraceSink {
	return &TraceSink{
		tracer:   tracer,
		runs:     make(map[string]*runSpans),
		handlers: make(map[string]map[engine.BlockID][]trace.Span),
	}
}

// OnEvent implements engine.EventSink.
func (s *TraceSink) OnEvent(e engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Type {
	case engine.EventRunStarted:
		name := "run"
		if e.WorkflowName != "" {
			name = "run " + e.WorkflowName
		}
		ctx, span := s.tracer.Start(context.Background(), name,
			trace.WithTimestamp(e.Timestamp),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				AttrWorkflowID.String(e.WorkflowID),
				AttrWorkflowName.String(e.WorkflowName),
				AttrRunID.String(e.RunID),
			),
		)
		s.runs[e.RunID] = &runSpans{
			ctx:    ctx,
			span:   span,
			blocks: make(map[engine.BlockID][]trace.Span),
		}

	case engine.EventBlockStarted:
		run := s.runs[e.RunID]
		if run == nil {
			return
		}
		_, span := s.tracer.Start(run.ctx, "block "+e.BlockType,
			trace.WithTimestamp(e.Timestamp),
			trace.WithAttributes(blockAttributes(e)...),
		)
		run.blocks[e.BlockID] = append(run.blocks[e.BlockID], span)

	case engine.EventHandlerStarted:
		parent := context.Background()
		if run := s.runs[e.RunID]; run != nil {
			parent = run.ctx
		}
		_, span := s.tracer.Start(parent, "on_error "+e.BlockType,
			trace.WithTimestamp(e.Timestamp),
			trace.WithAttributes(append(blockAttributes(e), AttrSourceID.String(e.SourceID.String()))...),
		)
		open := s.handlers[e.RunID]
		if open == nil {
			open = make(map[engine.BlockID][]trace.Span)
			s.handlers[e.RunID] = open
		}
		open[e.BlockID] = append(open[e.BlockID], span)

	case engine.EventBlockRetryScheduled:
		run := s.runs[e.RunID]
		if run == nil {
			return
		}
		open := run.blocks[e.BlockID]
		if len(open) == 0 {
			return
		}
		open[len(open)-1].AddEvent("retry_scheduled", trace.WithTimestamp(e.Timestamp),
			trace.WithAttributes(append(errorAttributes(e),
				AttrAttempts.Int(e.Attempt),
				AttrRetryDelay.Int64(e.Delay.Milliseconds()),
			)...))

	case engine.EventBlockSucceeded, engine.EventBlockFailed:
		if run := s.runs[e.RunID]; run != nil {
			endOldest(run.blocks, e, e.Type == engine.EventBlockFailed)
		}

	case engine.EventHandlerSucceeded, engine.EventHandlerFailed:
		open := s.handlers[e.RunID]
		if open == nil {
			return
		}
		endOldest(open, e, e.Type == engine.EventHandlerFailed)
		if len(open[e.BlockID]) == 0 {
			delete(open, e.BlockID)
		}
		if len(open) == 0 {
			delete(s.handlers, e.RunID)
		}

	case engine.EventRunSucceeded, engine.EventRunFailed, engine.EventRunTimedOut:
		run := s.runs[e.RunID]
		if run == nil {
			return
		}
		delete(s.runs, e.RunID)

		for _, open := range run.blocks {
			for _, span := range open {
				span.End(trace.WithTimestamp(e.Timestamp))
			}
		}

		run.span.SetAttributes(AttrRunStatus.String(runStatus(e.Type)))
		if e.Type == engine.EventRunSucceeded {
			run.span.SetStatus(codes.Ok, "")
		} else {
			run.span.SetAttributes(errorAttributes(e)...)
			run.span.SetStatus(codes.Error, failureDescription(e))
		}
		run.span.End(trace.WithTimestamp(e.Timestamp))
	}
}

func endOldest(spans map[engine.BlockID][]trace.Span, e engine.Event, failed bool) {
	open := spans[e.BlockID]
	if len(open) == 0 {
		return
	}
	span := open[0]
	spans[e.BlockID] = open[1:]

	span.SetAttributes(AttrAttempts.Int(e.Attempt))
	if failed {
		span.SetAttributes(errorAttributes(e)...)
		span.SetStatus(codes.Error, failureDescription(e))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Timestamp))
}

func blockAttributes(e engine.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(e.RunID),
		AttrBlockID.String(e.BlockID.String()),
		AttrBlockName.String(e.BlockName),
		AttrBlockType.String(e.BlockType),
	}
}

func errorAttributes(e engine.Event) []attribute.KeyValue {
	if e.Code == "" {
		return nil
	}
	return []attribute.KeyValue{
		AttrErrorOrigin.String(string(e.Origin)),
		AttrErrorDomain.String(e.Domain),
		AttrErrorCode.String(e.Code),
		AttrErrorMessage.String(e.Message),
	}
}

func failureDescription(e engine.Event) string {
	if e.Code == "" {
		return string(e.Type)
	}
	return e.Domain + "/" + e.Code
}
