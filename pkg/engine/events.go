package engine

import (
	"time"
)

// EventType names a lifecycle event.
type EventType string

// Lifecycle event types.
const (
	EventRunCreated   EventType = "run.created"
	EventRunStarted   EventType = "run.started"
	EventRunSucceeded EventType = "run.succeeded"
	EventRunFailed    EventType = "run.failed"
	EventRunTimedOut  EventType = "run.timed_out"

	EventBlockStarted        EventType = "block.started"
	EventBlockSucceeded      EventType = "block.succeeded"
	EventBlockFailed         EventType = "block.failed"
	EventBlockRetryScheduled EventType = "block.retry_scheduled"

	EventHandlerStarted   EventType = "on_error.handler_started"
	EventHandlerSucceeded EventType = "on_error.handler_succeeded"
	EventHandlerFailed    EventType = "on_error.handler_failed"
)

// IsRunTerminal reports whether the event closes a run.
func (t EventType) IsRunTerminal() bool {
	return t == EventRunSucceeded || t == EventRunFailed || t == EventRunTimedOut
}

// IsFailure reports whether the event records a failure.
func (t EventType) IsFailure() bool {
	switch t {
	case EventRunFailed, EventRunTimedOut, EventBlockFailed, EventHandlerFailed:
		return true
	default:
		return false
	}
}

// Event is one lifecycle notification. Block fields are meaningful only when
// HasBlock is set; error fields only on failure and retry events.
type Event struct {
	Type EventType `json:"type"`

	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name,omitempty"`
	RunID        string `json:"run_id"`

	BlockID   BlockID `json:"block_id"`
	HasBlock  bool    `json:"has_block"`
	BlockName string  `json:"block_name,omitempty"`
	BlockType string  `json:"block_type,omitempty"`
	Attempt   int     `json:"attempt,omitempty"`

	Origin  Origin `json:"origin,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Delay is the backoff applied before the next attempt.
	Delay time.Duration `json:"delay,omitempty"`

	// SourceID is the failed block a handler event refers to.
	SourceID BlockID `json:"source_id,omitempty"`

	// Duration is the elapsed time of a finished block, handler or run.
	Duration time.Duration `json:"duration,omitempty"`

	Timestamp time.Time `json:"ts"`
}

// EventSink receives lifecycle events. Implementations must be safe for
// concurrent use: blocks of one run report from several goroutines.
type EventSink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

// OnEvent calls f(e).
func (f SinkFunc) OnEvent(e Event) {
	f(e)
}

// MultiSink forwards every event to each sink in order.
type MultiSink []EventSink

// OnEvent implements EventSink.
func (m MultiSink) OnEvent(e Event) {
	for _, s := range m {
		if s != nil {
			s.OnEvent(e)
		}
	}
}

type nopSink struct{}

func (nopSink) OnEvent(Event) {}

// withError fills the classification fields of err.
func (e Event) withError(err error) Event {
	e.Origin, e.Domain, e.Code, e.Message = errorCode(err)
	return e
}
