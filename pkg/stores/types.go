package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blockflow/blockflow/pkg/engine"
)

// ErrRunNotFound is returned when a run id has no record.
var ErrRunNotFound = errors.New("run not found")

// Run is the persisted record of one workflow run
type Run struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       engine.RunState `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	Error        *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Duration is the wall time between start and completion, zero while running.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Event is an append-only journal entry. Payload holds the full engine
// event as JSON; the other columns are copies kept for querying.
type Event struct {
	ID        int64            `json:"id"`
	EventID   string           `json:"event_id"`
	RunID     string           `json:"run_id"`
	Type      engine.EventType `json:"type"`
	BlockID   *int64           `json:"block_id,omitempty"`
	BlockName string           `json:"block_name"`
	BlockType string           `json:"block_type"`
	Attempt   int              `json:"attempt"`
	Origin    string           `json:"origin"`
	Domain    string           `json:"domain"`
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	Payload   string           `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewEvent builds a journal entry from an engine event.
func NewEvent(e engine.Event) (*Event, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	ev := &Event{
		RunID:     e.RunID,
		Type:      e.Type,
		BlockName: e.BlockName,
		BlockType: e.BlockType,
		Attempt:   e.Attempt,
		Origin:    string(e.Origin),
		Domain:    e.Domain,
		Code:      e.Code,
		Message:   e.Message,
		Payload:   string(payload),
		Timestamp: e.Timestamp,
	}
	if e.HasBlock {
		id := int64(e.BlockID)
		ev.BlockID = &id
	}
	return ev, nil
}

// Decode returns the engine event stored in Payload.
func (e *Event) Decode() (engine.Event, error) {
	var out engine.Event
	if err := json.Unmarshal([]byte(e.Payload), &out); err != nil {
		return engine.Event{}, fmt.Errorf("failed to decode event %d: %w", e.ID, err)
	}
	return out, nil
}

// EventQuery narrows GetEvents. Zero values match everything.
type EventQuery struct {
	RunID  string
	Type   engine.EventType
	Limit  int
	Offset int
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.EventSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status engine.RunState, errCode, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListRunsByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
	Err() error
}
