package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunState represents the lifecycle state of a run.
type RunState string

const (
	// RunCreated indicates the run exists but has not started.
	RunCreated RunState = "created"

	// RunRunning indicates the run is executing.
	RunRunning RunState = "running"

	// RunSucceeded indicates the run finished and produced a result.
	RunSucceeded RunState = "succeeded"

	// RunFailed indicates a block failed terminally, the graph was invalid,
	// the iteration budget was exceeded or the run was canceled.
	RunFailed RunState = "failed"

	// RunTimedOut indicates the run deadline expired.
	RunTimedOut RunState = "timed_out"
)

// runTransitions lists the allowed one-way transitions.
var runTransitions = map[RunState][]RunState{
	RunCreated: {RunRunning},
	RunRunning: {RunSucceeded, RunFailed, RunTimedOut},
}

// IsTerminal returns true if the state is final.
func (s RunState) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunTimedOut
}

// CanTransition reports whether s may move to next.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EventType returns the run event announcing the state.
func (s RunState) EventType() EventType {
	switch s {
	case RunCreated:
		return EventRunCreated
	case RunRunning:
		return EventRunStarted
	case RunSucceeded:
		return EventRunSucceeded
	case RunTimedOut:
		return EventRunTimedOut
	default:
		return EventRunFailed
	}
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunCreated, RunRunning, RunSucceeded, RunFailed, RunTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}

// Outcome is the terminal result of a run.
type Outcome struct {
	WorkflowID string
	RunID      string
	State      RunState

	// Output is the run result when State is RunSucceeded.
	Output Value

	// OutputBlock is the node whose output was selected, when HasOutput is set.
	OutputBlock BlockID
	HasOutput   bool

	// Envelope describes the first terminal failure when State is RunFailed.
	Envelope *ErrorEnvelope

	// Steps is the number of firings executed.
	Steps int

	StartedAt   time.Time
	CompletedAt time.Time
}

// Succeeded reports whether the run succeeded.
func (o Outcome) Succeeded() bool {
	return o.State == RunSucceeded
}

// Duration returns the wall time of the run.
func (o Outcome) Duration() time.Duration {
	if o.CompletedAt.IsZero() {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt)
}

// ErrRunTimedOut is returned by Outcome.Err for timed out runs.
var ErrRunTimedOut = errors.New("run timed out")

// RunError reports a failed run.
type RunError struct {
	RunID    string
	Envelope ErrorEnvelope
}

// Error implements the error interface.
func (e *RunError) Error() string {
	env := e.Envelope
	if env.HasBlock {
		return fmt.Sprintf("run %s failed at %s: [%s/%s] %s", e.RunID, env.BlockID, env.Domain, env.Code, env.Message)
	}
	return fmt.Sprintf("run %s failed: [%s/%s] %s", e.RunID, env.Domain, env.Code, env.Message)
}

// Err returns nil for a successful run, a *RunError for a failed run and
// ErrRunTimedOut for a timed out run.
func (o Outcome) Err() error {
	switch o.State {
	case RunSucceeded:
		return nil
	case RunTimedOut:
		return fmt.Errorf("run %s: %w", o.RunID, ErrRunTimedOut)
	default:
		if o.Envelope == nil {
			return fmt.Errorf("run %s ended in state %s", o.RunID, o.State)
		}
		return &RunError{RunID: o.RunID, Envelope: *o.Envelope}
	}
}
