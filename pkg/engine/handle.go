package engine

import (
	"context"
	"sync"
)

// RunHandle observes a run started with Start.
type RunHandle struct {
	id         string
	workflowID string

	mu      sync.Mutex
	state   RunState
	outcome Outcome

	done         chan struct{}
	handlersDone chan struct{}
	cancel       context.CancelFunc
}

func newRunHandle(id, workflowID string) *RunHandle {
	return &RunHandle{
		id:           id,
		workflowID:   workflowID,
		state:        RunCreated,
		done:         make(chan struct{}),
		handlersDone: make(chan struct{}),
	}
}

// ID returns the run id.
func (h *RunHandle) ID() string {
	return h.id
}

// WorkflowID returns the id of the workflow being run.
func (h *RunHandle) WorkflowID() string {
	return h.workflowID
}

// State returns the current run state.
func (h *RunHandle) State() RunState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the run reaches a terminal state.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// HandlersDone is closed once every error handler dispatched by the run has
// finished. It closes after Done.
func (h *RunHandle) HandlersDone() <-chan struct{} {
	return h.handlersDone
}

// Cancel aborts the run. The outcome becomes failed with a Canceled envelope
// unless the run already finished.
func (h *RunHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Outcome returns the terminal outcome once the run is done.
func (h *RunHandle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
	default:
		return Outcome{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, true
}

// Wait blocks until the run reaches a terminal state or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		out, _ := h.Outcome()
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// wait blocks until the run and its error handlers have finished.
func (h *RunHandle) wait() Outcome {
	<-h.done
	<-h.handlersDone
	out, _ := h.Outcome()
	return out
}

// setState applies a transition. Invalid transitions are ignored so that a
// terminal state can never be left.
func (h *RunHandle) setState(next RunState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.CanTransition(next) {
		return false
	}
	h.state = next
	return true
}

// settle stores the outcome and releases waiters.
func (h *RunHandle) settle(out Outcome) {
	h.mu.Lock()
	h.outcome = out
	h.mu.Unlock()
	close(h.done)
}
