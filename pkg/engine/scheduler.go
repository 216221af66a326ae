package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects how firings are executed.
type Mode int

const (
	// ModeConcurrent runs independent firings on a bounded goroutine pool.
	ModeConcurrent Mode = iota

	// ModeCooperative runs one firing at a time on the scheduler goroutine.
	ModeCooperative
)

// String returns the lowercase name of the mode.
func (m Mode) String() string {
	if m == ModeCooperative {
		return "cooperative"
	}
	return "concurrent"
}

// Options configures a Runner.
type Options struct {
	// MaxParallel bounds concurrent firings in ModeConcurrent.
	MaxParallel int

	// Mode selects concurrent or cooperative execution.
	Mode Mode

	// Sink receives lifecycle events. Nil discards them.
	Sink EventSink

	// FailFast stops the run at the first terminal block failure instead of
	// letting independent branches finish.
	FailFast bool

	// Timeout is the run deadline. Zero means none.
	Timeout time.Duration

	// Clock returns the current time for events and envelopes.
	Clock func() time.Time
}

// DefaultMaxParallel is the worker bound used when MaxParallel is unset.
const DefaultMaxParallel = 10

// RunnerOption configures a Runner.
type RunnerOption func(*Options)

// WithMaxParallel bounds concurrent firings.
func WithMaxParallel(n int) RunnerOption {
	return func(o *Options) {
		o.MaxParallel = n
	}
}

// WithMode selects the execution mode.
func WithMode(m Mode) RunnerOption {
	return func(o *Options) {
		o.Mode = m
	}
}

// WithSink sets the event sink.
func WithSink(s EventSink) RunnerOption {
	return func(o *Options) {
		o.Sink = s
	}
}

// WithFailFast stops runs at the first terminal block failure.
func WithFailFast(enabled bool) RunnerOption {
	return func(o *Options) {
		o.FailFast = enabled
	}
}

// WithTimeout sets the run deadline.
func WithTimeout(d time.Duration) RunnerOption {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RunnerOption {
	return func(o *Options) {
		o.Clock = now
	}
}

// Runner executes definitions. A Runner holds no per-run state and may start
// any number of runs concurrently.
type Runner struct {
	opts Options
}

// NewRunner creates a runner.
func NewRunner(opts ...RunnerOption) *Runner {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = DefaultMaxParallel
	}
	if o.Sink == nil {
		o.Sink = nopSink{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return &Runner{opts: o}
}

// Options returns the effective configuration.
func (r *Runner) Options() Options {
	return r.opts
}

// Run executes def to its terminal state. It returns once the outcome is
// decided and every dispatched error handler has finished.
func (r *Runner) Run(ctx context.Context, def *Definition, input Value) Outcome {
	return r.Start(ctx, def, input).wait()
}

// Start begins a run in the background and returns its handle.
func (r *Runner) Start(ctx context.Context, def *Definition, input Value) *RunHandle {
	if def == nil {
		return r.startInvalid("", "", graphInvalid("definition is nil"))
	}

	h := newRunHandle(uuid.New().String(), def.id)
	runCtx, cancel := context.WithCancel(ctx)
	if r.opts.Timeout > 0 {
		runCtx, cancel = withTimeoutCancel(runCtx, cancel, r.opts.Timeout)
	}
	h.cancel = cancel

	s := newRunState(r, def, h)
	s.emitRun(EventRunCreated, nil)

	go func() {
		defer cancel()
		s.execute(runCtx, input)
	}()
	return h
}

// startInvalid records a run that fails before it can be scheduled.
func (r *Runner) startInvalid(workflowID, name string, err error) *RunHandle {
	var re *RuntimeError
	if !errors.As(err, &re) {
		re = NewRuntimeError(RuntimeGraphInvalid, "workflow is invalid", err)
	}

	h := newRunHandle(uuid.New().String(), workflowID)
	s := &runState{
		runner:     r,
		handle:     h,
		workflowID: workflowID,
		name:       name,
		startedAt:  r.opts.Clock(),
	}
	s.emitRun(EventRunCreated, nil)
	s.transition(RunRunning)
	s.emitRun(EventRunStarted, nil)

	env := envelopeFor(re, workflowID, h.id, nil, 0, DispositionFatal, r.opts.Clock())
	s.finish(RunFailed, &env)
	close(h.handlersDone)
	return h
}

func withTimeoutCancel(ctx context.Context, parent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	tctx, tcancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		tcancel()
		parent()
	}
}

// firing is one scheduled execution of a node.
type firing struct {
	id    BlockID
	input Value
}

// firingResult is delivered by a finished firing to the scheduler loop.
type firingResult struct {
	token    uint64
	id       BlockID
	result   AttemptResult
	duration time.Duration
}

// runState is the per-run context. Only the scheduler goroutine touches it,
// except for the fields documented otherwise.
type runState struct {
	runner     *Runner
	def        *Definition
	handle     *RunHandle
	workflowID string
	name       string
	budget     Budget

	// token identifies the live scheduling pass. Results carrying an older
	// token arrived after termination and are discarded.
	token uint64

	results  chan firingResult
	ready    []firing
	inflight int

	// queues holds pending tokens per Normal edge index for barrier nodes.
	queues [][]Value

	fired         []int
	steps         int
	outputs       []Value
	produced      []bool
	lastCompleted BlockID
	hasLast       bool

	failure   *ErrorEnvelope
	stopped   bool
	startedAt time.Time

	// baseCtx carries caller values to error handlers, which run detached
	// from run cancellation.
	baseCtx    context.Context
	execCancel context.CancelFunc

	handlers sync.WaitGroup
}

func newRunState(r *Runner, def *Definition, h *RunHandle) *runState {
	n := len(def.nodes)
	return &runState{
		runner:     r,
		def:        def,
		handle:     h,
		workflowID: def.id,
		name:       def.name,
		budget:     def.budget.withDefaults(),
		token:      1,
		results:    make(chan firingResult, n+1),
		queues:     make([][]Value, len(def.edges)),
		fired:      make([]int, n),
		outputs:    make([]Value, n),
		produced:   make([]bool, n),
		startedAt:  r.opts.Clock(),
	}
}

func (s *runState) now() time.Time {
	return s.runner.opts.Clock()
}

// execute drives the run from entry firings to a terminal state.
func (s *runState) execute(ctx context.Context, input Value) {
	s.baseCtx = ctx
	execCtx, cancel := context.WithCancel(ctx)
	s.execCancel = cancel
	defer cancel()

	s.transition(RunRunning)
	s.emitRun(EventRunStarted, nil)

	for _, id := range s.def.entries {
		s.ready = append(s.ready, firing{id: id, input: input})
	}

	state := s.loop(ctx, execCtx)

	// Drain in-flight firings. Their results carry a stale token.
	for s.inflight > 0 {
		s.abandon(<-s.results)
		s.inflight--
	}

	s.finish(state, s.failure)

	go func() {
		s.handlers.Wait()
		close(s.handle.handlersDone)
	}()
}

// loop schedules firings until the graph is exhausted or the run stops.
func (s *runState) loop(ctx, execCtx context.Context) RunState {
	for {
		if state, done := s.checkContext(ctx); done {
			return state
		}

		s.dispatch(execCtx)
		if s.stopped {
			return RunFailed
		}
		if s.inflight == 0 && len(s.ready) == 0 {
			if s.failure != nil {
				return RunFailed
			}
			return RunSucceeded
		}
		if s.inflight == 0 {
			continue
		}

		select {
		case res := <-s.results:
			s.inflight--
			s.complete(res)
		case <-ctx.Done():
		}
	}
}

// checkContext converts run context termination into a terminal state.
func (s *runState) checkContext(ctx context.Context) (RunState, bool) {
	err := ctx.Err()
	if err == nil {
		return "", false
	}
	s.stop()
	if errors.Is(err, context.DeadlineExceeded) {
		s.failure = nil
		return RunTimedOut, true
	}
	if s.failure == nil {
		env := envelopeFor(canceledError(err), s.workflowID, s.handle.id, nil, 0, DispositionFatal, s.now())
		s.failure = &env
	}
	return RunFailed, true
}

// stop invalidates the current pass and cancels in-flight firings.
func (s *runState) stop() {
	s.stopped = true
	s.token++
	s.ready = nil
	if s.execCancel != nil {
		s.execCancel()
	}
}

// dispatch launches ready firings while capacity allows.
func (s *runState) dispatch(ctx context.Context) {
	limit := s.runner.opts.MaxParallel
	cooperative := s.runner.opts.Mode == ModeCooperative

	for len(s.ready) > 0 && !s.stopped {
		if !cooperative && s.inflight >= limit {
			return
		}
		if ctx.Err() != nil {
			return
		}

		f := s.ready[0]
		s.ready = s.ready[1:]

		if err := s.charge(f.id); err != nil {
			ev := withAttemptEvent(s.blockEvent(&s.def.nodes[f.id]), EventBlockFailed, 1, s.now())
			s.emit(ev.withError(err))
			s.fail(f.id, err, 1, DispositionFatal)
			s.stop()
			return
		}

		if cooperative {
			s.complete(s.fire(ctx, s.token, f))
			continue
		}

		s.inflight++
		go func(token uint64, f firing) {
			s.results <- s.fire(ctx, token, f)
		}(s.token, f)
	}
}

// charge counts a firing against the iteration budget.
func (s *runState) charge(id BlockID) error {
	s.fired[id]++
	s.steps++
	if s.fired[id] > s.budget.PerNode {
		return NewRuntimeError(RuntimeIterationBudgetExceeded,
			"per-node iteration budget exceeded", nil).
			WithBlock(id).
			WithDetail("firings", s.fired[id]).
			WithDetail("limit", s.budget.PerNode)
	}
	if s.steps > s.budget.Total {
		return NewRuntimeError(RuntimeIterationBudgetExceeded,
			"run iteration budget exceeded", nil).
			WithBlock(id).
			WithDetail("steps", s.steps).
			WithDetail("limit", s.budget.Total)
	}
	return nil
}

// fire executes one firing under the node's policy. It runs on a worker
// goroutine in concurrent mode and must not touch scheduler state.
func (s *runState) fire(ctx context.Context, token uint64, f firing) firingResult {
	n := &s.def.nodes[f.id]
	base := s.blockEvent(n)

	s.emit(withAttemptEvent(base, EventBlockStarted, 1, s.now()))
	start := s.now()

	execCtx := WithRunInfo(ctx, RunInfo{
		WorkflowID: s.workflowID,
		RunID:      s.handle.id,
		BlockID:    n.id,
		BlockName:  n.name,
	})
	res := n.policy.Execute(execCtx, n.exec, f.input, func(attempt int, err error, delay time.Duration) {
		ev := withAttemptEvent(base, EventBlockRetryScheduled, attempt, s.now()).withError(err)
		ev.Delay = delay
		s.emit(ev)
	})

	return firingResult{token: token, id: f.id, result: res, duration: s.now().Sub(start)}
}

// complete applies a firing result to the run.
func (s *runState) complete(res firingResult) {
	if res.token != s.token {
		s.abandon(res)
		return
	}

	n := &s.def.nodes[res.id]
	ev := withAttemptEvent(s.blockEvent(n), EventBlockSucceeded, res.result.Attempts, s.now())
	ev.Duration = res.duration

	err := res.result.Err
	if err != nil && !errors.Is(err, ErrStop) {
		ev.Type = EventBlockFailed
		s.emit(ev.withError(err))
		s.fail(res.id, err, res.result.Attempts, res.result.Disposition)
		if s.runner.opts.FailFast || res.result.Disposition == DispositionFatal {
			s.stop()
		}
		return
	}
	s.emit(ev)

	if errors.Is(err, ErrStop) {
		return
	}

	s.outputs[res.id] = res.result.Output
	s.produced[res.id] = true
	s.lastCompleted = res.id
	s.hasLast = true

	for _, e := range n.out {
		s.deliver(e, res.result.Output)
	}
}

// abandon reports a firing whose result is discarded because the run
// stopped while it was in flight. Its outcome is always a cancellation.
func (s *runState) abandon(res firingResult) {
	n := &s.def.nodes[res.id]
	attempts := res.result.Attempts
	if attempts < 1 {
		attempts = 1
	}
	ev := withAttemptEvent(s.blockEvent(n), EventBlockFailed, attempts, s.now())
	ev.Duration = res.duration
	s.emit(ev.withError(canceledError(res.result.Err).WithBlock(res.id)))
}

// deliver places a token on edge e and schedules its target when ready.
func (s *runState) deliver(e int, v Value) {
	to := &s.def.nodes[s.def.edges[e].To]
	if to.loopHead {
		s.ready = append(s.ready, firing{id: to.id, input: v})
		return
	}

	s.queues[e] = append(s.queues[e], v)
	for _, in := range to.in {
		if len(s.queues[in]) == 0 {
			return
		}
	}

	inputs := make([]Value, len(to.in))
	for i, in := range to.in {
		inputs[i] = s.queues[in][0]
		s.queues[in] = s.queues[in][1:]
	}
	input := inputs[0]
	if len(inputs) > 1 {
		input = List(inputs...)
	}
	s.ready = append(s.ready, firing{id: to.id, input: input})
}

// fail records a terminal failure of id and dispatches its error handlers.
func (s *runState) fail(id BlockID, err error, attempt int, disposition RetryDisposition) {
	env := envelopeFor(err, s.workflowID, s.handle.id, &id, attempt, disposition, s.now())
	if s.failure == nil {
		s.failure = &env
	}
	for _, h := range s.def.Handlers(id) {
		s.handlers.Add(1)
		go s.runHandler(h, env)
	}
}

// runHandler executes one error handler on a context detached from the run.
// Its outcome is reported through events only.
func (s *runState) runHandler(id BlockID, env ErrorEnvelope) {
	defer s.handlers.Done()

	n := &s.def.nodes[id]
	base := s.blockEvent(n)
	base.SourceID = env.BlockID

	s.emit(withAttemptEvent(base, EventHandlerStarted, 1, s.now()))
	start := s.now()

	ctx := WithRunInfo(context.WithoutCancel(s.baseCtx), RunInfo{
		WorkflowID: s.workflowID,
		RunID:      s.handle.id,
		BlockID:    n.id,
		BlockName:  n.name,
		Handler:    true,
	})
	res := n.policy.Execute(ctx, n.exec, env.Value(), nil)

	ev := withAttemptEvent(base, EventHandlerSucceeded, res.Attempts, s.now())
	ev.Duration = s.now().Sub(start)
	if res.Err != nil && !errors.Is(res.Err, ErrStop) {
		ev.Type = EventHandlerFailed
		ev = ev.withError(res.Err)
	}
	s.emit(ev)
}

// resolveOutput applies the output precedence: designated node, single
// sink, primary sink, then the most recently completed node.
func (s *runState) resolveOutput() (BlockID, bool) {
	d := s.def
	if d.hasOutput && s.produced[d.output] {
		return d.output, true
	}
	if len(d.sinks) == 1 && s.produced[d.sinks[0]] {
		return d.sinks[0], true
	}
	if len(d.sinks) > 1 && d.hasPrimarySink && s.produced[d.primarySink] {
		return d.primarySink, true
	}
	if s.hasLast {
		return s.lastCompleted, true
	}
	return 0, false
}

// finish settles the terminal state and publishes the outcome.
func (s *runState) finish(state RunState, failure *ErrorEnvelope) {
	out := Outcome{
		WorkflowID:  s.workflowID,
		RunID:       s.handle.id,
		State:       state,
		Steps:       s.steps,
		StartedAt:   s.startedAt,
		CompletedAt: s.now(),
	}

	if state == RunSucceeded {
		id, ok := s.resolveOutput()
		if !ok {
			// Every firing stopped without emitting.
			err := NewRuntimeError(RuntimeGraphInvalid, "no block produced output", nil)
			env := envelopeFor(err, s.workflowID, s.handle.id, nil, 0, DispositionFatal, s.now())
			state, failure = RunFailed, &env
			out.State = state
		} else {
			out.Output = s.outputs[id]
			out.OutputBlock = id
			out.HasOutput = true
		}
	}

	if state == RunFailed {
		out.Envelope = failure
	}

	s.transition(state)
	s.emitRun(state.EventType(), &out)
	s.handle.settle(out)
}

func (s *runState) transition(next RunState) {
	s.handle.setState(next)
}

func (s *runState) emit(e Event) {
	s.runner.opts.Sink.OnEvent(e)
}

func (s *runState) emitRun(t EventType, out *Outcome) {
	ev := Event{
		Type:         t,
		WorkflowID:   s.workflowID,
		WorkflowName: s.name,
		RunID:        s.handle.id,
		Timestamp:    s.now(),
	}
	if out != nil {
		ev.Duration = out.Duration()
		if out.Envelope != nil {
			env := out.Envelope
			ev.Origin, ev.Domain, ev.Code, ev.Message = env.Origin, env.Domain, env.Code, env.Message
			ev.BlockID, ev.HasBlock, ev.Attempt = env.BlockID, env.HasBlock, env.Attempt
		}
	}
	s.emit(ev)
}

func (s *runState) blockEvent(n *node) Event {
	return Event{
		WorkflowID:   s.workflowID,
		WorkflowName: s.name,
		RunID:        s.handle.id,
		BlockID:      n.id,
		HasBlock:     true,
		BlockName:    n.name,
		BlockType:    n.typ,
	}
}

func withAttemptEvent(e Event, t EventType, attempt int, ts time.Time) Event {
	e.Type = t
	e.Attempt = attempt
	e.Timestamp = ts
	return e
}
