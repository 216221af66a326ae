package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSink collects events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

func (r *recordingSink) ofType(t EventType) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Mock executor for testing
type countingExecutor struct {
	mu     sync.Mutex
	calls  int
	inputs []Value
	fn     func(call int, in Value) (Value, error)
}

func (c *countingExecutor) Execute(ctx context.Context, in Value) (Value, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.inputs = append(c.inputs, in)
	c.mu.Unlock()
	if c.fn == nil {
		return in, nil
	}
	return c.fn(call, in)
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingExecutor) received() []Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Value{}, c.inputs...)
}

func emit(s string) ExecutorFunc {
	return func(ctx context.Context, in Value) (Value, error) {
		return Text(s), nil
	}
}

func upper() ExecutorFunc {
	return func(ctx context.Context, in Value) (Value, error) {
		return Text(strings.ToUpper(in.String())), nil
	}
}

func failWith(err error) ExecutorFunc {
	return func(ctx context.Context, in Value) (Value, error) {
		return Value{}, err
	}
}

func blockUntilDone() ExecutorFunc {
	return func(ctx context.Context, in Value) (Value, error) {
		<-ctx.Done()
		return Value{}, ctx.Err()
	}
}

func TestRunner_LinearSuccess(t *testing.T) {
	wf := New()
	if err := wf.Link(Inline(emit("hi")), Inline(upper())); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.State != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s (%v)", out.State, out.Err())
	}
	if !out.Output.Equal(Text("HI")) {
		t.Errorf("Expected Text(\"HI\"), got %#v", out.Output)
	}
	if out.Steps != 2 {
		t.Errorf("Expected 2 steps, got %d", out.Steps)
	}
	if out.Err() != nil {
		t.Errorf("Expected nil error, got %v", out.Err())
	}
}

func TestRunner_CooperativeMode(t *testing.T) {
	var active, peak int32
	track := ExecutorFunc(func(ctx context.Context, in Value) (Value, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return Text("ok"), nil
	})

	wf := New()
	join := NewBlock(ExecutorFunc(func(ctx context.Context, in Value) (Value, error) {
		return Text(strconv.Itoa(len(in.Items()))), nil
	}))
	for i := 0; i < 4; i++ {
		if err := wf.Link(Inline(track), join); err != nil {
			t.Fatalf("Link failed: %v", err)
		}
	}

	out := wf.Run(context.Background(), Empty(), WithMode(ModeCooperative))

	if out.State != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s (%v)", out.State, out.Err())
	}
	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Errorf("Expected one firing at a time, peak was %d", got)
	}
	if out.Output.String() != "4" {
		t.Errorf("Expected join of 4 inputs, got %q", out.Output.String())
	}
}

func TestRunner_MaxParallelBound(t *testing.T) {
	var active, peak int32
	track := ExecutorFunc(func(ctx context.Context, in Value) (Value, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return Text("ok"), nil
	})

	wf := New()
	for i := 0; i < 6; i++ {
		if _, err := wf.Add(Inline(track)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	out := wf.Run(context.Background(), Empty(), WithMaxParallel(2))

	if out.State != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s", out.State)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("Expected at most 2 concurrent firings, got %d", got)
	}
	if out.Steps != 6 {
		t.Errorf("Expected 6 steps, got %d", out.Steps)
	}
}

func TestRunner_FanOutSharedReference(t *testing.T) {
	wf := New()
	f := NewBlock(emit("payload"))
	g := &countingExecutor{}
	h := &countingExecutor{}

	if err := wf.Link(f, Inline(g)); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if err := wf.Link(f, Inline(h)); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	def, err := wf.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	edges := def.Edges()
	if len(edges) != 2 {
		t.Fatalf("Expected 2 edges, got %d", len(edges))
	}
	if edges[0].From != edges[1].From {
		t.Errorf("Expected both edges from one node, got %s and %s", edges[0].From, edges[1].From)
	}

	out := NewRunner().Run(context.Background(), def, Empty())
	if out.State != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s", out.State)
	}

	for name, exec := range map[string]*countingExecutor{"G": g, "H": h} {
		got := exec.received()
		if len(got) != 1 || !got[0].Equal(Text("payload")) {
			t.Errorf("%s: expected one Text(\"payload\") input, got %#v", name, got)
		}
	}

	// Two sinks: the target of the last inserted edge wins.
	if !out.HasOutput || out.OutputBlock != edges[1].To {
		t.Errorf("Expected output from %s, got %s", edges[1].To, out.OutputBlock)
	}
}

func TestRunner_ResultSelectionIsDeterministic(t *testing.T) {
	wf := New()
	src := NewBlock(emit("x"))
	for _, s := range []string{"a", "b", "c"} {
		if err := wf.Link(src, Inline(emit(s))); err != nil {
			t.Fatalf("Link failed: %v", err)
		}
	}
	def, err := wf.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	runner := NewRunner()
	for i := 0; i < 10; i++ {
		out := runner.Run(context.Background(), def, Empty())
		if out.Output.String() != "c" {
			t.Fatalf("run %d: expected output %q, got %q", i, "c", out.Output.String())
		}
	}
}

func TestRunner_DesignatedOutput(t *testing.T) {
	wf := New()
	mid := NewBlock(emit("middle"))
	if _, err := wf.Chain(Inline(emit("start")), mid, Inline(emit("end"))); err != nil {
		t.Fatalf("Chain failed: %v", err)
	}
	if err := wf.SetOutput(mid); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.Output.String() != "middle" {
		t.Errorf("Expected designated output %q, got %q", "middle", out.Output.String())
	}
}

func TestRunner_BarrierFanIn(t *testing.T) {
	wf := New()
	join := &countingExecutor{}
	joinRef := NewBlock(join)

	if err := wf.Link(Inline(emit("left")), joinRef); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if err := wf.Link(Inline(emit("right")), joinRef); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.State != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s", out.State)
	}
	if join.count() != 1 {
		t.Fatalf("Expected join to fire once, fired %d times", join.count())
	}
	want := List(Text("left"), Text("right"))
	if got := join.received()[0]; !got.Equal(want) {
		t.Errorf("Expected %#v, got %#v", want, got)
	}
}

func TestRunner_SelfLoopBudget(t *testing.T) {
	sink := &recordingSink{}
	wf := New(WithBudget(Budget{PerNode: 5}))
	loop := &countingExecutor{}
	ref := NewBlock(loop)
	if err := wf.Link(ref, ref); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty(), WithSink(sink))

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if loop.count() != 5 {
		t.Errorf("Expected 5 firings, got %d", loop.count())
	}
	env := out.Envelope
	if env == nil || env.Code != CodeBudgetExceeded {
		t.Fatalf("Expected budget envelope, got %+v", env)
	}
	if env.Origin != OriginRuntime || env.RetryDisposition != DispositionFatal {
		t.Errorf("Expected fatal runtime envelope, got %s/%s", env.Origin, env.RetryDisposition)
	}
	if env.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", env.Severity)
	}
	if env.Attempt != 1 || !env.HasBlock {
		t.Errorf("Expected block envelope on attempt 1, got attempt %d", env.Attempt)
	}

	failed := sink.ofType(EventBlockFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected one block.failed event, got %d", len(failed))
	}
	if failed[0].Code != CodeBudgetExceeded || failed[0].Origin != OriginRuntime || failed[0].Attempt != 1 {
		t.Errorf("Unexpected budget event: %+v", failed[0])
	}
	if got, want := len(sink.ofType(EventBlockStarted)), len(sink.ofType(EventBlockSucceeded)); got != want {
		t.Errorf("Expected %d started events for the completed firings, got %d", want, got)
	}
}

func TestRunner_TotalBudget(t *testing.T) {
	wf := New(WithBudget(Budget{Total: 3}))
	a := NewBlock(emit("a"))
	b := NewBlock(emit("b"))
	if err := wf.Link(a, b); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if err := wf.Link(b, a); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.Envelope == nil || out.Envelope.Code != CodeBudgetExceeded {
		t.Fatalf("Expected budget failure, got %+v", out)
	}
	if out.Steps != 4 {
		t.Errorf("Expected failure on step 4, got %d", out.Steps)
	}
}

func TestRunner_LoopExitsWithStop(t *testing.T) {
	wf := New()
	inc := NewBlock(ExecutorFunc(func(ctx context.Context, in Value) (Value, error) {
		n, _ := strconv.Atoi(in.String())
		return Text(strconv.Itoa(n + 1)), nil
	}))
	check := NewBlock(ExecutorFunc(func(ctx context.Context, in Value) (Value, error) {
		n, _ := strconv.Atoi(in.String())
		if n >= 3 {
			return Value{}, ErrStop
		}
		return in, nil
	}))

	if err := wf.Link(Inline(emit("0")), inc); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if err := wf.Link(inc, check); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if err := wf.Link(check, inc); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.State != RunSucceeded {
		t.Fatalf("Expected succeeded, got %s (%v)", out.State, out.Err())
	}
	if out.Output.String() != "3" {
		t.Errorf("Expected last completed output %q, got %q", "3", out.Output.String())
	}
}

func TestRunner_ExhaustedRetries(t *testing.T) {
	sink := &recordingSink{}
	flaky := &countingExecutor{fn: func(int, Value) (Value, error) {
		return Value{}, NewBlockError("test", "flaky", "always fails")
	}}

	wf := New()
	if _, err := wf.Add(Inline(flaky).WithPolicy(Retry(2))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty(), WithSink(sink))

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if flaky.count() != 3 {
		t.Errorf("Expected 3 attempts, got %d", flaky.count())
	}
	env := out.Envelope
	if env.Attempt != 3 {
		t.Errorf("Expected attempt=3, got %d", env.Attempt)
	}
	if env.RetryDisposition != DispositionExhausted {
		t.Errorf("Expected exhausted, got %s", env.RetryDisposition)
	}
	if env.Domain != "test" || env.Code != "flaky" || env.Origin != OriginBlock {
		t.Errorf("Unexpected envelope classification: %+v", env)
	}
	if got := len(sink.ofType(EventBlockRetryScheduled)); got != 2 {
		t.Errorf("Expected 2 retry events, got %d", got)
	}
}

func TestRunner_NonRetryableBlockError(t *testing.T) {
	exec := &countingExecutor{fn: func(int, Value) (Value, error) {
		return Value{}, NewBlockError("http", "http_404", "not found").WithRetryable(false)
	}}

	wf := New()
	if _, err := wf.Add(Inline(exec).WithPolicy(Retry(5))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if exec.count() != 1 {
		t.Errorf("Expected a single attempt, got %d", exec.count())
	}
	if out.Envelope.RetryDisposition != DispositionNotRetryable {
		t.Errorf("Expected not_retryable, got %s", out.Envelope.RetryDisposition)
	}
}

func TestRunner_RetryThenSucceed(t *testing.T) {
	exec := &countingExecutor{fn: func(call int, in Value) (Value, error) {
		if call < 3 {
			return Value{}, errors.New("transient")
		}
		return Text("done"), nil
	}}

	wf := New()
	if _, err := wf.Add(Inline(exec).WithPolicy(Retry(3).WithFixedBackoff(time.Millisecond))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.State != RunSucceeded || out.Output.String() != "done" {
		t.Fatalf("Expected success with %q, got %s %q", "done", out.State, out.Output.String())
	}
	if exec.count() != 3 {
		t.Errorf("Expected 3 attempts, got %d", exec.count())
	}
}

func TestRunner_AttemptTimeout(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		wantCalls int
	}{
		{"timeout not retried by default", Retry(2).WithTimeout(10 * time.Millisecond), 1},
		{"timeout retried when listed", Retry(2).WithTimeout(10 * time.Millisecond).RetryOn(CodeTimeout), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &countingExecutor{fn: func(int, Value) (Value, error) {
				time.Sleep(200 * time.Millisecond)
				return Text("late"), nil
			}}
			wf := New()
			if _, err := wf.Add(Inline(exec).WithPolicy(tt.policy)); err != nil {
				t.Fatalf("Add failed: %v", err)
			}

			out := wf.Run(context.Background(), Empty())

			if out.Envelope == nil || out.Envelope.Code != CodeTimeout {
				t.Fatalf("Expected timeout envelope, got %+v", out.Envelope)
			}
			if out.Envelope.Origin != OriginRuntime {
				t.Errorf("Expected runtime origin, got %s", out.Envelope.Origin)
			}
			if exec.count() != tt.wantCalls {
				t.Errorf("Expected %d attempts, got %d", tt.wantCalls, exec.count())
			}
		})
	}
}

func TestRunner_PanicIsolated(t *testing.T) {
	wf := New()
	other := &countingExecutor{}
	if _, err := wf.Add(Inline(ExecutorFunc(func(ctx context.Context, in Value) (Value, error) {
		panic("boom")
	}))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := wf.Add(Inline(other)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if out.Envelope.Code != CodePanic || out.Envelope.Severity != SeverityCritical {
		t.Errorf("Expected critical panic envelope, got %+v", out.Envelope)
	}
	if _, ok := out.Envelope.Details["stack"]; !ok {
		t.Error("Expected stack in envelope details")
	}
	if other.count() != 1 {
		t.Errorf("Expected independent branch to run, ran %d times", other.count())
	}
}

func TestRunner_FailureStopsDownstream(t *testing.T) {
	wf := New()
	down := &countingExecutor{}
	if err := wf.Link(Inline(failWith(errors.New("nope"))), Inline(down)); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if down.count() != 0 {
		t.Errorf("Expected downstream not to fire, fired %d times", down.count())
	}
	if out.Envelope.Code != CodeExecutionFailed || out.Envelope.Domain != DomainBlock {
		t.Errorf("Expected generic block failure, got %s/%s", out.Envelope.Domain, out.Envelope.Code)
	}
}

func TestRunner_FailFastCancelsSiblings(t *testing.T) {
	slow := &countingExecutor{fn: func(int, Value) (Value, error) {
		time.Sleep(time.Millisecond)
		return Text("slow"), nil
	}}

	wf := New()
	if _, err := wf.Add(Inline(failWith(errors.New("fast failure")))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := wf.Add(Inline(blockUntilDone())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := wf.Add(Inline(slow)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	start := time.Now()
	out := wf.Run(context.Background(), Empty(), WithFailFast(true), WithMode(ModeConcurrent))

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if out.Envelope.Message != "fast failure" {
		t.Errorf("Expected first failure in envelope, got %q", out.Envelope.Message)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Expected fail-fast run to stop blocked siblings")
	}
}

func TestRunner_FailFastEndsEveryStartedBlock(t *testing.T) {
	sink := &recordingSink{}
	wf := New()
	if _, err := wf.Add(Inline(failWith(errors.New("fast failure")))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	blocked, err := wf.Add(Inline(blockUntilDone()))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := wf.Add(Inline(blockUntilDone())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty(), WithFailFast(true), WithMode(ModeConcurrent), WithSink(sink))
	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}

	open := make(map[BlockID]int)
	for _, e := range sink.all() {
		switch e.Type {
		case EventBlockStarted:
			open[e.BlockID]++
		case EventBlockSucceeded, EventBlockFailed:
			open[e.BlockID]--
		}
	}
	for id, n := range open {
		if n != 0 {
			t.Errorf("block %s: %d started events without a terminal event", id, n)
		}
	}

	var canceled bool
	for _, e := range sink.ofType(EventBlockFailed) {
		if e.BlockID == blocked {
			canceled = e.Code == CodeCanceled && e.Origin == OriginRuntime
		}
	}
	if !canceled {
		t.Error("Expected the blocked sibling to end with a canceled block.failed event")
	}
	if out.Envelope.Message != "fast failure" {
		t.Errorf("Expected the first failure in the envelope, got %q", out.Envelope.Message)
	}
}

func TestRunner_StopOnlyRunFails(t *testing.T) {
	sink := &recordingSink{}
	wf := New()
	if _, err := wf.Add(Inline(failWith(ErrStop))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), Text("x"), WithSink(sink))

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if out.HasOutput {
		t.Errorf("Expected no output, got %#v", out.Output)
	}
	env := out.Envelope
	if env == nil || env.Code != CodeGraphInvalid || env.Origin != OriginRuntime {
		t.Fatalf("Expected graph_invalid runtime envelope, got %+v", env)
	}
	if len(sink.ofType(EventBlockSucceeded)) != 1 {
		t.Error("Expected the stopping block to complete")
	}
	if len(sink.ofType(EventRunFailed)) != 1 || len(sink.ofType(EventRunSucceeded)) != 0 {
		t.Error("Expected run.failed and no run.succeeded")
	}
}

func TestRunner_RunTimeout(t *testing.T) {
	sink := &recordingSink{}
	wf := New()
	if _, err := wf.Add(Inline(blockUntilDone())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty(), WithTimeout(20*time.Millisecond), WithSink(sink))

	if out.State != RunTimedOut {
		t.Fatalf("Expected timed_out, got %s", out.State)
	}
	if !errors.Is(out.Err(), ErrRunTimedOut) {
		t.Errorf("Expected ErrRunTimedOut, got %v", out.Err())
	}
	if len(sink.ofType(EventRunTimedOut)) != 1 {
		t.Error("Expected one run.timed_out event")
	}
	failed := sink.ofType(EventBlockFailed)
	if len(failed) != 1 || failed[0].Code != CodeCanceled {
		t.Errorf("Expected the in-flight block to end canceled, got %+v", failed)
	}
}

func TestRunHandle_Cancel(t *testing.T) {
	wf := New()
	if _, err := wf.Add(Inline(blockUntilDone())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	h := wf.Start(context.Background(), Empty())
	if h.ID() == "" {
		t.Fatal("Expected run id")
	}
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if out.Envelope == nil || out.Envelope.Code != CodeCanceled {
		t.Errorf("Expected canceled envelope, got %+v", out.Envelope)
	}
	if h.State() != RunFailed {
		t.Errorf("Expected handle state failed, got %s", h.State())
	}
}

func TestRunner_RunFailsDespiteHandlerSuccess(t *testing.T) {
	sink := &recordingSink{}
	handler := &countingExecutor{}

	wf := New()
	src := NewBlock(failWith(NewBlockError("test", "broken", "source failed")))
	if err := wf.OnError(src, Inline(handler)); err != nil {
		t.Fatalf("OnError failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty(), WithSink(sink))

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if handler.count() != 1 {
		t.Fatalf("Expected handler to run once, ran %d times", handler.count())
	}

	env, err := DecodeEnvelope(handler.received()[0])
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Code != "broken" || env.RunID != out.RunID || !env.HasBlock {
		t.Errorf("Unexpected handler envelope: %+v", env)
	}
	if len(sink.ofType(EventHandlerSucceeded)) != 1 {
		t.Error("Expected one handler_succeeded event")
	}
}

func TestRunner_ParallelHandlerIsolation(t *testing.T) {
	sink := &recordingSink{}
	good := &countingExecutor{fn: func(int, Value) (Value, error) {
		time.Sleep(10 * time.Millisecond)
		return Text("handled"), nil
	}}

	wf := New()
	src := NewBlock(failWith(NewBlockError("test", "broken", "source failed")))
	if err := wf.OnError(src, Inline(failWith(errors.New("handler failed")))); err != nil {
		t.Fatalf("OnError failed: %v", err)
	}
	if err := wf.OnError(src, Inline(good)); err != nil {
		t.Fatalf("OnError failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty(), WithSink(sink))

	if out.State != RunFailed || out.Envelope.Code != "broken" {
		t.Fatalf("Expected failure from source, got %s %+v", out.State, out.Envelope)
	}
	if good.count() != 1 {
		t.Errorf("Expected healthy handler to complete, ran %d times", good.count())
	}
	if len(sink.ofType(EventHandlerFailed)) != 1 {
		t.Error("Expected one handler_failed event")
	}
	if len(sink.ofType(EventHandlerSucceeded)) != 1 {
		t.Error("Expected one handler_succeeded event")
	}
	if len(sink.ofType(EventHandlerStarted)) != 2 {
		t.Error("Expected two handler_started events")
	}
}

func TestRunner_HandlerSuccessorsNotDriven(t *testing.T) {
	after := &countingExecutor{}
	wf := New()
	handler := NewBlock(emit("handled"))
	if err := wf.OnError(Inline(failWith(errors.New("boom"))), handler); err != nil {
		t.Fatalf("OnError failed: %v", err)
	}
	if err := wf.Link(handler, Inline(after)); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	out := wf.Run(context.Background(), Empty())

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if after.count() != 0 {
		t.Errorf("Expected handler successor not to fire, fired %d times", after.count())
	}
}

func TestRunner_InvalidGraph(t *testing.T) {
	sink := &recordingSink{}
	out := New().Run(context.Background(), Empty(), WithSink(sink))

	if out.State != RunFailed {
		t.Fatalf("Expected failed, got %s", out.State)
	}
	if out.Envelope.Code != CodeGraphInvalid {
		t.Errorf("Expected graph_invalid, got %s", out.Envelope.Code)
	}

	var types []EventType
	for _, e := range sink.all() {
		types = append(types, e.Type)
	}
	want := []EventType{EventRunCreated, EventRunStarted, EventRunFailed}
	if len(types) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestRunner_NilDefinition(t *testing.T) {
	out := NewRunner().Run(context.Background(), nil, Empty())
	if out.State != RunFailed || out.Envelope.Code != CodeGraphInvalid {
		t.Errorf("Expected graph_invalid failure, got %s %+v", out.State, out.Envelope)
	}
}

func TestRunner_BlockEventOrder(t *testing.T) {
	sink := &recordingSink{}
	exec := &countingExecutor{fn: func(call int, in Value) (Value, error) {
		if call == 1 {
			return Value{}, errors.New("first attempt fails")
		}
		return Text("ok"), nil
	}}

	wf := New()
	if _, err := wf.Add(Inline(exec).WithPolicy(Retry(1))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	wf.Run(context.Background(), Empty(), WithSink(sink))

	var types []EventType
	for _, e := range sink.all() {
		types = append(types, e.Type)
	}
	want := []EventType{
		EventRunCreated, EventRunStarted,
		EventBlockStarted, EventBlockRetryScheduled, EventBlockSucceeded,
		EventRunSucceeded,
	}
	if len(types) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}

	succeeded := sink.ofType(EventBlockSucceeded)[0]
	if succeeded.Attempt != 2 {
		t.Errorf("Expected succeeded on attempt 2, got %d", succeeded.Attempt)
	}
}

func TestRunner_RunInfoInContext(t *testing.T) {
	var info RunInfo
	var ok bool
	wf := New(WithName("ctx"))
	if _, err := wf.Add(Inline(ExecutorFunc(func(ctx context.Context, in Value) (Value, error) {
		info, ok = RunInfoFromContext(ctx)
		return in, nil
	})).WithName("inspect")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), Text("in"), WithMode(ModeCooperative))

	if !ok {
		t.Fatal("Expected run info in executor context")
	}
	if info.RunID != out.RunID || info.WorkflowID != wf.ID() {
		t.Errorf("Unexpected run info: %+v", info)
	}
	if info.BlockName != "inspect" || info.Attempt != 1 {
		t.Errorf("Expected inspect attempt 1, got %+v", info)
	}
}

func TestRunner_ConcurrentRunsShareDefinition(t *testing.T) {
	wf := New()
	if err := wf.Link(Inline(ExecutorFunc(func(ctx context.Context, in Value) (Value, error) {
		return in, nil
	})), Inline(upper())); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	def, err := wf.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	runner := NewRunner()
	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := "run" + strconv.Itoa(i)
			out := runner.Run(context.Background(), def, Text(in))
			if out.Output.String() != strings.ToUpper(in) {
				errs <- out.Output.String()
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for got := range errs {
		t.Errorf("Unexpected output %q", got)
	}
}
