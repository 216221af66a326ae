package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Delays(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		want    []time.Duration
	}{
		{
			name:    "none",
			backoff: NoBackoff(),
			want:    []time.Duration{0, 0, 0},
		},
		{
			name:    "fixed",
			backoff: FixedBackoff(50 * time.Millisecond),
			want:    []time.Duration{50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond},
		},
		{
			name:    "exponential capped",
			backoff: ExponentialBackoff(100*time.Millisecond, 2, 500*time.Millisecond, 0),
			want: []time.Duration{
				100 * time.Millisecond,
				200 * time.Millisecond,
				400 * time.Millisecond,
				500 * time.Millisecond,
				500 * time.Millisecond,
			},
		},
		{
			name:    "exponential defaults",
			backoff: Backoff{Kind: BackoffExponential},
			want:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.backoff.Delays(len(tt.want))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("delay %d: expected %s, got %s", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestBackoff_JitterStaysWithinBounds(t *testing.T) {
	b := ExponentialBackoff(100*time.Millisecond, 2, time.Second, 0.5)

	for run := 0; run < 20; run++ {
		delays := b.Delays(6)
		nominal := 100 * time.Millisecond
		for i, d := range delays {
			low := time.Duration(float64(nominal) * 0.5)
			if d < low || d > time.Second {
				t.Fatalf("delay %d = %s outside [%s, %s]", i, d, low, time.Second)
			}
			nominal *= 2
			if nominal > time.Second {
				nominal = time.Second
			}
		}
	}
}

func TestPolicy_Builders(t *testing.T) {
	p := Retry(3).
		WithJitter(0.1).
		WithExponentialBackoff(time.Second, 3, 10*time.Second).
		WithTimeout(5 * time.Second).
		RetryOn("http_503")

	if p.Retry.MaxAttempts != 3 {
		t.Errorf("Expected 3 retries, got %d", p.Retry.MaxAttempts)
	}
	if p.Retry.Backoff.Kind != BackoffExponential || p.Retry.Backoff.Factor != 3 {
		t.Errorf("Unexpected backoff: %+v", p.Retry.Backoff)
	}
	if p.Retry.Backoff.Jitter != 0.1 {
		t.Errorf("Expected jitter to survive WithExponentialBackoff, got %v", p.Retry.Backoff.Jitter)
	}
	if p.Timeout != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %s", p.Timeout)
	}
	if !p.Retry.predicate()("http_503") || p.Retry.predicate()("http_500") {
		t.Error("Expected RetryOn to accept only listed codes")
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Expected valid policy, got %v", err)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"negative attempts", Policy{Retry: RetryPolicy{MaxAttempts: -1}}},
		{"negative timeout", Timeout(-time.Second)},
		{"shrinking factor", Retry(1).WithExponentialBackoff(time.Second, 0.5, time.Minute)},
		{"jitter above one", Retry(1).WithExponentialBackoff(time.Second, 2, time.Minute).WithJitter(1.5)},
		{"unknown kind", Policy{Retry: RetryPolicy{Backoff: Backoff{Kind: "linear"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestRetryPolicy_Allows(t *testing.T) {
	rp := Retry(3).Retry

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), true},
		{"block error", NewBlockError("http", "http_503", "unavailable"), true},
		{"pinned not retryable", NewBlockError("http", "http_503", "unavailable").WithRetryable(false), false},
		{"timeout", NewRuntimeError(RuntimeTimeout, "slow", nil), false},
		{"panic", NewRuntimeError(RuntimePanic, "boom", nil), false},
		{"canceled", NewRuntimeError(RuntimeCanceled, "stop", nil), false},
		{"budget", NewRuntimeError(RuntimeIterationBudgetExceeded, "loop", nil), false},
		{"stop", ErrStop, false},
		{"block code named timeout", NewBlockError("shell", "timeout", "command timed out"), true},
		{"block code named panic", NewBlockError("script", "panic", "script panicked"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rp.allows(tt.err); got != tt.want {
				t.Errorf("Expected allows=%v, got %v", tt.want, got)
			}
		})
	}

	// Canceled stays terminal even when the predicate accepts everything.
	always := Retry(1).RetryIf(func(string) bool { return true }).Retry
	if always.allows(NewRuntimeError(RuntimeCanceled, "stop", nil)) {
		t.Error("Expected canceled to be terminal")
	}

	// An explicit predicate opts runtime timeouts in without touching
	// block codes of the same name.
	onTimeout := Retry(1).RetryOn(CodeTimeout).Retry
	if !onTimeout.allows(NewRuntimeError(RuntimeTimeout, "slow", nil)) {
		t.Error("Expected RetryOn(timeout) to retry runtime timeouts")
	}
	if onTimeout.allows(NewRuntimeError(RuntimePanic, "boom", nil)) {
		t.Error("Expected panic to stay terminal under RetryOn(timeout)")
	}
}

func TestPolicy_ResolutionOrder(t *testing.T) {
	reg := NewRegistry()
	typeDefault := Retry(4)
	if err := reg.RegisterBuiltin("flaky", func(Config) (Executor, error) {
		return nop(), nil
	}, WithDefaultPolicy(typeDefault)); err != nil {
		t.Fatalf("RegisterBuiltin failed: %v", err)
	}

	explicit := Retry(1)
	tests := []struct {
		name  string
		block Block
		want  int
	}{
		{"explicit wins", FromType("flaky", nil).WithPolicy(explicit), 1},
		{"type default", FromType("flaky", nil), 4},
		{"custom block", Inline(nop()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.block
			if got := resolvePolicy(&b, reg).Retry.MaxAttempts; got != tt.want {
				t.Errorf("Expected %d retries, got %d", tt.want, got)
			}
		})
	}
}

func TestPolicy_ExecuteCancelsRetryWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Retry(5).WithFixedBackoff(time.Hour)

	done := make(chan AttemptResult, 1)
	go func() {
		done <- p.Execute(ctx, failWith(errors.New("boom")), Empty(), func(int, error, time.Duration) {
			cancel()
		})
	}()

	select {
	case res := <-done:
		if !IsRuntimeKind(res.Err, RuntimeCanceled) {
			t.Errorf("Expected canceled error, got %v", res.Err)
		}
		if res.Attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", res.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected retry wait to end on cancellation")
	}
}

func TestPolicy_ExecuteReportsDelay(t *testing.T) {
	var delays []time.Duration
	p := Retry(2).WithFixedBackoff(time.Millisecond)

	res := p.Execute(context.Background(), failWith(errors.New("boom")), Empty(), func(_ int, _ error, d time.Duration) {
		delays = append(delays, d)
	})

	if res.Attempts != 3 || res.Disposition != DispositionExhausted {
		t.Errorf("Expected 3 exhausted attempts, got %d %s", res.Attempts, res.Disposition)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond {
		t.Errorf("Expected two 1ms delays, got %v", delays)
	}
}
