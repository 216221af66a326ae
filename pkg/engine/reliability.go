package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// RetryNotify is called before every retry wait with the attempt that just
// failed, its error and the delay about to be applied.
type RetryNotify func(attempt int, err error, delay time.Duration)

// AttemptResult is the outcome of running an executor under a policy.
type AttemptResult struct {
	Output Value
	Err    error

	// Attempts is the number of attempts made, starting at 1.
	Attempts int

	// Disposition explains why a failure is terminal. Empty on success.
	Disposition RetryDisposition
}

// Execute runs exec under the policy: attempt 1 runs immediately, failures
// are retried while the error is retryable and attempts remain, each attempt
// races the policy timeout, and panics become runtime Panic errors. Retry
// waits end early when ctx is canceled.
func (p Policy) Execute(ctx context.Context, exec Executor, in Value, notify RetryNotify) AttemptResult {
	seq := p.Retry.Backoff.sequence()
	maxAttempts := p.Retry.MaxAttempts + 1

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return AttemptResult{
				Err:         canceledError(err),
				Attempts:    attempt,
				Disposition: DispositionNotRetryable,
			}
		}

		out, err := runAttempt(withAttempt(ctx, attempt), exec, in, p.Timeout)
		if err == nil || errors.Is(err, ErrStop) {
			return AttemptResult{Output: out, Err: err, Attempts: attempt}
		}

		if ctx.Err() != nil && !IsRuntimeKind(err, RuntimeCanceled) {
			err = canceledError(ctx.Err())
		}

		if disposition, terminal := p.terminal(err, attempt, maxAttempts); terminal {
			return AttemptResult{Err: err, Attempts: attempt, Disposition: disposition}
		}

		delay := seq.next()
		if notify != nil {
			notify(attempt, err, delay)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return AttemptResult{
					Err:         canceledError(ctx.Err()),
					Attempts:    attempt,
					Disposition: DispositionNotRetryable,
				}
			}
		}
	}
}

// terminal decides whether err ends the attempt loop.
func (p Policy) terminal(err error, attempt, maxAttempts int) (RetryDisposition, bool) {
	var re *RuntimeError
	if errors.As(err, &re) && re.Kind.IsFatal() {
		return DispositionFatal, true
	}
	if !p.Retry.allows(err) {
		return DispositionNotRetryable, true
	}
	if attempt >= maxAttempts {
		return DispositionExhausted, true
	}
	return "", false
}

type attemptOutput struct {
	value Value
	err   error
}

// runAttempt executes one attempt in its own goroutine so that a timeout or
// cancellation returns control even when the executor ignores its context.
func runAttempt(ctx context.Context, exec Executor, in Value, timeout time.Duration) (Value, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutput{err: NewRuntimeError(RuntimePanic,
					fmt.Sprintf("executor panicked: %v", r), nil).
					WithDetail("stack", string(debug.Stack()))}
			}
		}()
		v, err := exec.Execute(attemptCtx, in)
		done <- attemptOutput{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && !errors.Is(out.err, ErrStop) {
			if ctx.Err() != nil {
				return Value{}, canceledError(ctx.Err())
			}
			if timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return Value{}, timeoutError(timeout, out.err)
			}
		}
		return out.value, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return Value{}, canceledError(ctx.Err())
		}
		return Value{}, timeoutError(timeout, attemptCtx.Err())
	}
}

func timeoutError(timeout time.Duration, cause error) *RuntimeError {
	return NewRuntimeError(RuntimeTimeout,
		fmt.Sprintf("attempt exceeded timeout of %s", timeout), cause).
		WithDetail("timeout", timeout.String())
}

func canceledError(cause error) *RuntimeError {
	return NewRuntimeError(RuntimeCanceled, "execution canceled", cause)
}
