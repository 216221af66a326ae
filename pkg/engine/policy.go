package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffKind selects the delay strategy between retry attempts.
type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Default exponential backoff parameters.
const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = 30 * time.Second
)

// Backoff describes the delay between attempts.
type Backoff struct {
	Kind BackoffKind

	// Delay is the constant delay of fixed backoff.
	Delay time.Duration

	// Base, Factor and Cap shape exponential backoff: the n-th retry waits
	// min(Base*Factor^(n-1), Cap).
	Base   time.Duration
	Factor float64
	Cap    time.Duration

	// Jitter randomizes each exponential delay by up to this fraction in
	// either direction. The result never exceeds Cap.
	Jitter float64
}

// NoBackoff retries immediately.
func NoBackoff() Backoff {
	return Backoff{Kind: BackoffNone}
}

// FixedBackoff waits d before every retry.
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{Kind: BackoffFixed, Delay: d}
}

// ExponentialBackoff grows the delay by factor per retry, capped at cap.
func ExponentialBackoff(base time.Duration, factor float64, cap time.Duration, jitter float64) Backoff {
	return Backoff{
		Kind:   BackoffExponential,
		Base:   base,
		Factor: factor,
		Cap:    cap,
		Jitter: jitter,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Kind != BackoffExponential {
		return b
	}
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Factor <= 0 {
		b.Factor = DefaultBackoffFactor
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	return b
}

// sequence returns a fresh delay generator. Each block execution owns one.
func (b Backoff) sequence() *delaySequence {
	b = b.withDefaults()

	var bo backoff.BackOff
	switch b.Kind {
	case BackoffFixed:
		bo = backoff.NewConstantBackOff(b.Delay)
	case BackoffExponential:
		bo = &backoff.ExponentialBackOff{
			InitialInterval:     b.Base,
			RandomizationFactor: b.Jitter,
			Multiplier:          b.Factor,
			MaxInterval:         b.Cap,
		}
	default:
		bo = &backoff.ZeroBackOff{}
	}
	bo.Reset()

	return &delaySequence{bo: bo, cap: b.Cap, kind: b.Kind}
}

type delaySequence struct {
	bo   backoff.BackOff
	cap  time.Duration
	kind BackoffKind
}

// next returns the delay before the following retry.
func (s *delaySequence) next() time.Duration {
	d := s.bo.NextBackOff()
	if d < 0 {
		d = 0
	}
	if s.kind == BackoffExponential && d > s.cap {
		d = s.cap
	}
	return d
}

// Delays returns the first n retry delays. Jittered sequences differ between calls.
func (b Backoff) Delays(n int) []time.Duration {
	seq := b.sequence()
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = seq.next()
	}
	return out
}

// RetryPolicy bounds how a failing block is re-executed.
type RetryPolicy struct {
	// MaxAttempts is the number of additional attempts after the first.
	MaxAttempts int

	// Backoff is the delay strategy between attempts.
	Backoff Backoff

	// Retryable decides per error code whether another attempt is allowed.
	// Nil means DefaultRetryable.
	Retryable func(code string) bool
}

// Policy is the reliability configuration of one block.
type Policy struct {
	Retry RetryPolicy

	// Timeout bounds each attempt. Zero means no timeout.
	Timeout time.Duration
}

// Retry returns a policy allowing maxAttempts additional attempts without delay.
func Retry(maxAttempts int) Policy {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return Policy{
		Retry: RetryPolicy{
			MaxAttempts: maxAttempts,
			Backoff:     NoBackoff(),
		},
	}
}

// Timeout returns a policy that only bounds attempt duration.
func Timeout(d time.Duration) Policy {
	return Policy{Timeout: d}
}

// WithFixedBackoff sets a constant delay between attempts.
func (p Policy) WithFixedBackoff(d time.Duration) Policy {
	p.Retry.Backoff = FixedBackoff(d)
	return p
}

// WithExponentialBackoff sets exponential backoff without jitter.
//
//	engine.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (p Policy) WithExponentialBackoff(base time.Duration, factor float64, cap time.Duration) Policy {
	p.Retry.Backoff = ExponentialBackoff(base, factor, cap, p.Retry.Backoff.Jitter)
	return p
}

// WithJitter sets the jitter fraction of exponential backoff.
func (p Policy) WithJitter(fraction float64) Policy {
	p.Retry.Backoff.Jitter = fraction
	return p
}

// WithTimeout bounds each attempt.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

// RetryOn restricts retries to the given error codes.
func (p Policy) RetryOn(codes ...string) Policy {
	p.Retry.Retryable = RetryOn(codes...)
	return p
}

// RetryIf sets a custom retry predicate.
func (p Policy) RetryIf(fn func(code string) bool) Policy {
	p.Retry.Retryable = fn
	return p
}

// Validate checks the policy for impossible values.
func (p Policy) Validate() error {
	if p.Retry.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative, got %d", p.Retry.MaxAttempts)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", p.Timeout)
	}
	b := p.Retry.Backoff
	switch b.Kind {
	case "", BackoffNone:
	case BackoffFixed:
		if b.Delay < 0 {
			return fmt.Errorf("fixed backoff delay must not be negative, got %s", b.Delay)
		}
	case BackoffExponential:
		if b.Factor != 0 && b.Factor < 1 {
			return fmt.Errorf("backoff factor must be at least 1, got %v", b.Factor)
		}
		if b.Jitter < 0 || b.Jitter > 1 {
			return fmt.Errorf("backoff jitter must be between 0 and 1, got %v", b.Jitter)
		}
	default:
		return fmt.Errorf("unknown backoff kind %q", b.Kind)
	}
	return nil
}

// RetryOn returns a predicate accepting exactly the given codes.
func RetryOn(codes ...string) func(code string) bool {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(code string) bool {
		_, ok := set[code]
		return ok
	}
}

// DefaultRetryable is the predicate of a policy that sets none. It sees
// block error codes only, and accepts all of them.
func DefaultRetryable(code string) bool {
	return true
}

// allows reports whether err may be retried under p. Runtime timeouts and
// panics reach the predicate under their kind name, and only when the
// policy sets an explicit predicate.
func (p RetryPolicy) allows(err error) bool {
	if errors.Is(err, ErrStop) {
		return false
	}

	var re *RuntimeError
	if errors.As(err, &re) {
		if re.Kind.IsFatal() || re.Kind == RuntimeCanceled || p.Retryable == nil {
			return false
		}
		return p.Retryable(string(re.Kind))
	}

	be := AsBlockError(err)
	if be.Retryable != nil {
		return *be.Retryable
	}
	return p.predicate()(be.Code)
}

func (p RetryPolicy) predicate() func(string) bool {
	if p.Retryable != nil {
		return p.Retryable
	}
	return DefaultRetryable
}

// resolvePolicy returns the effective policy of b: explicit, then type
// default, then the zero policy.
func resolvePolicy(b *Block, reg *Registry) Policy {
	if b.Policy != nil {
		return *b.Policy
	}
	if reg != nil && b.Type != "" {
		if p, ok := reg.DefaultPolicy(b.Type); ok {
			return p
		}
	}
	return Policy{}
}
