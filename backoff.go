package simpleaction

import "time"

const (
	DefaultBackoffBase = time.Minute
	DefaultBackoffCap  = 180 * time.Minute
	DefaultMaxRetries  = 5
)

// Backoff computes retry delays as Base * 2^n, capped at Cap.
// It is pure: the same n always yields the same delay.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before retry n (n = attempt_count before the retry, starting at 0)
func (b Backoff) Delay(n int) time.Duration {
	base, ceiling := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// RetryPolicy bounds how many times a retryable failure is rescheduled
type RetryPolicy struct {
	MaxRetries int
	Backoff    Backoff
}

// DefaultRetryPolicy returns 5 retries with 1m base and 180m cap
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		Backoff:    Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap},
	}
}

// CanRetry reports whether an attempt that already used attemptCount retries may retry again
func (p RetryPolicy) CanRetry(attemptCount int) bool {
	return attemptCount < p.MaxRetries
}
