// Package retry implements generic exponential backoff with jitter,
// generalized from the teacher's HTTP-only retry helper
// (internal/http/ratelimit) so every component — HTTP fetches, database
// acquires, proxy rotation — can share one retry primitive.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures one retry run. BackoffFactor defaults to 2 when left
// at the zero value; a zero (or negative) JitterRatio means no jitter.
// DefaultPolicy sets JitterRatio to 0.25.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterRatio   float64

	// Retryable decides whether an error returned by the operation should
	// be retried. A nil Retryable retries every non-nil error.
	Retryable func(error) bool
}

// DefaultPolicy returns sane defaults matching the teacher's
// DefaultConfig() (100ms base, 30s cap, 3 attempts).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		JitterRatio:   0.25,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2
	}
	if p.JitterRatio < 0 {
		p.JitterRatio = 0
	}
	return p
}

// Delay returns the sleep duration before attempt k+1 (1-indexed k),
// min(MaxDelay, BaseDelay*factor^(k-1)) jittered by +/- JitterRatio.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	exp := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	capped := math.Min(exp, float64(p.MaxDelay))
	if capped <= 0 {
		return 0
	}
	// jitter in [-ratio, +ratio] of capped
	jitter := (rand.Float64()*2 - 1) * p.JitterRatio * capped
	d := capped + jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// ErrNonRetryable can be wrapped by an operation to abort immediately
// regardless of the configured Retryable predicate.
var ErrNonRetryable = errors.New("retry: non-retryable error")

// Do runs op until it succeeds, the policy is exhausted, the retryable
// predicate rejects the error, or ctx is cancelled. Sleeps between
// attempts are cancellable.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.normalized()
	var zero, result T
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, lastErr = op(ctx)
		if lastErr == nil {
			return result, nil
		}
		if errors.Is(lastErr, ErrNonRetryable) {
			return zero, lastErr
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return zero, lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}
