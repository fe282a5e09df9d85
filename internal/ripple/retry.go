package ripple

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures the backoff executor. The zero value is not
// usable; start from DefaultRetryPolicy.
type RetryPolicy struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Factor is the backoff multiplier per attempt.
	Factor float64

	// RetryIf decides whether a failure is worth another attempt.
	// A nil RetryIf uses IsRetriable.
	RetryIf func(error) bool

	// Timeout bounds each individual attempt. A hanging call is
	// abandoned (the underlying transport is not killed) and converted
	// into a retriable timeout error. Zero disables the bound.
	Timeout time.Duration
}

// DefaultRetryPolicy mirrors the observed client defaults: three total
// attempts, half-second initial delay doubling to a 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2,
	}
}

// WithRetry invokes fn until it succeeds, the error is classified as
// terminal, or the attempt budget is exhausted. The last error is
// returned unwrapped. This executor has no knowledge of entity types;
// every other component reuses it.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	retryIf := policy.RetryIf
	if retryIf == nil {
		retryIf = IsRetriable
	}
	attempts := policy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		var v T
		v, err = runAttempt(ctx, policy.Timeout, fn)
		if err == nil {
			return v, nil
		}
		if attempt >= attempts || !retryIf(err) {
			return zero, err
		}
		delay := backoffDelay(policy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// runAttempt executes one call, racing it against the per-attempt
// timeout when one is configured.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(tctx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-tctx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, Retriable(CodeTimeout, context.DeadlineExceeded)
	}
}

// backoffDelay computes the wait after the given 1-based attempt:
// min(initial * factor^(attempt-1) + jitter, max), with jitter up to
// half the initial delay to spread out reconnect herds.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	factor := policy.Factor
	if factor <= 0 {
		factor = 2
	}
	base := float64(policy.InitialDelay) * math.Pow(factor, float64(attempt-1))
	jitter := rand.Float64() * float64(policy.InitialDelay) * 0.5
	delay := base + jitter
	if max := float64(policy.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}
