package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls how the client retries opening a stream. Delays grow
// by Multiplier per attempt and are capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int // attempts after the first call
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool // scale each delay by a random factor in [0.5, 1.5)

	// OnRetry is called before sleeping. attempt starts at 1.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the backoff before retry attempt (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt && d < float64(p.MaxDelay); i++ {
		d *= p.Multiplier
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// nextDelay picks the wait before the next attempt. A rate limit's
// Retry-After wins over backoff; ok is false when it exceeds MaxDelay.
func (p RetryPolicy) nextDelay(err error, attempt int) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter != nil {
		wait := time.Duration(*rl.RetryAfter * float64(time.Second))
		return wait, wait <= p.MaxDelay
	}
	return p.Delay(attempt), true
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. The last error is returned unchanged; a
// cancelled wait returns an AbortError.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !IsRetryable(err) {
			return zero, err
		}
		delay, ok := policy.nextDelay(err, attempt)
		if !ok {
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}
}
