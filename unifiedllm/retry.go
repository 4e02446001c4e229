package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how Retry backs off between attempts.
type RetryPolicy struct {
	// MaxRetries counts attempts after the first one.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay over [0.5, 1.5) of its nominal value.
	Jitter  bool
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice, starting at one second and doubling,
// with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns the wait before retry number attempt (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns an error IsRetryable rejects,
// or the policy runs out of attempts. A rate limit's Retry-After replaces
// the computed delay; one longer than MaxDelay ends retrying at once.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := fn(ctx)
	for attempt := 0; err != nil && attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			break
		}
		delay, ok := policy.nextDelay(err, attempt)
		if !ok {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}
		if werr := sleep(ctx, delay); werr != nil {
			var zero T
			return zero, werr
		}
		result, err = fn(ctx)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (p RetryPolicy) nextDelay(err error, attempt int) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		if p.MaxDelay > 0 && rl.RetryAfter > p.MaxDelay {
			return 0, false
		}
		return rl.RetryAfter, true
	}
	return p.Delay(attempt), true
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
	case <-timer.C:
		return nil
	}
}
