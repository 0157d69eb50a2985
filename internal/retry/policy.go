// Package retry provides bounded retry with exponential backoff for
// operations that lose an optimistic-concurrency race.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// Policy defines retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is applied after each retry.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to the delay.
	Jitter float64

	// Retryable decides which errors are retried. Defaults to
	// errors.Retryable (CONCURRENT_MODIFICATION only).
	Retryable func(error) bool
}

// Default returns the policy used around act/cancel:
// 4 attempts, 20ms initial delay, 500ms max, 2x multiplier, 20% jitter.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  4,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// NoRetry returns a policy that doesn't retry.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1, Multiplier: 1.0}
}

// NextDelay calculates the delay before retry number attempt (1-indexed).
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	multiplier := math.Pow(p.Multiplier, float64(attempt-1))
	delay := time.Duration(float64(p.InitialDelay) * multiplier)

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// range [1-jitter, 1+jitter]
		jitterFactor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// ShouldRetry reports whether another attempt should follow the failed
// attempt number attempt (1-indexed).
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return errors.Retryable(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx ends.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !p.ShouldRetry(attempt, err) {
			return err
		}

		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
