package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

func TestNextDelay(t *testing.T) {
	p := &Policy{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, time.Duration(0), p.NextDelay(0))
	assert.Equal(t, 10*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 20*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 35*time.Millisecond, p.NextDelay(3))
}

func TestNextDelayJitterBounds(t *testing.T) {
	p := &Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: 0.1}
	for i := 0; i < 50; i++ {
		d := p.NextDelay(1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestDoRetriesOnlyConcurrentModification(t *testing.T) {
	p := &Policy{MaxAttempts: 3, Multiplier: 1}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.ConcurrentModification("approval_request", "r1")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.Unauthorized("nope")
	})
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))
	assert.Equal(t, 1, calls)
}

func TestDoGivesUp(t *testing.T) {
	p := &Policy{MaxAttempts: 2, Multiplier: 1}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.ConcurrentModification("approval_request", "r1")
	})
	assert.True(t, errors.Retryable(err))
	assert.Equal(t, 2, calls)
}

func TestDoHonoursContext(t *testing.T) {
	p := &Policy{MaxAttempts: 10, InitialDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sentinel := errors.ConcurrentModification("approval_request", "r1")
	err := p.Do(ctx, func(context.Context) error { return sentinel })
	assert.True(t, stderrors.Is(err, sentinel))
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), NoRetry(), func(context.Context) (int, error) { return 7, nil })
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}
