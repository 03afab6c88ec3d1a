package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), logger.NewNop(), "flaky", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUp(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fastPolicy(3), logger.NewNop(), "always", func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	bad := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), logger.NewNop(), "perm", func(context.Context) error {
		calls++
		return Permanent(bad)
	})

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestDo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastPolicy(5), logger.NewNop(), "cancelled", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, Backoff(p, 1))
	assert.Equal(t, 400*time.Millisecond, Backoff(p, 3))
	assert.Equal(t, time.Second, Backoff(p, 10))

	p.Jitter = true
	for i := 0; i < 100; i++ {
		d := Backoff(p, 2)
		assert.GreaterOrEqual(t, d, 170*time.Millisecond)
		assert.LessOrEqual(t, d, 230*time.Millisecond)
	}
}
