package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-federation/pkg/domain"
)

func TestRateLimiterRejectLimit(t *testing.T) {
	rl := NewFederationRateLimiter(RateLimitConfig{
		Window:      time.Minute,
		SleepLimit:  100,
		RejectLimit: 2,
		Concurrent:  10,
	})
	ctx := context.Background()

	a1, err := rl.Acquire(ctx, "example.org")
	require.NoError(t, err)
	a2, err := rl.Acquire(ctx, "example.org")
	require.NoError(t, err)

	_, err = rl.Acquire(ctx, "example.org")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	status, code, _ := domain.StatusOf(err)
	assert.Equal(t, 429, status)
	assert.Equal(t, domain.CodeLimitExceeded, code)

	// Other origins are unaffected.
	other, err := rl.Acquire(ctx, "other.org")
	require.NoError(t, err)

	a1.Release()
	a2.Release()
	other.Release()
	assert.Equal(t, 2, rl.Stats()["example.org"].InWindow)
}

func TestRateLimiterConcurrency(t *testing.T) {
	rl := NewFederationRateLimiter(RateLimitConfig{Concurrent: 1, SleepLimit: 100})
	ctx := context.Background()

	first, err := rl.Acquire(ctx, "example.org")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := rl.Acquire(ctx, "example.org")
		if err == nil {
			close(acquired)
			second.Release()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second request admitted while the first held the only slot")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	first.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second request never admitted")
	}
}

func TestRateLimiterSleepsOverSleepLimit(t *testing.T) {
	rl := NewFederationRateLimiter(RateLimitConfig{
		Window:     time.Minute,
		SleepLimit: 1,
		SleepDelay: 30 * time.Millisecond,
	})
	ctx := context.Background()

	a, err := rl.Acquire(ctx, "example.org")
	require.NoError(t, err)
	a.Release()

	start := time.Now()
	b, err := rl.Acquire(ctx, "example.org")
	require.NoError(t, err)
	b.Release()
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRateLimiterCancelWhileQueued(t *testing.T) {
	rl := NewFederationRateLimiter(RateLimitConfig{Concurrent: 1, SleepLimit: 100})

	held, err := rl.Acquire(context.Background(), "example.org")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Acquire(ctx, "example.org")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stats := rl.Stats()["example.org"]
	assert.Equal(t, 1, stats.InWindow)
	assert.Equal(t, 1, stats.Active)
	held.Release()
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewFederationRateLimiter(RateLimitConfig{Window: time.Second})
	rl.now = func() time.Time { return now }

	a, err := rl.Acquire(context.Background(), "example.org")
	require.NoError(t, err)
	a.Release()
	assert.Zero(t, rl.Prune())
	assert.Len(t, rl.Stats(), 1)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, rl.Prune())
	assert.Empty(t, rl.Stats())
}

func TestRateLimiterConfigure(t *testing.T) {
	rl := NewFederationRateLimiter(RateLimitConfig{})
	assert.Equal(t, DefaultRateLimitConfig(), rl.Config())

	rl.Configure(RateLimitConfig{RejectLimit: 5})
	cfg := rl.Config()
	assert.Equal(t, 5, cfg.RejectLimit)
	assert.Equal(t, 3, cfg.Concurrent)
}
