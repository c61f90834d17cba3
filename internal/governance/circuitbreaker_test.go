package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: 10 * time.Second})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	fail := func(context.Context) error { return errBoom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.ExecuteContext(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(11 * time.Second)
	require.NoError(t, cb.ExecuteContext(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, 2, stats.Failures)
	assert.Equal(t, 1, stats.Successes)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.ExecuteContext(ctx, func(context.Context) error { return errBoom })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	_ = cb.ExecuteContext(ctx, func(context.Context) error { return errBoom })
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(ctx, func(context.Context) error { return nil }), ErrCircuitOpen)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Stats().Failures)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})
	err := cb.ExecuteContext(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cb.ExecuteContext(ctx, func(context.Context) error { return nil }), context.Canceled)
}
