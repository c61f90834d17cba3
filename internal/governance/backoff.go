package governance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines retry behavior for outbound calls such as replication
// publishes.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% of random delay to each backoff.
	Jitter bool
}

// DefaultRetryConfig returns the retry behaviour used for replication.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy retries transient failures with exponential backoff.
type RetryPolicy struct {
	config    RetryConfig
	retryable func(error) bool
}

// NewRetryPolicy creates a retry policy with the given configuration. A nil
// retryable classifier falls back to IsRetryableError.
func NewRetryPolicy(config RetryConfig, retryable func(error) bool) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if retryable == nil {
		retryable = IsRetryableError
	}
	return &RetryPolicy{config: config, retryable: retryable}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether a call that failed with err on attempt should
// be tried again.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return rp.retryable(err)
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retries are exhausted.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !rp.ShouldRetry(lastErr, attempt) {
			break
		}

		if err := sleep(ctx, rp.CalculateBackoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRetryableError reports whether err looks transient: a deadline, a network
// timeout, a refused or reset connection, a connection closed mid-reply, or a
// Redis server that is loading, read-only or asking the client to try again.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsNotFound
	}

	msg := err.Error()
	for _, prefix := range transientRedisReplies {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

// transientRedisReplies are error replies after which a Redis command may
// succeed unchanged.
var transientRedisReplies = []string{"LOADING ", "READONLY ", "TRYAGAIN ", "CLUSTERDOWN ", "MASTERDOWN "}
