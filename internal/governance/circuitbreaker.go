package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the dependency has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of trial calls allowed in half-open
	// state. That many consecutive successes close the circuit.
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns the thresholds used for the
// replication channel.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a failing dependency until it had time to
// recover.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	now    func() time.Time

	state                CircuitBreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	totalFailures        int
	totalSuccesses       int
	lastStateChange      time.Time
	openUntil            time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	return &CircuitBreaker{
		config:          config,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// ExecuteContext runs fn unless the circuit is open.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	// A caller giving up says nothing about the dependency.
	if errors.Is(err, context.Canceled) {
		cb.abandon()
		return err
	}
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		now := cb.now()
		if now.Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionToLocked(StateHalfOpen, now)
		cb.halfOpenRequests++
		return nil
	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	default:
		return fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

func (cb *CircuitBreaker) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
	} else {
		cb.totalFailures++
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if err != nil {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		if cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
			cb.transitionToLocked(StateClosed, now)
		}
	case StateClosed:
		if err != nil && cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionToLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0

	if newState == StateOpen {
		cb.openUntil = now.Add(cb.config.Timeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.totalFailures,
		Successes:       cb.totalSuccesses,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
		Timeout:         cb.config.Timeout.String(),
	}
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	LastStateChange string `json:"lastStateChange"`
	Timeout         string `json:"timeout"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionToLocked(StateClosed, cb.now())
	cb.totalFailures = 0
	cb.totalSuccesses = 0
}
