package bridge

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker trips an adapter out of service after consecutive
// failures and probes it again after a cooling-off period. It sits
// inside HTTP-backed adapters, underneath the executor's own retry
// rules.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	clock        Clock
}

// NewCircuitBreaker builds a closed breaker. A nil clock selects wall
// time.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration, clock Clock) *CircuitBreaker {
	if clock == nil {
		clock = wallClock{}
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		clock:        clock,
	}
}

// Allow reports whether a call may proceed. An open breaker lets a
// single probe through once the reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if cb.clock.Now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success records a successful call and re-closes a half-open breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
}

// Failure records a failed call; the breaker opens once the threshold
// is reached.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock.Now()
	if cb.failureCount >= cb.threshold || cb.state == BreakerHalfOpen {
		cb.state = BreakerOpen
	}
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
