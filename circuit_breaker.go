package stepflow

import (
	"fmt"
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker guards a flaky collaborator. After failureThreshold
// consecutive failures the circuit opens for openTimeout; a single probe is
// then let through before the circuit closes again.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            circuitState
	failures         int
	failureThreshold int
	openTimeout      time.Duration
	openUntil        time.Time
	halfOpenInFlight bool
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and
// open timeout.
func NewCircuitBreaker(failureThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
	}
}

// Validate checks the breaker configuration for consistency.
func (c *CircuitBreaker) Validate() error {
	if c.failureThreshold <= 0 {
		return fmt.Errorf("circuit breaker failure threshold must be greater than zero")
	}
	if c.openTimeout <= 0 {
		return fmt.Errorf("circuit breaker open timeout must be greater than zero")
	}
	return nil
}

// Allow reports whether a call may proceed, and if not, how long until the
// next probe is allowed.
func (c *CircuitBreaker) Allow(now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitOpen:
		if now.Before(c.openUntil) {
			return false, c.openUntil.Sub(now)
		}
		c.state = circuitHalfOpen
		c.halfOpenInFlight = false
		fallthrough
	case circuitHalfOpen:
		if c.halfOpenInFlight {
			return false, c.openTimeout
		}
		c.halfOpenInFlight = true
		return true, 0
	}

	return true, 0
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitHalfOpen:
		c.state = circuitClosed
		c.failures = 0
		c.halfOpenInFlight = false
	case circuitClosed:
		c.failures = 0
	}
}

// RecordFailure counts a failure and opens the circuit when the threshold
// is reached. A failed half-open probe re-opens immediately.
func (c *CircuitBreaker) RecordFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitHalfOpen:
		c.state = circuitOpen
		c.openUntil = now.Add(c.openTimeout)
		c.failures = 0
		c.halfOpenInFlight = false
	case circuitClosed:
		c.failures++
		if c.failures >= c.failureThreshold {
			c.state = circuitOpen
			c.openUntil = now.Add(c.openTimeout)
			c.failures = 0
		}
	}
}
