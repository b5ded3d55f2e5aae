// Package resilience implements the circuit breaker protecting calls to
// external dependencies (model provider, object store, relational store).
package resilience

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

const (
	stateClosedInt int32 = iota
	stateOpenInt
	stateHalfOpenInt
)

// CircuitBreakerConfig configures a circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// trips the breaker.
	FailureThreshold int
	// FailureWindow bounds how long failures are counted against the
	// threshold. A failure older than the window restarts the count.
	FailureWindow time.Duration
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// CircuitBreaker implements a three-state circuit breaker. The current state
// is mirrored in an atomic so the common closed path avoids the mutex;
// transitions always happen under the lock.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	stateAtomic atomic.Int32

	mu                sync.Mutex
	state             CircuitBreakerState
	failureCount      int
	windowStart       time.Time
	lastFailureAt     time.Time
	openedAt          time.Time
	halfOpenInFlight  bool
}

// CircuitBreakerStatus is a point-in-time snapshot of a breaker.
type CircuitBreakerStatus struct {
	Name          string              `json:"name"`
	State         CircuitBreakerState `json:"state"`
	FailureCount  int                 `json:"failure_count"`
	LastFailureAt time.Time           `json:"last_failure_at,omitempty"`
	OpenedAt      time.Time           `json:"opened_at,omitempty"`
}

// NewCircuitBreaker creates a new circuit breaker in the closed state.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		state:  StateClosed,
	}
	cb.stateAtomic.Store(stateClosedInt)
	return cb
}

// CanRequest checks if a request can be made. In the half-open state at most
// one probe is admitted; its outcome decides the next transition.
func (cb *CircuitBreaker) CanRequest() bool {
	// Fast path: closed breakers admit everything without locking.
	if cb.stateAtomic.Load() == stateClosedInt {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionToHalfOpen()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.transitionToClosed()
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.lastFailureAt = now

	switch cb.state {
	case StateClosed:
		if cb.failureCount == 0 || now.Sub(cb.windowStart) > cb.config.FailureWindow {
			cb.windowStart = now
			cb.failureCount = 0
		}
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionToOpen(now)
		}
	case StateHalfOpen:
		// A failed probe reopens the breaker and restarts the reset clock.
		cb.transitionToOpen(now)
	}
}

// ProbeAborted releases a half-open probe admission whose outcome carries no
// health signal (caller mistakes, cancellations, throttling). The breaker
// stays half-open and the next caller may probe.
func (cb *CircuitBreaker) ProbeAborted() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight = false
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns a snapshot of the breaker.
func (cb *CircuitBreaker) Status() CircuitBreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStatus{
		Name:          cb.name,
		State:         cb.state,
		FailureCount:  cb.failureCount,
		LastFailureAt: cb.lastFailureAt,
		OpenedAt:      cb.openedAt,
	}
}

// callers hold cb.mu
func (cb *CircuitBreaker) transitionToOpen(now time.Time) {
	cb.state = StateOpen
	cb.openedAt = now
	cb.halfOpenInFlight = false
	cb.stateAtomic.Store(stateOpenInt)
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.state = StateHalfOpen
	cb.halfOpenInFlight = false
	cb.stateAtomic.Store(stateHalfOpenInt)
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenInFlight = false
	cb.stateAtomic.Store(stateClosedInt)
}
