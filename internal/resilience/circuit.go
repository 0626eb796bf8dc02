// Package resilience provides the error-kind taxonomy, retry with backoff,
// and the circuit breaker used to stop runs that hit systemic faults.
package resilience

import (
	"sync"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal state; failures are being counted.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the failure threshold was reached. An open breaker
	// stays open until Reset.
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of tripping failures that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// Cumulative counts every tripping failure for the lifetime of the
	// breaker. Otherwise a non-tripping outcome resets the count.
	Cumulative bool

	// ShouldTrip selects the errors that count. If nil, every non-nil error
	// counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the batch-import defaults: five
// cumulative critical errors open the circuit for the rest of the run.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cumulative:       true,
		ShouldTrip:       IsCritical,
	}
}

// CircuitBreaker counts failures and opens once the threshold is reached.
type CircuitBreaker struct {
	cfg      CircuitBreakerConfig
	mu       sync.Mutex
	state    CircuitState
	failures int
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// Record feeds the outcome of one operation and returns the resulting state.
func (cb *CircuitBreaker) Record(err error) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		return cb.state
	}
	if err == nil || !cb.cfg.ShouldTrip(err) {
		if !cb.cfg.Cumulative {
			cb.failures = 0
		}
		return cb.state
	}

	cb.failures++
	if cb.failures >= cb.cfg.FailureThreshold {
		cb.transition(CircuitOpen)
	}
	return cb.state
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit back to closed and clears the count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Counters returns the current failure count and state for observability.
func (cb *CircuitBreaker) Counters() (failures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.state
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
