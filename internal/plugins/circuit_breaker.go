package plugins

import (
	"sync"
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
// A FailureThreshold of zero disables the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakers tracks one breaker per plugin target.
type CircuitBreakers struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakers creates a breaker set sharing one config.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	if config.HalfOpenMax < 1 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakers{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow checks whether a call to target may proceed. The returned state is the
// breaker state after the check; a CIRCUIT_OPEN error means the call is rejected.
func (r *CircuitBreakers) Allow(target string) (CircuitState, error) {
	if r.config.FailureThreshold <= 0 {
		return CircuitClosed, nil
	}
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return CircuitHalfOpen, nil
		}
		return CircuitOpen, schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for plugin %q after %d consecutive failures",
			target, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"target":               target,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return CircuitHalfOpen, schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for plugin %q: max test requests reached", target)
		}
		cb.halfOpenAttempts++
		return CircuitHalfOpen, nil
	}
	return CircuitClosed, nil
}

// RecordSuccess closes the breaker for target. Returns the previous state.
func (r *CircuitBreakers) RecordSuccess(target string) CircuitState {
	if r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	return prev
}

// RecordFailure counts a failure for target and returns the new state.
func (r *CircuitBreakers) RecordFailure(target string) CircuitState {
	if r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure while half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state of the breaker for target.
func (r *CircuitBreakers) State(target string) CircuitState {
	cb := r.getOrCreate(target)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

func (r *CircuitBreakers) getOrCreate(target string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[target] = cb
	}
	return cb
}
