// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	// CircuitClosed allows requests through.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen blocks requests until the reset timeout elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows a single trial request through.
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures inside
	// MonitorWindow that opens the circuit.
	FailureThreshold int

	// MonitorWindow bounds the failure streak: a streak whose first failure
	// is older than the window is restarted rather than extended.
	MonitorWindow time.Duration

	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open trial call.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns a sensible default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		MonitorWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker prevents cascading failures by failing fast when a
// provider keeps failing. Safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	streakStart         time.Time
	openedAt            time.Time
	probeInFlight       bool
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = DefaultBreakerConfig().MonitorWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// Allow reports whether a call may proceed. While open it returns false
// until the reset timeout elapses, then admits exactly one trial call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
			cb.state = CircuitHalfOpen
			cb.probeInFlight = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess records a successful call. In half-open state this closes
// the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
}

// RecordFailure records a failed call. The circuit opens after
// FailureThreshold consecutive failures inside MonitorWindow; a half-open
// trial failure reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = now
		cb.probeInFlight = false
		cb.streakStart = now
		cb.consecutiveFailures = 1
		return
	}

	if cb.consecutiveFailures == 0 || now.Sub(cb.streakStart) > cb.cfg.MonitorWindow {
		cb.streakStart = now
		cb.consecutiveFailures = 0
	}
	cb.consecutiveFailures++

	if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = now
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAfter returns how long until the circuit admits a trial call.
// Zero when the circuit is not open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return 0
	}
	remaining := cb.cfg.ResetTimeout - time.Since(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// BreakerSet manages one circuit breaker per provider/operation key.
type BreakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a breaker set sharing one configuration.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a key, creating it on first use.
func (s *BreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, exists := s.breakers[key]
	if !exists {
		cb = NewCircuitBreaker(s.cfg)
		s.breakers[key] = cb
	}
	return cb
}

// States returns the current state of every tracked breaker.
func (s *BreakerSet) States() map[string]CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]CircuitState, len(s.breakers))
	for key, cb := range s.breakers {
		out[key] = cb.State()
	}
	return out
}
