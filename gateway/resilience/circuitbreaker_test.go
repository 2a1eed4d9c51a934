// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		MonitorWindow:    time.Second,
		ResetTimeout:     20 * time.Millisecond,
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(fastBreakerConfig())

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.True(t, cb.Allow())
	}

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow(), "open circuit fails fast")
	assert.Greater(t, cb.RetryAfter(), time.Duration(0))
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(fastBreakerConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, CircuitClosed, cb.State(), "success interrupts the failure streak")
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(fastBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(25 * time.Millisecond)

	assert.True(t, cb.Allow(), "reset timeout admits a trial call")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe may be in flight")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(fastBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(fastBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State(), "trial failure reopens immediately")
	assert.False(t, cb.Allow())
}

func TestBreakerStaleStreakRestarts(t *testing.T) {
	cfg := fastBreakerConfig()
	cfg.MonitorWindow = 10 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	// Streak is stale; these two failures start a new one.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State(), "failures outside the monitor window restart the streak")
}

func TestBreakerRetryAfterShrinks(t *testing.T) {
	cb := NewCircuitBreaker(fastBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	first := cb.RetryAfter()
	time.Sleep(5 * time.Millisecond)
	second := cb.RetryAfter()
	assert.Less(t, second, first)
}

func TestBreakerSetIsolatesKeys(t *testing.T) {
	set := NewBreakerSet(fastBreakerConfig())

	a := set.Get("anthropic")
	b := set.Get("openai")
	require.NotSame(t, a, b)
	require.Same(t, a, set.Get("anthropic"))

	for i := 0; i < 3; i++ {
		a.RecordFailure()
	}

	states := set.States()
	assert.Equal(t, CircuitOpen, states["anthropic"])
	assert.Equal(t, CircuitClosed, states["openai"])
}
