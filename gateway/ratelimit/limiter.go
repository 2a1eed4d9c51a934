// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides admission control for the gateway. A request
// consumes budget from every applicable scope (global, per-user tier,
// per-agent-type) or from none: admission is all-or-nothing and atomic.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Strategy selects the admission algorithm. It is configured per
// deployment, not per call.
type Strategy string

const (
	// StrategyTokenBucket refills tokens proportionally to elapsed time.
	StrategyTokenBucket Strategy = "token_bucket"

	// StrategySlidingWindow keeps consumption timestamps inside the window.
	StrategySlidingWindow Strategy = "sliding_window"

	// StrategyFixedWindow counts against the bucket floor(now/window).
	StrategyFixedWindow Strategy = "fixed_window"
)

// Limit is a request budget over a window.
type Limit struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// Config configures the limiter.
type Config struct {
	Strategy Strategy `yaml:"strategy"`

	// Global is shared across all users.
	Global Limit `yaml:"global"`

	// Tiers maps subscription tier (free/premium/enterprise) to the
	// per-user limit.
	Tiers map[string]Limit `yaml:"tiers"`

	// Agent is the per-agent-type limit.
	Agent Limit `yaml:"agent"`

	// PriorityMultipliers scale the effective limit for a check, applied
	// uniformly to all scopes (e.g. high priority gets more headroom).
	PriorityMultipliers map[string]float64 `yaml:"priority_multipliers"`

	// Retention is how long idle entries are kept before being purged.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Strategy: StrategyTokenBucket,
		Global:   Limit{MaxRequests: 1000, Window: time.Minute},
		Tiers: map[string]Limit{
			"free":       {MaxRequests: 20, Window: 24 * time.Hour},
			"premium":    {MaxRequests: 300, Window: 24 * time.Hour},
			"enterprise": {MaxRequests: 5000, Window: 24 * time.Hour},
		},
		Agent: Limit{MaxRequests: 200, Window: time.Minute},
		PriorityMultipliers: map[string]float64{
			"low":    0.5,
			"medium": 1.0,
			"high":   1.5,
		},
		Retention: time.Hour,
	}
}

// Check identifies the scopes a request consumes from.
type Check struct {
	UserID    string
	Tier      string
	AgentType string
	Priority  string
}

// Decision is the admission result. An allowed decision means the budget
// has already been consumed; a denied decision consumed nothing.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	Scope     string    `json:"scope,omitempty"`
}

// Limiter is the admission-control contract used by the gateway.
type Limiter interface {
	CheckAndConsume(ctx context.Context, check Check) Decision
}

// scope pairs an entry key with its effective limit for one check.
type scope struct {
	key   string
	limit Limit
}

// entry holds per-scope-key state. Which fields are used depends on the
// configured strategy.
type entry struct {
	// token bucket
	tokens     int
	lastRefill time.Time

	// sliding window
	timestamps []time.Time

	// fixed window
	windowIndex int64
	count       int

	initialized bool
	lastSeen    time.Time
}

// MemoryLimiter is the in-process limiter. All scopes for one check are
// evaluated and consumed under a single lock so that check-then-consume
// stays atomic.
type MemoryLimiter struct {
	cfg     Config
	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.PriorityMultipliers == nil {
		cfg.PriorityMultipliers = DefaultConfig().PriorityMultipliers
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &MemoryLimiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// scopesFor builds the applicable scopes with priority-scaled limits.
func (l *MemoryLimiter) scopesFor(check Check) []scope {
	mult, ok := l.cfg.PriorityMultipliers[check.Priority]
	if !ok || mult <= 0 {
		mult = 1.0
	}

	tierLimit, ok := l.cfg.Tiers[check.Tier]
	if !ok {
		tierLimit = l.cfg.Tiers["free"]
	}

	scopes := []scope{
		{key: "global", limit: scaled(l.cfg.Global, mult)},
		{key: "user:" + check.UserID, limit: scaled(tierLimit, mult)},
		{key: "agent:" + check.AgentType, limit: scaled(l.cfg.Agent, mult)},
	}
	return scopes
}

func scaled(limit Limit, mult float64) Limit {
	max := int(float64(limit.MaxRequests) * mult)
	if max < 1 {
		max = 1
	}
	return Limit{MaxRequests: max, Window: limit.Window}
}

// CheckAndConsume admits or rejects a request. On admission the budget of
// every applicable scope has been consumed; on rejection none has.
func (l *MemoryLimiter) CheckAndConsume(_ context.Context, check Check) Decision {
	scopes := l.scopesFor(check)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// First pass: evaluate every scope without consuming.
	decisions := make([]Decision, len(scopes))
	for i, s := range scopes {
		e := l.entryFor(s.key, now)
		decisions[i] = l.evaluate(e, s.limit, now)
		if !decisions[i].Allowed {
			d := decisions[i]
			d.Scope = s.key
			return d
		}
	}

	// Second pass: consume from every scope.
	allowed := Decision{Allowed: true, Remaining: int(^uint(0) >> 1)}
	for i, s := range scopes {
		e := l.entries[s.key]
		l.consume(e, s.limit, now)
		remaining := decisions[i].Remaining - 1
		if remaining < allowed.Remaining {
			allowed.Remaining = remaining
			allowed.Scope = s.key
		}
		if allowed.ResetTime.IsZero() || decisions[i].ResetTime.Before(allowed.ResetTime) {
			allowed.ResetTime = decisions[i].ResetTime
		}
	}
	return allowed
}

func (l *MemoryLimiter) entryFor(key string, now time.Time) *entry {
	e, exists := l.entries[key]
	if !exists {
		e = &entry{}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e
}

// evaluate reports whether one consumption would be admitted, the budget
// remaining before consumption, and when budget next frees up.
func (l *MemoryLimiter) evaluate(e *entry, limit Limit, now time.Time) Decision {
	switch l.cfg.Strategy {
	case StrategySlidingWindow:
		return evaluateSliding(e, limit, now)
	case StrategyFixedWindow:
		return evaluateFixed(e, limit, now)
	default:
		return evaluateBucket(e, limit, now)
	}
}

func (l *MemoryLimiter) consume(e *entry, limit Limit, now time.Time) {
	switch l.cfg.Strategy {
	case StrategySlidingWindow:
		e.timestamps = append(e.timestamps, now)
	case StrategyFixedWindow:
		e.count++
	default:
		e.tokens--
	}
}

func evaluateBucket(e *entry, limit Limit, now time.Time) Decision {
	if !e.initialized {
		e.initialized = true
		e.tokens = limit.MaxRequests
		e.lastRefill = now
	}

	// Refill proportionally to elapsed time, floored to whole tokens.
	elapsed := now.Sub(e.lastRefill)
	added := int(elapsed.Seconds() / limit.Window.Seconds() * float64(limit.MaxRequests))
	if added > 0 {
		e.tokens += added
		if e.tokens > limit.MaxRequests {
			e.tokens = limit.MaxRequests
		}
		e.lastRefill = now
	}

	reset := now
	if e.tokens == 0 {
		perToken := time.Duration(float64(limit.Window) / float64(limit.MaxRequests))
		reset = e.lastRefill.Add(perToken)
	}

	return Decision{
		Allowed:   e.tokens >= 1,
		Remaining: e.tokens,
		ResetTime: reset,
	}
}

func evaluateSliding(e *entry, limit Limit, now time.Time) Decision {
	cutoff := now.Add(-limit.Window)
	kept := e.timestamps[:0]
	for _, ts := range e.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.timestamps = kept

	reset := now
	if len(e.timestamps) > 0 {
		reset = e.timestamps[0].Add(limit.Window)
	}

	return Decision{
		Allowed:   len(e.timestamps) < limit.MaxRequests,
		Remaining: limit.MaxRequests - len(e.timestamps),
		ResetTime: reset,
	}
}

func evaluateFixed(e *entry, limit Limit, now time.Time) Decision {
	idx := now.UnixNano() / int64(limit.Window)
	if idx != e.windowIndex {
		e.windowIndex = idx
		e.count = 0
	}

	windowStart := time.Unix(0, idx*int64(limit.Window))
	return Decision{
		Allowed:   e.count < limit.MaxRequests,
		Remaining: limit.MaxRequests - e.count,
		ResetTime: windowStart.Add(limit.Window),
	}
}

// Purge drops entries with no activity within the retention period.
func (l *MemoryLimiter) Purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.Retention)
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// EntryCount returns the number of tracked scope keys.
func (l *MemoryLimiter) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// StartCleanup purges idle entries on a fixed interval until ctx is
// cancelled.
func (l *MemoryLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Purge()
			}
		}
	}()
}

// ValidateConfig rejects configurations the limiter cannot serve.
func ValidateConfig(cfg Config) error {
	switch cfg.Strategy {
	case StrategyTokenBucket, StrategySlidingWindow, StrategyFixedWindow, "":
	default:
		return fmt.Errorf("unknown rate limit strategy %q", cfg.Strategy)
	}
	if cfg.Global.MaxRequests <= 0 || cfg.Global.Window <= 0 {
		return fmt.Errorf("global limit must be positive")
	}
	return nil
}
