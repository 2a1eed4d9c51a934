// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package cost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Budget alert thresholds, as fractions of the window limit.
var alertThresholds = []float64{0.60, 0.80, 1.00}

// Window is a budget accounting period.
type Window string

const (
	WindowHourly  Window = "hourly"
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

func windowDuration(w Window) time.Duration {
	switch w {
	case WindowHourly:
		return time.Hour
	case WindowDaily:
		return 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Limits maps each window to its spend ceiling in cents. A zero or missing
// limit disables tracking for that window.
type Limits map[Window]int

// DefaultLimits returns the deployment default budgets.
func DefaultLimits() Limits {
	return Limits{
		WindowHourly:  100,   // $1
		WindowDaily:   1000,  // $10
		WindowMonthly: 10000, // $100
	}
}

// AlertLevel classifies how far over a threshold the spend is.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"  // 60%
	AlertCritical AlertLevel = "critical" // 80%
	AlertExceeded AlertLevel = "exceeded" // 100%
)

func levelFor(threshold float64) AlertLevel {
	switch {
	case threshold >= 1.00:
		return AlertExceeded
	case threshold >= 0.80:
		return AlertCritical
	default:
		return AlertWarning
	}
}

// Alert reports a newly crossed budget threshold. Alerts are advisory:
// crossing a budget never blocks requests.
type Alert struct {
	UserID         string     `json:"user_id"`
	Window         Window     `json:"window"`
	Level          AlertLevel `json:"level"`
	Threshold      float64    `json:"threshold"`
	SpentCents     int        `json:"spent_cents"`
	LimitCents     int        `json:"limit_cents"`
	Recommendation string     `json:"recommendation"`
	At             time.Time  `json:"at"`
}

// WindowStatus is the current spend position in one window.
type WindowStatus struct {
	Window     Window  `json:"window"`
	SpentCents int     `json:"spent_cents"`
	LimitCents int     `json:"limit_cents"`
	Fraction   float64 `json:"fraction"`
}

type spendRecord struct {
	at    time.Time
	cents int
}

type userLedger struct {
	records []spendRecord

	// alerted tracks thresholds already fired per window so each fires
	// once per period.
	alerted map[string]time.Time
}

// Tracker accumulates per-user spend and raises threshold alerts.
// It is safe for concurrent use.
type Tracker struct {
	limits Limits

	mu      sync.Mutex
	ledgers map[string]*userLedger
}

// NewTracker creates a budget tracker. Nil limits use the defaults.
func NewTracker(limits Limits) *Tracker {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Tracker{
		limits:  limits,
		ledgers: make(map[string]*userLedger),
	}
}

// Record adds spend for a user and returns any thresholds newly crossed
// by this recording. cents may be zero (e.g. a cache hit), which still
// counts as a request for volume tracking.
func (t *Tracker) Record(userID string, cents int, now time.Time) []Alert {
	if now.IsZero() {
		now = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ledger := t.ledgerFor(userID)
	ledger.records = append(ledger.records, spendRecord{at: now, cents: cents})
	pruneLedger(ledger, now)

	var alerts []Alert
	for _, window := range []Window{WindowHourly, WindowDaily, WindowMonthly} {
		limit := t.limits[window]
		if limit <= 0 {
			continue
		}
		spent := spentIn(ledger, window, now)
		for _, threshold := range alertThresholds {
			if float64(spent) < threshold*float64(limit) {
				continue
			}
			key := fmt.Sprintf("%s:%.2f", window, threshold)
			if fired, ok := ledger.alerted[key]; ok && now.Sub(fired) < windowDuration(window) {
				continue
			}
			ledger.alerted[key] = now
			alerts = append(alerts, Alert{
				UserID:         userID,
				Window:         window,
				Level:          levelFor(threshold),
				Threshold:      threshold,
				SpentCents:     spent,
				LimitCents:     limit,
				Recommendation: recommendation(levelFor(threshold), window),
				At:             now,
			})
		}
	}
	return alerts
}

// Status reports the user's spend position across all configured windows.
func (t *Tracker) Status(userID string, now time.Time) []WindowStatus {
	if now.IsZero() {
		now = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ledger := t.ledgerFor(userID)
	pruneLedger(ledger, now)

	var out []WindowStatus
	for _, window := range []Window{WindowHourly, WindowDaily, WindowMonthly} {
		limit := t.limits[window]
		if limit <= 0 {
			continue
		}
		spent := spentIn(ledger, window, now)
		out = append(out, WindowStatus{
			Window:     window,
			SpentCents: spent,
			LimitCents: limit,
			Fraction:   float64(spent) / float64(limit),
		})
	}
	sort.Slice(out, func(i, j int) bool { return windowDuration(out[i].Window) < windowDuration(out[j].Window) })
	return out
}

// SpendCents returns the user's total spend inside the window.
func (t *Tracker) SpendCents(userID string, window Window, now time.Time) int {
	if now.IsZero() {
		now = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return spentIn(t.ledgerFor(userID), window, now)
}

// RequestsInLastHour returns how many requests the user made in the last
// hour, the volume signal the optimizer consumes.
func (t *Tracker) RequestsInLastHour(userID string, now time.Time) int {
	if now.IsZero() {
		now = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	count := 0
	for _, r := range t.ledgerFor(userID).records {
		if r.at.After(cutoff) {
			count++
		}
	}
	return count
}

// Prune drops records older than the longest window for all users and
// removes empty ledgers.
func (t *Tracker) Prune(now time.Time) {
	if now.IsZero() {
		now = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for userID, ledger := range t.ledgers {
		pruneLedger(ledger, now)
		if len(ledger.records) == 0 {
			delete(t.ledgers, userID)
		}
	}
}

// StartPruner prunes stale ledgers on a fixed interval until ctx is
// cancelled.
func (t *Tracker) StartPruner(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Prune(time.Now())
			}
		}
	}()
}

func (t *Tracker) ledgerFor(userID string) *userLedger {
	ledger, exists := t.ledgers[userID]
	if !exists {
		ledger = &userLedger{alerted: make(map[string]time.Time)}
		t.ledgers[userID] = ledger
	}
	return ledger
}

func pruneLedger(ledger *userLedger, now time.Time) {
	cutoff := now.Add(-windowDuration(WindowMonthly))
	kept := ledger.records[:0]
	for _, r := range ledger.records {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	ledger.records = kept
}

func spentIn(ledger *userLedger, window Window, now time.Time) int {
	cutoff := now.Add(-windowDuration(window))
	total := 0
	for _, r := range ledger.records {
		if r.at.After(cutoff) {
			total += r.cents
		}
	}
	return total
}

func recommendation(level AlertLevel, window Window) string {
	switch level {
	case AlertExceeded:
		return fmt.Sprintf("%s budget exhausted: switch remaining requests to the cheapest model and rely on cached responses", window)
	case AlertCritical:
		return fmt.Sprintf("%s spend above 80%%: enable aggressive caching and defer low-priority requests", window)
	default:
		return fmt.Sprintf("%s spend above 60%%: consider a cheaper model for routine requests", window)
	}
}
