// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// unhealthyAfter is the number of consecutive health-check failures after
// which a provider is marked unhealthy.
const unhealthyAfter = 3

// latencySmoothing is the weight given to the newest latency sample when
// updating the smoothed latency (exponential smoothing).
const latencySmoothing = 0.2

// Registry manages provider instances with health monitoring.
// It is thread-safe for concurrent access.
//
// Health fields are advisory: they are updated with exponential smoothing
// and tolerate lost updates under concurrency.
type Registry struct {
	providers map[string]Provider
	logger    *log.Logger
	mu        sync.RWMutex

	health   map[string]*HealthState
	healthMu sync.RWMutex
}

// HealthState tracks the mutable health fields for a provider.
type HealthState struct {
	Status              HealthStatus  `json:"status"`
	LastChecked         time.Time     `json:"last_checked"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SmoothedLatencyMs   float64       `json:"smoothed_latency_ms"`
	LastLatency         time.Duration `json:"last_latency"`
	Message             string        `json:"message,omitempty"`
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates a new provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		health:    make(map[string]*HealthState),
		logger:    log.New(os.Stdout, "[PROVIDER_REGISTRY] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a provider instance to the registry.
// Providers start with unknown health, which routing treats as healthy.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	name := provider.Name()
	if name == "" {
		return fmt.Errorf("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider

	r.healthMu.Lock()
	r.health[name] = &HealthState{Status: HealthStatusUnknown}
	r.healthMu.Unlock()

	r.logger.Printf("Registered provider: %s (type: %s)", name, provider.Type())
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	return provider, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsHealthy reports whether routing may use the provider.
// Unknown and degraded providers are still routable; only providers that
// crossed the consecutive-failure cutoff are excluded.
func (r *Registry) IsHealthy(name string) bool {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	state, exists := r.health[name]
	if !exists {
		return false
	}
	return state.Status != HealthStatusUnhealthy
}

// GetHealthState returns a copy of the health state for a provider.
func (r *Registry) GetHealthState(name string) *HealthState {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	state, exists := r.health[name]
	if !exists {
		return nil
	}
	copied := *state
	return &copied
}

// HealthSnapshot returns a copy of all provider health states.
func (r *Registry) HealthSnapshot() map[string]HealthState {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	snapshot := make(map[string]HealthState, len(r.health))
	for name, state := range r.health {
		snapshot[name] = *state
	}
	return snapshot
}

// MarkHealthy records a successful provider call, updating the smoothed
// latency and resetting the failure streak.
func (r *Registry) MarkHealthy(name string, latency time.Duration) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	state := r.ensureStateLocked(name)
	state.Status = HealthStatusHealthy
	state.ConsecutiveFailures = 0
	state.LastChecked = time.Now()
	state.LastLatency = latency
	sample := float64(latency.Milliseconds())
	if state.SmoothedLatencyMs == 0 {
		state.SmoothedLatencyMs = sample
	} else {
		state.SmoothedLatencyMs = latencySmoothing*sample + (1-latencySmoothing)*state.SmoothedLatencyMs
	}
	state.Message = ""
}

// MarkUnhealthy records a hard provider failure (e.g. retry exhaustion).
// Unlike health-check failures this takes effect immediately.
func (r *Registry) MarkUnhealthy(name string, reason string) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	state := r.ensureStateLocked(name)
	state.Status = HealthStatusUnhealthy
	state.ConsecutiveFailures++
	state.LastChecked = time.Now()
	state.Message = reason
}

// recordCheckFailure records a failed health check. A provider becomes
// degraded on the first failure and unhealthy after unhealthyAfter
// consecutive failures.
func (r *Registry) recordCheckFailure(name string, message string) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	state := r.ensureStateLocked(name)
	state.ConsecutiveFailures++
	state.LastChecked = time.Now()
	state.Message = message
	if state.ConsecutiveFailures >= unhealthyAfter {
		state.Status = HealthStatusUnhealthy
	} else {
		state.Status = HealthStatusDegraded
	}
}

func (r *Registry) ensureStateLocked(name string) *HealthState {
	state, exists := r.health[name]
	if !exists {
		state = &HealthState{Status: HealthStatusUnknown}
		r.health[name] = state
	}
	return state
}

// HealthCheck performs health checks on all registered providers.
func (r *Registry) HealthCheck(ctx context.Context) map[string]*HealthCheckResult {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]*HealthCheckResult, len(providers))

	for name, provider := range providers {
		start := time.Now()
		result, err := provider.HealthCheck(ctx)
		if err != nil || result == nil || result.Status == HealthStatusUnhealthy {
			message := "health check reported unhealthy"
			if err != nil {
				message = err.Error()
			} else if result != nil && result.Message != "" {
				message = result.Message
			}
			r.recordCheckFailure(name, message)
			state := r.GetHealthState(name)
			results[name] = &HealthCheckResult{
				Status:              state.Status,
				Latency:             time.Since(start),
				Message:             message,
				LastChecked:         state.LastChecked,
				ConsecutiveFailures: state.ConsecutiveFailures,
			}
			continue
		}

		r.MarkHealthy(name, result.Latency)
		if result.LastChecked.IsZero() {
			result.LastChecked = time.Now()
		}
		results[name] = result
	}

	return results
}

// StartPeriodicHealthCheck starts a background goroutine for health checking.
// It stops when the context is cancelled.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	r.logger.Printf("Starting periodic health check (every %v)", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Println("Stopping periodic health check")
				return
			case <-ticker.C:
				results := r.HealthCheck(ctx)
				unhealthy := 0
				for _, result := range results {
					if result.Status == HealthStatusUnhealthy {
						unhealthy++
					}
				}
				if unhealthy > 0 {
					r.logger.Printf("Health check: %d of %d providers unhealthy", unhealthy, len(results))
				}
			}
		}
	}()
}
