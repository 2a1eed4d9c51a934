// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Package fake provides a deterministic in-process provider for tests and
// local development. Responses are derived from the prompt so repeated
// calls with the same input yield the same output.
package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
)

// Provider implements llm.Provider without any network I/O.
type Provider struct {
	name    string
	model   string
	latency time.Duration

	calls atomic.Int64

	mu       sync.Mutex
	failWith error
	failFor  int
}

// Option configures a fake provider.
type Option func(*Provider)

// WithModel sets the model name reported in responses.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLatency adds a simulated per-call delay.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// New creates a fake provider.
func New(name string, opts ...Option) *Provider {
	if name == "" {
		name = "fake"
	}
	p := &Provider{
		name:  name,
		model: "fake-model-v1",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeFake }

// FailNext makes the next n calls return err, then recover.
func (p *Provider) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFor = n
	p.failWith = err
}

// Calls returns how many completions have been attempted.
func (p *Provider) Calls() int64 { return p.calls.Load() }

// Complete returns a deterministic completion derived from the prompt.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	p.calls.Add(1)

	if err := p.nextFailure(); err != nil {
		return nil, err
	}

	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.latency):
		}
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	h := fnv.New32a()
	h.Write([]byte(req.Prompt))
	content := fmt.Sprintf("fake response %08x for: %s", h.Sum32(), truncate(req.Prompt, 80))

	promptTokens := len(req.Prompt)/4 + 1
	completionTokens := len(content)/4 + 1

	return &llm.CompletionResponse{
		Content: content,
		Model:   model,
		Usage: llm.UsageStats{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// HealthCheck always reports healthy unless a failure is queued.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	if err := p.nextFailure(); err != nil {
		return &llm.HealthCheckResult{
			Status:      llm.HealthStatusUnhealthy,
			Message:     err.Error(),
			LastChecked: time.Now(),
		}, err
	}
	return &llm.HealthCheckResult{
		Status:      llm.HealthStatusHealthy,
		LastChecked: time.Now(),
	}, nil
}

func (p *Provider) nextFailure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor > 0 {
		p.failFor--
		return p.failWith
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
