// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cache"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cost"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/ratelimit"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/resilience"
)

// scriptedProvider is an in-package provider whose type, failures and
// token counts are set per test.
type scriptedProvider struct {
	name string
	typ  llm.ProviderType

	mu      sync.Mutex
	calls   int
	err     error
	tokens  int
	lastReq llm.CompletionRequest
}

func (p *scriptedProvider) Name() string           { return p.name }
func (p *scriptedProvider) Type() llm.ProviderType { return p.typ }

func (p *scriptedProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	tokens := p.tokens
	if tokens == 0 {
		tokens = 500
	}
	return &llm.CompletionResponse{
		Content: "Lead with one thing you appreciated about them today.",
		Model:   req.Model,
		Usage: llm.UsageStats{
			PromptTokens:     tokens / 2,
			CompletionTokens: tokens - tokens/2,
			TotalTokens:      tokens,
		},
		Latency: 20 * time.Millisecond,
	}, nil
}

func (p *scriptedProvider) HealthCheck(_ context.Context) (*llm.HealthCheckResult, error) {
	return &llm.HealthCheckResult{Status: llm.HealthStatusHealthy, LastChecked: time.Now()}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) lastRequest() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

func testManagerConfig() Config {
	cfg := DefaultConfigValues()
	cfg.ProviderTimeout = time.Second
	cfg.Retry = resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	}
	cfg.Breaker = resilience.BreakerConfig{
		FailureThreshold: 10,
		MonitorWindow:    time.Minute,
		ResetTimeout:     time.Minute,
	}
	return cfg
}

func newTestManager(t *testing.T, cfg Config, catalog *Catalog, providers ...llm.Provider) *Manager {
	t.Helper()
	registry := llm.NewRegistry()
	for _, p := range providers {
		require.NoError(t, registry.Register(p))
	}
	return NewManager(
		cfg,
		catalog,
		registry,
		ratelimit.NewMemoryLimiter(cfg.RateLimit),
		cache.New(cfg.Cache),
		cost.NewTracker(cfg.BudgetLimitsOrDefault()),
		nil,
	)
}

// singleModelCatalog routes daily tips to exactly one model with no
// fallback, for tests that pin down retry and breaker behavior.
func singleModelCatalog() *Catalog {
	return NewCatalog(
		[]ModelSpec{
			{ID: "claude-3-5-haiku-20241022", Provider: llm.ProviderTypeAnthropic, CostPer1K: 1, Quality: 0.80, Speed: 0.90, MaxTokens: 8192},
		},
		map[AgentType]AgentProfile{
			AgentDailyTip: {
				SystemPrompt: "You are a daily relationship coach.",
				DefaultModel: "claude-3-5-haiku-20241022",
				MaxTokens:    256,
				CacheTTL:     time.Hour,
			},
		},
	)
}

func tipRequest(userID, input string) *CoachRequest {
	return &CoachRequest{UserID: userID, AgentType: AgentDailyTip, Input: input}
}

func TestProcessSuccess(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic, tokens: 1500}
	openai := &scriptedProvider{name: "openai", typ: llm.ProviderTypeOpenAI}
	m := newTestManager(t, testManagerConfig(), DefaultCatalog(), anthropic, openai)

	resp, err := m.Process(context.Background(), tipRequest("user-1", "suggest a small act of kindness"))
	require.NoError(t, err)

	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, "claude-3-5-haiku-20241022", resp.Model)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 1500, resp.TokensUsed)
	assert.Equal(t, 2, resp.CostCents, "1500 tokens at 1 cent per 1K, rounded up")
	assert.Greater(t, resp.Confidence, 0.0)
	assert.LessOrEqual(t, resp.Confidence, 1.0)
	require.NotNil(t, resp.Optimization)
	assert.Equal(t, 0, openai.callCount(), "fallback provider stays idle on success")
}

func TestProcessCacheHitCostsNothing(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic, tokens: 1500}
	m := newTestManager(t, testManagerConfig(), singleModelCatalog(), anthropic)
	ctx := context.Background()

	first, err := m.Process(ctx, tipRequest("user-1", "suggest a small act of kindness"))
	require.NoError(t, err)

	second, err := m.Process(ctx, tipRequest("user-1", "suggest a small act of kindness"))
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, 1.0, second.Similarity)
	assert.Equal(t, 0, second.CostCents)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, anthropic.callCount(), "cache hit skips the provider")
}

func TestProcessValidationErrors(t *testing.T) {
	m := newTestManager(t, testManagerConfig(), DefaultCatalog(),
		&scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic})

	tests := []struct {
		name string
		req  *CoachRequest
	}{
		{"empty input", &CoachRequest{UserID: "user-1", AgentType: AgentDailyTip}},
		{"empty user", &CoachRequest{AgentType: AgentDailyTip, Input: "hi"}},
		{"unknown agent type", &CoachRequest{UserID: "user-1", AgentType: "astrology", Input: "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Process(context.Background(), tt.req)
			var gwErr *resilience.GatewayError
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, resilience.CodeInvalidInput, gwErr.Code)
			assert.False(t, gwErr.Retryable)
		})
	}
}

func TestProcessRateLimited(t *testing.T) {
	cfg := testManagerConfig()
	cfg.RateLimit.Tiers = map[string]ratelimit.Limit{
		"free": {MaxRequests: 2, Window: time.Minute},
	}
	anthropic := &scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic}
	m := newTestManager(t, cfg, singleModelCatalog(), anthropic)
	ctx := context.Background()

	// Unrelated prompts so none of them hit the semantic cache.
	_, err := m.Process(ctx, tipRequest("user-1", "plan a surprise picnic"))
	require.NoError(t, err)
	_, err = m.Process(ctx, tipRequest("user-1", "discuss finances calmly tonight"))
	require.NoError(t, err)

	_, err = m.Process(ctx, tipRequest("user-1", "practice listening without interrupting"))
	var gwErr *resilience.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, resilience.CodeRateLimitExceeded, gwErr.Code)
	assert.Greater(t, gwErr.RetryAfter, time.Duration(0))
	assert.Equal(t, 2, anthropic.callCount(), "denied request never reaches the provider")

	records := m.ErrorTracker().Snapshot()
	require.NotEmpty(t, records)
}

func TestProcessFallsBackToSecondaryModel(t *testing.T) {
	anthropic := &scriptedProvider{
		name: "anthropic",
		typ:  llm.ProviderTypeAnthropic,
		err:  llm.NewProviderError("anthropic", llm.ErrCodeAuth, "invalid x-api-key"),
	}
	openai := &scriptedProvider{name: "openai", typ: llm.ProviderTypeOpenAI, tokens: 800}
	m := newTestManager(t, testManagerConfig(), DefaultCatalog(), anthropic, openai)

	resp, err := m.Process(context.Background(), tipRequest("user-1", "suggest a small act of kindness"))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", resp.Model, "daily tip falls back to the secondary model")
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 1, anthropic.callCount(), "terminal auth failure is not retried")
	assert.Equal(t, 1, openai.callCount())
}

func TestProcessRetriesRetryableFailures(t *testing.T) {
	anthropic := &scriptedProvider{
		name: "anthropic",
		typ:  llm.ProviderTypeAnthropic,
		err:  llm.NewProviderError("anthropic", llm.ErrCodeOverloaded, "overloaded"),
	}
	registry := llm.NewRegistry()
	require.NoError(t, registry.Register(anthropic))

	cfg := testManagerConfig()
	m := NewManager(cfg, singleModelCatalog(), registry,
		ratelimit.NewMemoryLimiter(cfg.RateLimit), cache.New(cfg.Cache),
		cost.NewTracker(cost.DefaultLimits()), nil)

	_, err := m.Process(context.Background(), tipRequest("user-1", "suggest a small act of kindness"))
	var gwErr *resilience.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, resilience.CodeModelOverloaded, gwErr.Code)
	assert.Equal(t, 3, anthropic.callCount(), "retryable failures exhaust the attempt budget")
	assert.False(t, registry.IsHealthy("anthropic"),
		"an exhausted overload streak marks the provider unhealthy")
}

func TestProcessBreakerFailsFast(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Breaker.FailureThreshold = 2
	anthropic := &scriptedProvider{
		name: "anthropic",
		typ:  llm.ProviderTypeAnthropic,
		err:  llm.NewProviderError("anthropic", llm.ErrCodeAuth, "bad key"),
	}
	m := newTestManager(t, cfg, singleModelCatalog(), anthropic)
	ctx := context.Background()

	_, err := m.Process(ctx, tipRequest("user-1", "plan a surprise picnic"))
	require.Error(t, err)
	_, err = m.Process(ctx, tipRequest("user-1", "discuss finances calmly tonight"))
	require.Error(t, err)
	require.Equal(t, 2, anthropic.callCount())

	_, err = m.Process(ctx, tipRequest("user-1", "practice listening without interrupting"))
	var gwErr *resilience.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, resilience.CodeProviderUnavailable, gwErr.Code)
	assert.Equal(t, 2, anthropic.callCount(), "open breaker short-circuits the provider call")
	assert.Equal(t, resilience.CircuitOpen, m.BreakerStates()["anthropic"])
}

func TestProcessNoProviderRegistered(t *testing.T) {
	m := newTestManager(t, testManagerConfig(), DefaultCatalog())

	_, err := m.Process(context.Background(), tipRequest("user-1", "suggest a small act of kindness"))
	var gwErr *resilience.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, resilience.CodeProviderUnavailable, gwErr.Code)
}

func TestProcessSkipsUnhealthyProvider(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic}
	openai := &scriptedProvider{name: "openai", typ: llm.ProviderTypeOpenAI}
	registry := llm.NewRegistry()
	require.NoError(t, registry.Register(anthropic))
	require.NoError(t, registry.Register(openai))

	cfg := testManagerConfig()
	m := NewManager(cfg, DefaultCatalog(), registry,
		ratelimit.NewMemoryLimiter(cfg.RateLimit), cache.New(cfg.Cache),
		cost.NewTracker(cost.DefaultLimits()), nil)

	registry.MarkUnhealthy("anthropic", "maintenance")

	resp, err := m.Process(context.Background(), tipRequest("user-1", "suggest a small act of kindness"))
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 0, anthropic.callCount(), "unhealthy providers are skipped without a call")
}

func TestProcessModelOverride(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic}
	openai := &scriptedProvider{name: "openai", typ: llm.ProviderTypeOpenAI, tokens: 2000}
	m := newTestManager(t, testManagerConfig(), DefaultCatalog(), anthropic, openai)

	req := tipRequest("user-1", "suggest a small act of kindness")
	req.Model = "gpt-4o"
	// High priority keeps the off-peak downgrade rule out of the way.
	req.Priority = PriorityHigh
	resp, err := m.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 4, resp.CostCents, "2000 tokens at 2 cents per 1K")
}

func TestProcessSurfacesBudgetAlerts(t *testing.T) {
	cfg := testManagerConfig()
	cfg.BudgetLimits = map[string]int{"hourly": 1, "daily": 1000, "monthly": 10000}
	anthropic := &scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic, tokens: 1500}
	m := newTestManager(t, cfg, singleModelCatalog(), anthropic)

	// One cent spent against a one cent hourly limit crosses every
	// threshold at once, but the request itself still succeeds.
	resp, err := m.Process(context.Background(), tipRequest("user-1", "suggest a small act of kindness"))
	require.NoError(t, err)
	require.Len(t, resp.BudgetAlerts, 3)
	assert.Equal(t, cost.AlertWarning, resp.BudgetAlerts[0].Level)
	assert.Equal(t, cost.AlertExceeded, resp.BudgetAlerts[2].Level)
}

func TestConfidenceScoring(t *testing.T) {
	assert.InDelta(t, 0.74, confidence(0.8, 4000, 0), 0.001)
	assert.InDelta(t, 0.84, confidence(0.8, 4000, 10*time.Second), 0.001,
		"the latency share saturates at the full-latency mark")
	assert.InDelta(t, 1.0, confidence(1.0, 4000, 5*time.Second), 0.001, "score is capped at 1")
	assert.Less(t, confidence(0.8, 100, time.Second), confidence(0.8, 4000, time.Second),
		"short answers score lower")
	assert.Greater(t, confidence(0.8, 1000, 3*time.Second), confidence(0.8, 1000, 0),
		"longer generations score slightly higher")
}

func TestCentsForTokensRoundsUp(t *testing.T) {
	assert.Equal(t, 1, centsForTokens(500, 1), "sub-1K completions still bill a cent")
	assert.Equal(t, 1, centsForTokens(1000, 1))
	assert.Equal(t, 2, centsForTokens(1500, 1))
	assert.Equal(t, 4, centsForTokens(2000, 2))
	assert.Equal(t, 0, centsForTokens(0, 1))
}

func TestProcessLiveCompletionNeverCostsZero(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic, tokens: 500}
	m := newTestManager(t, testManagerConfig(), singleModelCatalog(), anthropic)

	resp, err := m.Process(context.Background(), tipRequest("user-1", "suggest a small act of kindness"))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 1, resp.CostCents, "zero cost is reserved for cache hits")
	assert.Equal(t, 1, m.budget.SpendCents("user-1", cost.WindowDaily, time.Time{}),
		"the ledger records the rounded-up spend")
}

func TestProcessForwardsTemperature(t *testing.T) {
	anthropic := &scriptedProvider{name: "anthropic", typ: llm.ProviderTypeAnthropic}
	m := newTestManager(t, testManagerConfig(), singleModelCatalog(), anthropic)

	req := tipRequest("user-1", "suggest a small act of kindness")
	req.Temperature = 0.7
	_, err := m.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0.7, anthropic.lastRequest().Temperature)
}
