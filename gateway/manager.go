// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cache"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cost"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/ratelimit"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/resilience"
	"github.com/jeremybuehler/kasama-ai-sub001/shared/logger"
)

// Confidence scoring weights: model quality dominates, response length
// and generation time contribute the remainder. Longer answers and longer
// generations both nudge the score up, as a proxy for answer depth.
const (
	confidenceQualityWeight = 0.8
	confidenceLengthWeight  = 0.1
	confidenceLatencyWeight = 0.1

	confidenceFullLengthChars = 4000
	confidenceFullLatency     = 5 * time.Second
)

// aggressiveCacheTTLFactor extends the cache TTL when the optimizer asks
// for aggressive caching.
const aggressiveCacheTTLFactor = 2

// Manager orchestrates the full request pipeline: cache lookup, admission
// control, cost optimization, model selection, resilient provider calls
// with fallback, and post-flight accounting.
type Manager struct {
	cfg       Config
	log       *logger.Logger
	catalog   *Catalog
	registry  *llm.Registry
	limiter   ratelimit.Limiter
	cache     *cache.SemanticCache
	optimizer *cost.Optimizer
	budget    *cost.Tracker
	breakers  *resilience.BreakerSet
	errors    *resilience.ErrorTracker
	recorder  Recorder
}

// NewManager wires the pipeline together. recorder may be nil, in which
// case interactions are not persisted.
func NewManager(
	cfg Config,
	catalog *Catalog,
	registry *llm.Registry,
	limiter ratelimit.Limiter,
	semanticCache *cache.SemanticCache,
	budget *cost.Tracker,
	recorder Recorder,
) *Manager {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	m := &Manager{
		cfg:      cfg,
		log:      logger.New("gateway"),
		catalog:  catalog,
		registry: registry,
		limiter:  limiter,
		cache:    semanticCache,
		budget:   budget,
		breakers: resilience.NewBreakerSet(cfg.Breaker),
		errors:   resilience.NewErrorTracker(24 * time.Hour),
		recorder: recorder,
	}
	m.optimizer = cost.NewOptimizer(cfg.Optimizer, catalog.CheaperQuote)
	return m
}

// ErrorTracker exposes the aggregated error records for the status API.
func (m *Manager) ErrorTracker() *resilience.ErrorTracker { return m.errors }

// BreakerStates exposes circuit breaker states for the status API.
func (m *Manager) BreakerStates() map[string]resilience.CircuitState {
	return m.breakers.States()
}

// Process runs one coaching request through the pipeline. Failures come
// back as *resilience.GatewayError.
func (m *Manager) Process(ctx context.Context, req *CoachRequest) (*CoachResponse, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, resilience.NewGatewayError(resilience.CodeInvalidInput, err.Error())
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	profile, err := m.catalog.Profile(req.AgentType)
	if err != nil {
		return nil, resilience.NewGatewayError(resilience.CodeInvalidInput, err.Error())
	}

	// Cache first: a hit skips admission control and costs nothing.
	key := cache.Key{
		UserID:      req.UserID,
		AgentType:   string(req.AgentType),
		Fingerprint: cache.Fingerprint(req.UserID, string(req.AgentType), []byte(req.Input)),
	}
	if cached, similarity, ok := m.cache.Get(key, req.Input); ok {
		result := "semantic_hit"
		if similarity >= 1.0 {
			result = "hit"
		}
		promCacheLookups.WithLabelValues(result).Inc()
		resp := m.cachedResponse(req, cached, similarity, start)
		m.finish(ctx, req, resp, "")
		return resp, nil
	}
	promCacheLookups.WithLabelValues("miss").Inc()

	// Admission control. Denial consumes no budget in any scope.
	decision := m.limiter.CheckAndConsume(ctx, ratelimit.Check{
		UserID:    req.UserID,
		Tier:      string(req.Tier),
		AgentType: string(req.AgentType),
		Priority:  string(req.Priority),
	})
	if !decision.Allowed {
		promRateLimited.WithLabelValues(decision.Scope).Inc()
		gwErr := resilience.NewGatewayError(resilience.CodeRateLimitExceeded,
			fmt.Sprintf("rate limit exceeded for scope %s", decision.Scope))
		gwErr.RetryAfter = time.Until(decision.ResetTime)
		m.errors.Record(gwErr.Code, req.UserID, string(req.AgentType))
		promRequestsTotal.WithLabelValues(string(req.AgentType), "rate_limited").Inc()
		return nil, gwErr
	}

	// Pre-flight shaping.
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = profile.MaxTokens
	}
	model := m.pickModel(req, profile)
	spec, _ := m.catalog.Model(model)

	optimization := m.optimizer.Optimize(cost.Input{
		UserID:     req.UserID,
		Tier:       string(req.Tier),
		AgentType:  string(req.AgentType),
		Priority:   string(req.Priority),
		Model:      model,
		CostPer1K:  spec.CostPer1K,
		InputChars: len(req.Input),
		MaxTokens:  maxTokens,
	}, cost.UserContext{
		SpendCents:       m.budget.SpendCents(req.UserID, cost.WindowDaily, time.Time{}),
		RequestsLastHour: m.budget.RequestsInLastHour(req.UserID, time.Time{}),
	})
	model = optimization.Model
	maxTokens = optimization.MaxTokens

	// Provider call with one fallback model cycle.
	completion, usedModel, usedProvider, gwErr := m.completeWithFallback(ctx, req, profile, model, maxTokens)
	if gwErr != nil {
		m.errors.Record(gwErr.Code, req.UserID, string(req.AgentType))
		promRequestsTotal.WithLabelValues(string(req.AgentType), "error").Inc()
		m.record(ctx, req, &CoachResponse{Model: usedModel, Provider: usedProvider}, string(gwErr.Code), start)
		return nil, gwErr
	}

	usedSpec, _ := m.catalog.Model(usedModel)
	costCents := centsForTokens(completion.Usage.TotalTokens, usedSpec.CostPer1K)

	resp := &CoachResponse{
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		AgentType:    req.AgentType,
		Content:      completion.Content,
		Model:        usedModel,
		Provider:     usedProvider,
		TokensUsed:   completion.Usage.TotalTokens,
		CostCents:    costCents,
		LatencyMs:    time.Since(start).Milliseconds(),
		Confidence:   confidence(usedSpec.Quality, len(completion.Content), completion.Latency),
		Optimization: &optimization,
		Timestamp:    time.Now(),
	}

	ttl := profile.CacheTTL
	if optimization.AggressiveCaching {
		ttl *= aggressiveCacheTTLFactor
	}
	m.cache.Put(key, req.Input, resp, ttl)

	promCostCents.WithLabelValues(usedModel).Add(float64(costCents))
	m.finish(ctx, req, resp, "")
	return resp, nil
}

// pickModel resolves the model for a request: explicit override first,
// then preference-weighted selection, then the agent default.
func (m *Manager) pickModel(req *CoachRequest, profile AgentProfile) string {
	if req.Model != "" {
		if _, ok := m.catalog.Model(req.Model); ok {
			return req.Model
		}
		m.log.Warn(req.UserID, req.RequestID, "unknown model override, using default",
			map[string]interface{}{"model": req.Model})
	}
	if req.Preference != PreferenceBalanced {
		if spec, err := m.catalog.Select(req.Preference, m.providerReliability); err == nil {
			return spec.ID
		}
	}
	return profile.DefaultModel
}

// providerReliability maps registry health to a 0..1 score for selection.
func (m *Manager) providerReliability(t llm.ProviderType) float64 {
	name, ok := m.providerFor(t)
	if !ok {
		return 0
	}
	state := m.registry.GetHealthState(name)
	if state == nil {
		return 0
	}
	switch state.Status {
	case llm.HealthStatusUnhealthy:
		return 0
	case llm.HealthStatusDegraded:
		return 0.5
	default:
		return 1
	}
}

// providerFor finds a registered provider instance of the given type.
func (m *Manager) providerFor(t llm.ProviderType) (string, bool) {
	for _, name := range m.registry.List() {
		p, err := m.registry.Get(name)
		if err != nil {
			continue
		}
		if p.Type() == t {
			return name, true
		}
	}
	return "", false
}

// completeWithFallback calls the provider for the chosen model with retry
// and circuit breaking, then runs one more cycle against the agent's
// fallback model if the primary cycle fails.
func (m *Manager) completeWithFallback(
	ctx context.Context,
	req *CoachRequest,
	profile AgentProfile,
	model string,
	maxTokens int,
) (*llm.CompletionResponse, string, string, *resilience.GatewayError) {
	candidates := []string{model}
	if profile.FallbackModel != "" && profile.FallbackModel != model {
		candidates = append(candidates, profile.FallbackModel)
	}

	var lastErr *resilience.GatewayError
	var lastProvider string
	for i, candidate := range candidates {
		spec, ok := m.catalog.Model(candidate)
		if !ok {
			lastErr = resilience.NewGatewayError(resilience.CodeInvalidInput,
				fmt.Sprintf("unknown model %q", candidate))
			continue
		}
		providerName, ok := m.providerFor(spec.Provider)
		if !ok {
			lastErr = resilience.NewGatewayError(resilience.CodeProviderUnavailable,
				fmt.Sprintf("no provider registered for %s", spec.Provider))
			continue
		}
		lastProvider = providerName

		if i > 0 {
			m.log.Warn(req.UserID, req.RequestID, "falling back to secondary model",
				map[string]interface{}{"model": candidate, "provider": providerName})
		}

		if !m.registry.IsHealthy(providerName) {
			lastErr = resilience.NewGatewayError(resilience.CodeProviderUnavailable,
				fmt.Sprintf("provider %s is unhealthy", providerName))
			continue
		}

		completion, gwErr := m.callProvider(ctx, req, providerName, candidate, maxTokens)
		if gwErr == nil {
			return completion, candidate, providerName, nil
		}
		lastErr = gwErr
	}

	if lastErr == nil {
		lastErr = resilience.NewGatewayError(resilience.CodeProviderUnavailable,
			"no model could serve the request")
	}
	return nil, model, lastProvider, lastErr
}

// callProvider runs one retry cycle against a single provider, guarded by
// its circuit breaker.
func (m *Manager) callProvider(
	ctx context.Context,
	req *CoachRequest,
	providerName, model string,
	maxTokens int,
) (*llm.CompletionResponse, *resilience.GatewayError) {
	breaker := m.breakers.Get(providerName)
	defer m.updateBreakerGauge(providerName, breaker)

	provider, err := m.registry.Get(providerName)
	if err != nil {
		return nil, resilience.Classify(err)
	}

	profile, _ := m.catalog.Profile(req.AgentType)

	completion, err := resilience.Do(ctx, m.cfg.Retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
		if !breaker.Allow() {
			gwErr := resilience.NewGatewayError(resilience.CodeProviderUnavailable,
				fmt.Sprintf("circuit breaker open for provider %s", providerName))
			gwErr.RetryAfter = breaker.RetryAfter()
			gwErr.Retryable = false // fail fast, do not burn retry attempts
			return nil, gwErr
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
		defer cancel()

		resp, callErr := provider.Complete(callCtx, llm.CompletionRequest{
			Prompt:       req.Input,
			SystemPrompt: profile.SystemPrompt,
			Model:        model,
			MaxTokens:    maxTokens,
			Temperature:  req.Temperature,
			Context:      req.Context,
		})
		if callErr != nil {
			breaker.RecordFailure()
			promProviderCalls.WithLabelValues(providerName, "error").Inc()
			return nil, callErr
		}

		breaker.RecordSuccess()
		promProviderCalls.WithLabelValues(providerName, "success").Inc()
		m.registry.MarkHealthy(providerName, resp.Latency)
		return resp, nil
	})
	if err != nil {
		gwErr := resilience.Classify(err)
		switch gwErr.Code {
		case resilience.CodeProviderUnavailable, resilience.CodeTimeout, resilience.CodeModelOverloaded:
			m.registry.MarkUnhealthy(providerName, gwErr.Message)
		}
		return nil, gwErr
	}
	return completion, nil
}

func (m *Manager) updateBreakerGauge(providerName string, cb *resilience.CircuitBreaker) {
	open := 0.0
	if cb.State() == resilience.CircuitOpen {
		open = 1.0
	}
	promBreakerState.WithLabelValues(providerName).Set(open)
}

// cachedResponse builds a response served entirely from cache.
func (m *Manager) cachedResponse(req *CoachRequest, cached any, similarity float64, start time.Time) *CoachResponse {
	resp := &CoachResponse{
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		AgentType:  req.AgentType,
		CacheHit:   true,
		Similarity: similarity,
		CostCents:  0,
		LatencyMs:  time.Since(start).Milliseconds(),
		Timestamp:  time.Now(),
	}
	if prior, ok := cached.(*CoachResponse); ok {
		resp.Content = prior.Content
		resp.Model = prior.Model
		resp.Provider = prior.Provider
		resp.Confidence = prior.Confidence
	}
	return resp
}

// finish runs shared post-flight accounting for successful responses.
func (m *Manager) finish(ctx context.Context, req *CoachRequest, resp *CoachResponse, errorCode string) {
	resp.BudgetAlerts = m.budget.Record(req.UserID, resp.CostCents, time.Now())
	for _, alert := range resp.BudgetAlerts {
		m.log.Warn(req.UserID, req.RequestID, "budget threshold crossed", map[string]interface{}{
			"window":      string(alert.Window),
			"level":       string(alert.Level),
			"spent_cents": alert.SpentCents,
			"limit_cents": alert.LimitCents,
		})
	}

	status := "success"
	if resp.CacheHit {
		status = "cache_hit"
	}
	promRequestsTotal.WithLabelValues(string(req.AgentType), status).Inc()
	promRequestDuration.WithLabelValues(string(req.AgentType)).Observe(float64(resp.LatencyMs))

	m.log.InfoWithDuration(req.UserID, req.RequestID, "request completed", float64(resp.LatencyMs),
		map[string]interface{}{
			"agent_type": string(req.AgentType),
			"model":      resp.Model,
			"cache_hit":  resp.CacheHit,
			"cost_cents": resp.CostCents,
			"tokens":     resp.TokensUsed,
		})

	m.record(ctx, req, resp, errorCode, time.Time{})
}

// record persists the interaction. Best-effort: failures are logged only.
func (m *Manager) record(ctx context.Context, req *CoachRequest, resp *CoachResponse, errorCode string, start time.Time) {
	latency := resp.LatencyMs
	if latency == 0 && !start.IsZero() {
		latency = time.Since(start).Milliseconds()
	}
	err := m.recorder.Record(ctx, Interaction{
		RequestID:  req.RequestID,
		UserID:     req.UserID,
		AgentType:  string(req.AgentType),
		Model:      resp.Model,
		Provider:   resp.Provider,
		CacheHit:   resp.CacheHit,
		TokensUsed: resp.TokensUsed,
		CostCents:  resp.CostCents,
		LatencyMs:  latency,
		Confidence: resp.Confidence,
		ErrorCode:  errorCode,
	})
	if err != nil {
		m.log.ErrorWithCode(req.UserID, req.RequestID, "failed to record interaction",
			"RECORD_FAILED", err, nil)
	}
}

// centsForTokens rounds billed cost up to whole cents, so every live
// completion costs at least one cent. A zero cost means a cache hit.
func centsForTokens(tokens, costPer1K int) int {
	if tokens <= 0 || costPer1K <= 0 {
		return 0
	}
	return (tokens*costPer1K + 999) / 1000
}

// confidence scores a completion from the model's quality, response length
// and generation time. Longer answers up to the full-length mark score
// higher, and so do longer generations up to the full-latency mark.
func confidence(quality float64, contentLen int, latency time.Duration) float64 {
	lengthScore := float64(contentLen) / confidenceFullLengthChars
	if lengthScore > 1 {
		lengthScore = 1
	}
	latencyScore := float64(latency) / float64(confidenceFullLatency)
	if latencyScore > 1 {
		latencyScore = 1
	}

	score := confidenceQualityWeight*quality +
		confidenceLengthWeight*lengthScore +
		confidenceLatencyWeight*latencyScore
	if score > 1 {
		score = 1
	}
	return score
}
