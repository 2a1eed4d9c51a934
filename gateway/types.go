// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the AI coaching gateway: it routes coaching requests
// to model providers with fallback, rate limiting, semantic caching, cost
// optimization and budget tracking.
package gateway

import (
	"fmt"
	"time"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cost"
)

// AgentType identifies which coaching agent handles a request. Each agent
// type has its own system prompt, model defaults and cache TTL.
type AgentType string

const (
	AgentAssessmentAnalysis  AgentType = "assessment_analysis"
	AgentLearningPath        AgentType = "learning_path"
	AgentProgressInsight     AgentType = "progress_insight"
	AgentDailyTip            AgentType = "daily_tip"
	AgentCommunicationAdvice AgentType = "communication_advice"
)

// AgentTypes lists all known agent types.
func AgentTypes() []AgentType {
	return []AgentType{
		AgentAssessmentAnalysis,
		AgentLearningPath,
		AgentProgressInsight,
		AgentDailyTip,
		AgentCommunicationAdvice,
	}
}

func validAgentType(t AgentType) bool {
	for _, known := range AgentTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Priority influences rate-limit headroom and cost optimization.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Tier is the user's subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Preference steers model selection when several models can serve an
// agent type.
type Preference string

const (
	PreferenceQuality  Preference = "quality"
	PreferenceCost     Preference = "cost"
	PreferenceSpeed    Preference = "speed"
	PreferenceBalanced Preference = "balanced"
)

// CoachRequest is a coaching request entering the gateway.
type CoachRequest struct {
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id"`
	AgentType AgentType      `json:"agent_type"`
	Input     string         `json:"input"`
	Context   map[string]any `json:"context,omitempty"`
	Priority  Priority       `json:"priority,omitempty"`
	Tier      Tier           `json:"tier,omitempty"`

	// Preference steers model selection; defaults to balanced.
	Preference Preference `json:"preference,omitempty"`

	// Model overrides catalog selection when set.
	Model string `json:"model,omitempty"`

	// MaxTokens caps the completion size; 0 uses the agent default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls sampling randomness; 0 uses provider defaults.
	Temperature float64 `json:"temperature,omitempty"`
}

// Validate rejects requests the gateway cannot serve and fills defaults.
func (r *CoachRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.Input == "" {
		return fmt.Errorf("input is required")
	}
	if !validAgentType(r.AgentType) {
		return fmt.Errorf("unknown agent_type %q", r.AgentType)
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	switch r.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return fmt.Errorf("unknown priority %q", r.Priority)
	}
	if r.Tier == "" {
		r.Tier = TierFree
	}
	switch r.Tier {
	case TierFree, TierPremium, TierEnterprise:
	default:
		return fmt.Errorf("unknown tier %q", r.Tier)
	}
	if r.Preference == "" {
		r.Preference = PreferenceBalanced
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0, 2]", r.Temperature)
	}
	return nil
}

// CoachResponse is the gateway's answer to a coaching request.
type CoachResponse struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	AgentType AgentType `json:"agent_type"`
	Content   string    `json:"content"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider,omitempty"`

	// CacheHit is true when the response was served from the semantic
	// cache; Similarity is 1.0 for exact hits.
	CacheHit   bool    `json:"cache_hit"`
	Similarity float64 `json:"similarity,omitempty"`

	TokensUsed int     `json:"tokens_used"`
	CostCents  int     `json:"cost_cents"`
	LatencyMs  int64   `json:"latency_ms"`
	Confidence float64 `json:"confidence"`

	// Optimization reports the shaping rules applied pre-flight.
	Optimization *cost.Result `json:"optimization,omitempty"`

	// BudgetAlerts carries any thresholds this request crossed. Alerts
	// are advisory and never block the response.
	BudgetAlerts []cost.Alert `json:"budget_alerts,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
