// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"sort"
	"time"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cost"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
)

// ModelSpec describes one model in the catalog. Costs are in cents per 1K
// tokens; quality and speed are normalized 0..1 scores used for
// preference-weighted selection.
type ModelSpec struct {
	ID        string           `json:"id"`
	Provider  llm.ProviderType `json:"provider"`
	CostPer1K int              `json:"cost_per_1k_cents"`
	Quality   float64          `json:"quality"`
	Speed     float64          `json:"speed"`
	MaxTokens int              `json:"max_tokens"`
}

// AgentProfile holds the per-agent-type routing defaults.
type AgentProfile struct {
	SystemPrompt  string
	DefaultModel  string
	FallbackModel string
	MaxTokens     int
	CacheTTL      time.Duration
}

// Catalog is the static model and agent routing table. It is immutable
// after construction and safe for concurrent reads.
type Catalog struct {
	models   map[string]ModelSpec
	profiles map[AgentType]AgentProfile
}

// Selection preference weights: cost/quality/speed each get the dominant
// share under their preference, reliability always contributes 0.1.
const reliabilityWeight = 0.1

// NewCatalog builds a catalog from explicit models and profiles.
func NewCatalog(models []ModelSpec, profiles map[AgentType]AgentProfile) *Catalog {
	byID := make(map[string]ModelSpec, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	return &Catalog{models: byID, profiles: profiles}
}

// DefaultCatalog returns the built-in model catalog and agent profiles.
func DefaultCatalog() *Catalog {
	models := []ModelSpec{
		{ID: "claude-3-5-sonnet-20241022", Provider: llm.ProviderTypeAnthropic, CostPer1K: 2, Quality: 0.95, Speed: 0.60, MaxTokens: 8192},
		{ID: "claude-3-5-haiku-20241022", Provider: llm.ProviderTypeAnthropic, CostPer1K: 1, Quality: 0.80, Speed: 0.90, MaxTokens: 8192},
		{ID: "gpt-4o", Provider: llm.ProviderTypeOpenAI, CostPer1K: 2, Quality: 0.93, Speed: 0.65, MaxTokens: 16384},
		{ID: "gpt-4o-mini", Provider: llm.ProviderTypeOpenAI, CostPer1K: 1, Quality: 0.78, Speed: 0.92, MaxTokens: 16384},
	}

	profiles := map[AgentType]AgentProfile{
		AgentAssessmentAnalysis: {
			SystemPrompt: "You are a relationship assessment analyst. Interpret the user's " +
				"assessment answers and produce a clear, compassionate analysis of their " +
				"relationship patterns, strengths and growth areas.",
			DefaultModel:  "claude-3-5-sonnet-20241022",
			FallbackModel: "gpt-4o",
			MaxTokens:     2048,
			CacheTTL:      6 * time.Hour,
		},
		AgentLearningPath: {
			SystemPrompt: "You are a relationship learning-path designer. Build a structured, " +
				"step-by-step practice plan matched to the user's goals and current stage.",
			DefaultModel:  "claude-3-5-sonnet-20241022",
			FallbackModel: "gpt-4o",
			MaxTokens:     2048,
			CacheTTL:      12 * time.Hour,
		},
		AgentProgressInsight: {
			SystemPrompt: "You are a progress coach. Summarize what the user's recent activity " +
				"says about their growth and suggest one concrete next focus.",
			DefaultModel:  "claude-3-5-haiku-20241022",
			FallbackModel: "gpt-4o-mini",
			MaxTokens:     1024,
			CacheTTL:      time.Hour,
		},
		AgentDailyTip: {
			SystemPrompt: "You are a daily relationship coach. Offer one short, actionable tip " +
				"the user can apply today. Keep it under three sentences.",
			DefaultModel:  "claude-3-5-haiku-20241022",
			FallbackModel: "gpt-4o-mini",
			MaxTokens:     256,
			CacheTTL:      24 * time.Hour,
		},
		AgentCommunicationAdvice: {
			SystemPrompt: "You are a communication coach. Help the user phrase difficult " +
				"conversations constructively, with concrete example wording.",
			DefaultModel:  "claude-3-5-sonnet-20241022",
			FallbackModel: "gpt-4o",
			MaxTokens:     1536,
			CacheTTL:      3 * time.Hour,
		},
	}

	byID := make(map[string]ModelSpec, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	return &Catalog{models: byID, profiles: profiles}
}

// Model looks up a model spec by ID.
func (c *Catalog) Model(id string) (ModelSpec, bool) {
	m, ok := c.models[id]
	return m, ok
}

// Models returns all models sorted by ID.
func (c *Catalog) Models() []ModelSpec {
	out := make([]ModelSpec, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Profile returns the routing profile for an agent type.
func (c *Catalog) Profile(agentType AgentType) (AgentProfile, error) {
	p, ok := c.profiles[agentType]
	if !ok {
		return AgentProfile{}, fmt.Errorf("no profile for agent type %q", agentType)
	}
	return p, nil
}

// Cheapest returns the lowest-cost model other than exclude, for the
// optimizer's downgrade rules.
func (c *Catalog) Cheapest(exclude string) (ModelSpec, bool) {
	var best ModelSpec
	found := false
	for _, m := range c.models {
		if m.ID == exclude {
			continue
		}
		if !found || m.CostPer1K < best.CostPer1K ||
			(m.CostPer1K == best.CostPer1K && m.Quality > best.Quality) {
			best = m
			found = true
		}
	}
	return best, found
}

// CheaperQuote adapts Cheapest to the optimizer's lookup contract.
func (c *Catalog) CheaperQuote(_ string, currentModel string) (cost.ModelQuote, bool) {
	current, ok := c.models[currentModel]
	if !ok {
		return cost.ModelQuote{}, false
	}
	best, found := c.Cheapest(currentModel)
	if !found || best.CostPer1K >= current.CostPer1K {
		return cost.ModelQuote{}, false
	}
	return cost.ModelQuote{ID: best.ID, CostPer1K: best.CostPer1K}, true
}

// Select scores every model against the preference and returns the best.
// reliability maps a provider type to a 0..1 health score and may be nil.
// Ties break toward the cheaper model.
func (c *Catalog) Select(pref Preference, reliability func(llm.ProviderType) float64) (ModelSpec, error) {
	if len(c.models) == 0 {
		return ModelSpec{}, fmt.Errorf("catalog is empty")
	}

	var costW, qualityW, speedW float64
	switch pref {
	case PreferenceCost:
		costW, qualityW, speedW = 0.7, 0.1, 0.1
	case PreferenceQuality:
		costW, qualityW, speedW = 0.1, 0.7, 0.1
	case PreferenceSpeed:
		costW, qualityW, speedW = 0.1, 0.1, 0.7
	default:
		costW, qualityW, speedW = 0.3, 0.3, 0.3
	}

	maxCost := 1
	for _, m := range c.models {
		if m.CostPer1K > maxCost {
			maxCost = m.CostPer1K
		}
	}

	var best ModelSpec
	bestScore := -1.0
	for _, m := range c.Models() {
		rel := 1.0
		if reliability != nil {
			rel = reliability(m.Provider)
		}
		cheapness := 1 - float64(m.CostPer1K)/float64(maxCost+1)
		score := costW*cheapness + qualityW*m.Quality + speedW*m.Speed + reliabilityWeight*rel

		if score > bestScore || (score == bestScore && m.CostPer1K < best.CostPer1K) {
			best = m
			bestScore = score
		}
	}
	return best, nil
}
