// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Package cost provides pre-flight request shaping (model downgrade,
// compression, batching hints) and per-user budget tracking with
// threshold alerts. Optimization shapes requests; it never blocks them.
// Admission control is the rate limiter's job.
package cost

import (
	"fmt"
	"time"
)

// CharsPerToken is the input-size heuristic: roughly 4 characters per token.
const CharsPerToken = 4

// Rule names, in descending evaluation priority.
const (
	RuleFreeTierDowngrade = "free_tier_downgrade"
	RuleHighVolumeCaching = "high_volume_caching"
	RuleBatchDeferral     = "batch_deferral"
	RulePromptCompression = "prompt_compression"
	RuleOffPeakDowngrade  = "off_peak_downgrade"
)

// Risk categories a rule may introduce.
const (
	RiskQuality = "quality"
	RiskLatency = "latency"
)

// Config configures the optimizer's rule thresholds.
type Config struct {
	// FreeTierSpendThresholdCents steers free-tier users above this
	// historical spend to a cheaper model.
	FreeTierSpendThresholdCents int `yaml:"free_tier_spend_threshold_cents"`

	// HighVolumeThreshold is requests-per-hour above which caching is made
	// more aggressive and the token ceiling reduced.
	HighVolumeThreshold int `yaml:"high_volume_threshold"`

	// TokenCeiling is the reduced max-token budget for high-volume users.
	TokenCeiling int `yaml:"token_ceiling"`

	// SizeThresholdChars flags oversized inputs for prompt compression.
	SizeThresholdChars int `yaml:"size_threshold_chars"`

	// OffPeakStartHour..OffPeakEndHour (UTC, wrapping midnight) is the
	// window in which non-immediate requests may be downgraded.
	OffPeakStartHour int `yaml:"off_peak_start_hour"`
	OffPeakEndHour   int `yaml:"off_peak_end_hour"`
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		FreeTierSpendThresholdCents: 50,
		HighVolumeThreshold:         30,
		TokenCeiling:                512,
		SizeThresholdChars:          4000,
		OffPeakStartHour:            22,
		OffPeakEndHour:              8,
	}
}

// ModelQuote describes a candidate model for downgrade decisions.
type ModelQuote struct {
	ID        string
	CostPer1K int // cents per 1K tokens
}

// CheaperModelFunc returns the cheapest suitable model for an agent type,
// or ok=false when no cheaper option than the current model exists.
type CheaperModelFunc func(agentType, currentModel string) (ModelQuote, bool)

// Input is the request view the optimizer shapes. Optimization never
// changes the agent type or user ownership.
type Input struct {
	UserID     string
	Tier       string
	AgentType  string
	Priority   string // low / medium / high
	Model      string
	CostPer1K  int // cents per 1K tokens for Model
	InputChars int
	MaxTokens  int
	Now        time.Time // zero means time.Now()
}

// UserContext carries the historical signals rules evaluate against.
type UserContext struct {
	SpendCents       int
	RequestsLastHour int
}

// AppliedRule reports one rule's effect.
type AppliedRule struct {
	Name       string  `json:"name"`
	SavingsPct float64 `json:"savings_pct"`
	Risk       string  `json:"risk,omitempty"`
}

// Warning is a non-fatal note surfaced to the caller.
type Warning struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Risk    string `json:"risk,omitempty"`
}

// Result is the shaped request plus the savings and risks incurred.
type Result struct {
	Model               string        `json:"model"`
	MaxTokens           int           `json:"max_tokens"`
	Deferred            bool          `json:"deferred"`
	Compress            bool          `json:"compress"`
	AggressiveCaching   bool          `json:"aggressive_caching"`
	EstimatedSavingsPct float64       `json:"estimated_savings_pct"`
	Rules               []AppliedRule `json:"rules,omitempty"`
	Warnings            []Warning     `json:"warnings,omitempty"`
}

// Optimizer evaluates shaping rules in descending priority; rule effects
// are cumulative.
type Optimizer struct {
	cfg     Config
	cheaper CheaperModelFunc
}

// NewOptimizer creates an optimizer. cheaper may be nil, which disables
// the model-downgrade rules.
func NewOptimizer(cfg Config, cheaper CheaperModelFunc) *Optimizer {
	def := DefaultConfig()
	if cfg.FreeTierSpendThresholdCents <= 0 {
		cfg.FreeTierSpendThresholdCents = def.FreeTierSpendThresholdCents
	}
	if cfg.HighVolumeThreshold <= 0 {
		cfg.HighVolumeThreshold = def.HighVolumeThreshold
	}
	if cfg.TokenCeiling <= 0 {
		cfg.TokenCeiling = def.TokenCeiling
	}
	if cfg.SizeThresholdChars <= 0 {
		cfg.SizeThresholdChars = def.SizeThresholdChars
	}
	if cfg.OffPeakStartHour == 0 && cfg.OffPeakEndHour == 0 {
		cfg.OffPeakStartHour = def.OffPeakStartHour
		cfg.OffPeakEndHour = def.OffPeakEndHour
	}
	return &Optimizer{cfg: cfg, cheaper: cheaper}
}

// EstimateCostCents estimates a request's cost from its input size, token
// budget and the model's per-1K-token price.
func EstimateCostCents(inputChars, maxTokens, costPer1K int) int {
	tokens := inputChars/CharsPerToken + maxTokens
	return tokens * costPer1K / 1000
}

// Optimize shapes the request. Rules are evaluated in descending priority
// and their effects accumulate.
func (o *Optimizer) Optimize(in Input, user UserContext) Result {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	res := Result{
		Model:     in.Model,
		MaxTokens: in.MaxTokens,
	}
	costPer1K := in.CostPer1K

	apply := func(name string, savingsPct float64, risk, message string) {
		res.Rules = append(res.Rules, AppliedRule{Name: name, SavingsPct: savingsPct, Risk: risk})
		res.EstimatedSavingsPct += savingsPct
		if message != "" {
			res.Warnings = append(res.Warnings, Warning{Rule: name, Message: message, Risk: risk})
		}
	}

	// (a) Free-tier users above the spend threshold get a cheaper model.
	if in.Tier == "free" && user.SpendCents >= o.cfg.FreeTierSpendThresholdCents && o.cheaper != nil {
		if quote, ok := o.cheaper(in.AgentType, res.Model); ok && quote.CostPer1K < costPer1K {
			savings := savingsPct(costPer1K, quote.CostPer1K)
			res.Model = quote.ID
			costPer1K = quote.CostPer1K
			apply(RuleFreeTierDowngrade, savings, RiskQuality,
				fmt.Sprintf("switched to %s to stay within free-tier spend", quote.ID))
		}
	}

	// (b) High request volume: cache harder, lower the token ceiling.
	if user.RequestsLastHour > o.cfg.HighVolumeThreshold {
		res.AggressiveCaching = true
		ruleSavings := 5.0
		if res.MaxTokens == 0 || res.MaxTokens > o.cfg.TokenCeiling {
			res.MaxTokens = o.cfg.TokenCeiling
			ruleSavings = 15.0
		}
		apply(RuleHighVolumeCaching, ruleSavings, RiskQuality,
			"high request volume: responses may be shorter and served from cache longer")
	}

	// (c) Low-priority requests are marked for deferred/batched execution.
	if in.Priority == "low" {
		res.Deferred = true
		apply(RuleBatchDeferral, 10.0, RiskLatency,
			"request queued for batched execution")
	}

	// (d) Oversized inputs are flagged for prompt compression.
	if in.InputChars > o.cfg.SizeThresholdChars {
		res.Compress = true
		apply(RulePromptCompression, 20.0, RiskQuality,
			fmt.Sprintf("input of %d chars exceeds %d: prompt will be compressed", in.InputChars, o.cfg.SizeThresholdChars))
	}

	// (e) Off-peak, non-immediate requests may also be downgraded.
	if in.Priority != "high" && o.isOffPeak(now) && o.cheaper != nil {
		if quote, ok := o.cheaper(in.AgentType, res.Model); ok && quote.CostPer1K < costPer1K {
			savings := savingsPct(costPer1K, quote.CostPer1K)
			res.Model = quote.ID
			apply(RuleOffPeakDowngrade, savings, RiskQuality,
				fmt.Sprintf("off-peak window: downgraded to %s", quote.ID))
		}
	}

	return res
}

func (o *Optimizer) isOffPeak(now time.Time) bool {
	hour := now.UTC().Hour()
	start, end := o.cfg.OffPeakStartHour, o.cfg.OffPeakEndHour
	if start <= end {
		return hour >= start && hour < end
	}
	// Window wraps midnight, e.g. 22..8.
	return hour >= start || hour < end
}

func savingsPct(oldCost, newCost int) float64 {
	if oldCost <= 0 {
		return 0
	}
	return float64(oldCost-newCost) / float64(oldCost) * 100
}
