// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
)

func TestCatalogProfiles(t *testing.T) {
	c := DefaultCatalog()

	for _, agentType := range AgentTypes() {
		profile, err := c.Profile(agentType)
		require.NoError(t, err, agentType)
		assert.NotEmpty(t, profile.SystemPrompt)
		assert.NotEmpty(t, profile.DefaultModel)
		assert.Greater(t, profile.MaxTokens, 0)
		assert.Greater(t, profile.CacheTTL.Seconds(), 0.0)

		_, ok := c.Model(profile.DefaultModel)
		assert.True(t, ok, "default model %q must exist", profile.DefaultModel)
		if profile.FallbackModel != "" {
			_, ok := c.Model(profile.FallbackModel)
			assert.True(t, ok, "fallback model %q must exist", profile.FallbackModel)
		}
	}

	_, err := c.Profile("astrology")
	assert.Error(t, err)
}

func TestCatalogModelsSorted(t *testing.T) {
	c := DefaultCatalog()
	models := c.Models()
	require.NotEmpty(t, models)
	for i := 1; i < len(models); i++ {
		assert.Less(t, models[i-1].ID, models[i].ID)
	}
}

func TestCatalogCheapest(t *testing.T) {
	c := DefaultCatalog()

	best, ok := c.Cheapest("")
	require.True(t, ok)
	assert.Equal(t, 1, best.CostPer1K)
	assert.Equal(t, "claude-3-5-haiku-20241022", best.ID, "equal cost breaks toward higher quality")

	best, ok = c.Cheapest("claude-3-5-haiku-20241022")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", best.ID)
}

func TestCatalogCheaperQuote(t *testing.T) {
	c := DefaultCatalog()

	quote, ok := c.CheaperQuote("", "claude-3-5-sonnet-20241022")
	require.True(t, ok)
	assert.Equal(t, 1, quote.CostPer1K)

	_, ok = c.CheaperQuote("", "claude-3-5-haiku-20241022")
	assert.False(t, ok, "no downgrade below the cheapest tier")

	_, ok = c.CheaperQuote("", "unknown-model")
	assert.False(t, ok)
}

func TestCatalogSelect(t *testing.T) {
	c := DefaultCatalog()

	spec, err := c.Select(PreferenceCost, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, spec.CostPer1K)

	spec, err = c.Select(PreferenceQuality, nil)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-sonnet-20241022", spec.ID)

	spec, err = c.Select(PreferenceSpeed, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", spec.ID)
}

func TestCatalogSelectWeighsReliability(t *testing.T) {
	c := DefaultCatalog()

	anthropicDown := func(typ llm.ProviderType) float64 {
		if typ == llm.ProviderTypeAnthropic {
			return 0
		}
		return 1
	}
	spec, err := c.Select(PreferenceQuality, anthropicDown)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", spec.ID, "reliability shifts quality selection off the down provider")
}

func TestCatalogSelectEmpty(t *testing.T) {
	c := NewCatalog(nil, nil)
	_, err := c.Select(PreferenceBalanced, nil)
	assert.Error(t, err)
}
