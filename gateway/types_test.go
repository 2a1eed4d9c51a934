// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFillsDefaults(t *testing.T) {
	req := &CoachRequest{UserID: "user-1", AgentType: AgentDailyTip, Input: "hi"}
	require.NoError(t, req.Validate())

	assert.Equal(t, PriorityMedium, req.Priority)
	assert.Equal(t, TierFree, req.Tier)
	assert.Equal(t, PreferenceBalanced, req.Preference)
}

func TestValidateAcceptsTemperatureRange(t *testing.T) {
	for _, temp := range []float64{0, 0.7, 1.0, 2.0} {
		req := &CoachRequest{UserID: "u", AgentType: AgentDailyTip, Input: "hi", Temperature: temp}
		assert.NoError(t, req.Validate(), "temperature %v", temp)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		req  CoachRequest
	}{
		{"missing user", CoachRequest{AgentType: AgentDailyTip, Input: "hi"}},
		{"missing input", CoachRequest{UserID: "u", AgentType: AgentDailyTip}},
		{"unknown agent type", CoachRequest{UserID: "u", AgentType: "astrology", Input: "hi"}},
		{"unknown priority", CoachRequest{UserID: "u", AgentType: AgentDailyTip, Input: "hi", Priority: "urgent"}},
		{"unknown tier", CoachRequest{UserID: "u", AgentType: AgentDailyTip, Input: "hi", Tier: "platinum"}},
		{"negative temperature", CoachRequest{UserID: "u", AgentType: AgentDailyTip, Input: "hi", Temperature: -0.1}},
		{"temperature too high", CoachRequest{UserID: "u", AgentType: AgentDailyTip, Input: "hi", Temperature: 2.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.req.Validate())
		})
	}
}

func TestAgentTypesComplete(t *testing.T) {
	types := AgentTypes()
	assert.Len(t, types, 5)
	assert.Contains(t, types, AgentAssessmentAnalysis)
	assert.Contains(t, types, AgentCommunicationAdvice)
}
