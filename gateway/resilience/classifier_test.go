// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
)

func TestRetryableFlagsAreFixed(t *testing.T) {
	retryable := []ErrorCode{CodeRateLimitExceeded, CodeTimeout, CodeModelOverloaded, CodeProviderUnavailable}
	terminal := []ErrorCode{CodeAuthenticationFailed, CodeInvalidInput, CodeInsufficientCredits, CodeUnknownError}

	for _, code := range retryable {
		assert.True(t, IsRetryable(code), "%s must be retryable", code)
	}
	for _, code := range terminal {
		assert.False(t, IsRetryable(code), "%s must not be retryable", code)
	}
}

func TestClassifyProviderErrorByStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCode
	}{
		{http.StatusTooManyRequests, CodeRateLimitExceeded},
		{http.StatusUnauthorized, CodeAuthenticationFailed},
		{http.StatusForbidden, CodeAuthenticationFailed},
		{http.StatusBadRequest, CodeInvalidInput},
		{http.StatusUnprocessableEntity, CodeInvalidInput},
		{http.StatusPaymentRequired, CodeInsufficientCredits},
		{http.StatusRequestTimeout, CodeTimeout},
		{http.StatusGatewayTimeout, CodeTimeout},
		{http.StatusServiceUnavailable, CodeModelOverloaded},
		{http.StatusInternalServerError, CodeProviderUnavailable},
		{http.StatusBadGateway, CodeProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := &llm.ProviderError{Provider: "anthropic", Message: "boom", StatusCode: tt.status}
			got := Classify(err)
			assert.Equal(t, tt.want, got.Code)
			assert.Equal(t, IsRetryable(tt.want), got.Retryable)
		})
	}
}

func TestClassifyProviderErrorByVendorCode(t *testing.T) {
	err := llm.NewProviderError("openai", llm.ErrCodeInsufficientCredits, "quota exhausted")
	got := Classify(err)
	assert.Equal(t, CodeInsufficientCredits, got.Code)
	assert.False(t, got.Retryable)

	err = llm.NewProviderError("anthropic", llm.ErrCodeOverloaded, "overloaded")
	assert.Equal(t, CodeModelOverloaded, Classify(err).Code)
}

func TestClassifyContextDeadline(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, got.Code)
	assert.True(t, got.Retryable)
}

func TestClassifyPassthrough(t *testing.T) {
	orig := NewGatewayError(CodeRateLimitExceeded, "slow down")
	orig.RetryAfter = 3 * time.Second

	got := Classify(fmt.Errorf("wrapped: %w", orig))
	require.Same(t, orig, got, "already-classified errors pass through unchanged")
}

func TestClassifyMessageFallback(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorCode
	}{
		{"rate limit hit on upstream", CodeRateLimitExceeded},
		{"request timeout talking to vendor", CodeTimeout},
		{"invalid api key", CodeAuthenticationFailed},
		{"model overloaded, retry later", CodeModelOverloaded},
		{"connection refused", CodeProviderUnavailable},
		{"something novel went wrong", CodeUnknownError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(errors.New(tt.msg)).Code, "message %q", tt.msg)
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestErrorTrackerAggregates(t *testing.T) {
	tr := NewErrorTracker(time.Hour)

	tr.Record(CodeTimeout, "user-1", "daily_tip")
	tr.Record(CodeTimeout, "user-2", "daily_tip")
	tr.Record(CodeTimeout, "user-1", "learning_path")
	tr.Record(CodeInvalidInput, "user-1", "daily_tip")

	snapshot := tr.Snapshot()
	require.Len(t, snapshot, 2)

	var timeout ErrorRecord
	for _, rec := range snapshot {
		if rec.Code == CodeTimeout {
			timeout = rec
		}
	}
	assert.Equal(t, int64(3), timeout.Count)
	assert.Equal(t, 2, timeout.AffectedUsers)
	assert.Equal(t, 2, timeout.AffectedAgents)
	assert.True(t, timeout.Retryable)
}

func TestErrorTrackerPrune(t *testing.T) {
	tr := NewErrorTracker(time.Millisecond)
	tr.Record(CodeTimeout, "u", "a")

	time.Sleep(10 * time.Millisecond)
	tr.Prune()
	assert.Empty(t, tr.Snapshot())
}
