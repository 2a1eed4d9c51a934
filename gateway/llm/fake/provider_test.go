// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
)

func TestCompleteDeterministic(t *testing.T) {
	p := New("fake")
	ctx := context.Background()

	req := llm.CompletionRequest{Prompt: "how do i say sorry well"}
	a, err := p.Complete(ctx, req)
	require.NoError(t, err)
	b, err := p.Complete(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, a.Content, b.Content, "same prompt yields same output")
	assert.Equal(t, "fake-model-v1", a.Model)
	assert.Greater(t, a.Usage.TotalTokens, 0)
	assert.Equal(t, a.Usage.PromptTokens+a.Usage.CompletionTokens, a.Usage.TotalTokens)

	c, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "a different prompt"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Content, c.Content)
}

func TestModelOverride(t *testing.T) {
	p := New("fake", WithModel("fake-pro"))

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x", Model: "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", resp.Model)

	resp, err = p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fake-pro", resp.Model)
}

func TestFailNext(t *testing.T) {
	p := New("fake")
	boom := errors.New("injected failure")
	p.FailNext(2, boom)

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	assert.ErrorIs(t, err, boom)
	_, err = p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	assert.ErrorIs(t, err, boom)

	_, err = p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	assert.NoError(t, err, "provider recovers after the queued failures")
	assert.Equal(t, int64(3), p.Calls())
}

func TestHealthCheck(t *testing.T) {
	p := New("fake")

	result, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, llm.HealthStatusHealthy, result.Status)

	p.FailNext(1, errors.New("down"))
	result, err = p.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.Equal(t, llm.HealthStatusUnhealthy, result.Status)
}
