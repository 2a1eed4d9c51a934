// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Package openai implements the provider contract for OpenAI's GPT models
// over the Chat Completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxTokens is the default completion token budget.
	DefaultMaxTokens = 1024

	// DefaultModel is used when the request does not name one.
	DefaultModel = "gpt-4o-mini"
)

// HTTPClient is the subset of http.Client the provider needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the OpenAI provider.
type Config struct {
	APIKey  string        // required
	BaseURL string        // default: https://api.openai.com
	Model   string        // default model when the request names none
	Timeout time.Duration // default: 60s
}

// Provider implements llm.Provider for OpenAI GPT models.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	client  HTTPClient
}

// New creates an OpenAI provider.
func New(name string, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if name == "" {
		name = "openai"
	}

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// WithHTTPClient replaces the transport. Used in tests.
func (p *Provider) WithHTTPClient(client HTTPClient) *Provider {
	p.client = client
	return p
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeOpenAI }

// Complete calls the Chat Completions API and maps the response to the
// unified completion type. API failures come back as *llm.ProviderError.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	apiReq := chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, p.apiError(resp.StatusCode, respBody)
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, "response contained no choices")
	}

	return &llm.CompletionResponse{
		Content: apiResp.Choices[0].Message.Content,
		Model:   apiResp.Model,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// HealthCheck lists models to verify connectivity and authentication
// without spending completion tokens.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		perr := p.transportError(err)
		return &llm.HealthCheckResult{
			Status:      llm.HealthStatusUnhealthy,
			Latency:     latency,
			Message:     perr.Error(),
			LastChecked: time.Now(),
		}, perr
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		perr := p.apiError(resp.StatusCode, respBody)
		return &llm.HealthCheckResult{
			Status:      llm.HealthStatusUnhealthy,
			Latency:     latency,
			Message:     perr.Error(),
			LastChecked: time.Now(),
		}, perr
	}

	return &llm.HealthCheckResult{
		Status:      llm.HealthStatusHealthy,
		Latency:     latency,
		LastChecked: time.Now(),
	}, nil
}

func (p *Provider) transportError(err error) error {
	code := llm.ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = llm.ErrCodeTimeout
	}
	perr := llm.NewProviderError(p.name, code, err.Error())
	perr.Cause = err
	return perr
}

func (p *Provider) apiError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	vendorCode := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		vendorCode = errResp.Error.Code
	}

	perr := llm.NewProviderError(p.name, codeFor(statusCode, vendorCode), message)
	perr.StatusCode = statusCode
	return perr
}

func codeFor(statusCode int, vendorCode string) string {
	switch vendorCode {
	case "rate_limit_exceeded":
		return llm.ErrCodeRateLimit
	case "invalid_api_key":
		return llm.ErrCodeAuth
	case "insufficient_quota":
		return llm.ErrCodeInsufficientCredits
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return llm.ErrCodeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return llm.ErrCodeAuth
	case statusCode == http.StatusPaymentRequired:
		return llm.ErrCodeInsufficientCredits
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return llm.ErrCodeInvalidRequest
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return llm.ErrCodeTimeout
	case statusCode == http.StatusServiceUnavailable:
		return llm.ErrCodeUnavailable
	default:
		return llm.ErrCodeServerError
	}
}

// Internal API types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
