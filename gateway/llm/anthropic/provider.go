// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Package anthropic implements the provider contract for Anthropic's
// Claude models over the Messages API.
package anthropic

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
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxTokens is the default completion token budget.
	DefaultMaxTokens = 1024

	// DefaultModel is used when the request does not name one.
	DefaultModel = "claude-3-5-haiku-20241022"
)

// HTTPClient is the subset of http.Client the provider needs. It exists so
// tests can substitute a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the Anthropic provider.
type Config struct {
	APIKey     string        // required
	BaseURL    string        // default: https://api.anthropic.com
	APIVersion string        // default: 2023-06-01
	Model      string        // default model when the request names none
	Timeout    time.Duration // default: 60s
}

// Provider implements llm.Provider for Anthropic Claude.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
}

// New creates an Anthropic provider.
func New(name string, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if name == "" {
		name = "anthropic"
	}

	return &Provider{
		name:       name,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     &http.Client{Timeout: cfg.Timeout},
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
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }

// Complete calls the Messages API and maps the response to the unified
// completion type. API failures come back as *llm.ProviderError.
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

	apiReq := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages: []message{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

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

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.CompletionResponse{
		Content: content.String(),
		Model:   apiResp.Model,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// HealthCheck issues a minimal single-token completion to verify
// connectivity and authentication.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	_, err := p.Complete(ctx, llm.CompletionRequest{
		Prompt:    "ping",
		MaxTokens: 1,
	})
	latency := time.Since(start)

	if err != nil {
		return &llm.HealthCheckResult{
			Status:      llm.HealthStatusUnhealthy,
			Latency:     latency,
			Message:     err.Error(),
			LastChecked: time.Now(),
		}, err
	}

	return &llm.HealthCheckResult{
		Status:      llm.HealthStatusHealthy,
		Latency:     latency,
		LastChecked: time.Now(),
	}, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
}

// transportError maps connection-level failures to provider errors.
func (p *Provider) transportError(err error) error {
	code := llm.ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = llm.ErrCodeTimeout
	}
	perr := llm.NewProviderError(p.name, code, err.Error())
	perr.Cause = err
	return perr
}

// apiError maps an HTTP error response to a provider error with a stable
// code. The Anthropic error type is preferred over the status code when
// present.
func (p *Provider) apiError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := string(body)
	vendorType := ""
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		vendorType = errResp.Error.Type
	}

	code := codeFor(statusCode, vendorType)
	perr := llm.NewProviderError(p.name, code, message)
	perr.StatusCode = statusCode
	return perr
}

func codeFor(statusCode int, vendorType string) string {
	switch vendorType {
	case "rate_limit_error":
		return llm.ErrCodeRateLimit
	case "authentication_error", "permission_error":
		return llm.ErrCodeAuth
	case "invalid_request_error":
		return llm.ErrCodeInvalidRequest
	case "overloaded_error":
		return llm.ErrCodeOverloaded
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
	case statusCode >= 500:
		return llm.ErrCodeServerError
	default:
		return llm.ErrCodeServerError
	}
}

// Internal API types.

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
