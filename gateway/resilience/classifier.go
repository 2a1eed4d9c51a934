// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides failure classification, bounded retry with
// exponential backoff, and per-operation circuit breaking for provider calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
)

// ErrorCode is a machine-readable classification of a gateway failure.
// The set is closed: every failure maps to exactly one of these codes.
type ErrorCode string

const (
	CodeRateLimitExceeded    ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
	CodeModelOverloaded      ErrorCode = "MODEL_OVERLOADED"
	CodeInsufficientCredits  ErrorCode = "INSUFFICIENT_CREDITS"
	CodeProviderUnavailable  ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeUnknownError         ErrorCode = "UNKNOWN_ERROR"
)

// retryableCodes carries the fixed retryable flag per error kind.
var retryableCodes = map[ErrorCode]bool{
	CodeRateLimitExceeded:    true,
	CodeTimeout:              true,
	CodeModelOverloaded:      true,
	CodeProviderUnavailable:  true,
	CodeAuthenticationFailed: false,
	CodeInvalidInput:         false,
	CodeInsufficientCredits:  false,
	CodeUnknownError:         false,
}

// IsRetryable reports the fixed retryable flag for a code.
func IsRetryable(code ErrorCode) bool {
	return retryableCodes[code]
}

// GatewayError is the typed error surfaced to callers: a machine-readable
// code, a human-readable message, and whether the caller may retry.
type GatewayError struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// NewGatewayError creates a GatewayError with the retryable flag derived
// from the code.
func NewGatewayError(code ErrorCode, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message, Retryable: IsRetryable(code)}
}

// Classify maps an upstream failure signal to the closed error taxonomy.
//
// Classification order: already-classified errors pass through, then typed
// provider errors are mapped by status code and code, then context errors,
// then message substrings as a last resort.
func Classify(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}

	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		return classifyProviderError(provErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{
			Code:      CodeTimeout,
			Message:   "provider call exceeded its deadline",
			Retryable: true,
			Cause:     err,
		}
	}

	return classifyMessage(err)
}

func classifyProviderError(err *llm.ProviderError) *GatewayError {
	code := CodeUnknownError

	switch err.StatusCode {
	case http.StatusTooManyRequests:
		code = CodeRateLimitExceeded
	case http.StatusUnauthorized, http.StatusForbidden:
		code = CodeAuthenticationFailed
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = CodeInvalidInput
	case http.StatusPaymentRequired:
		code = CodeInsufficientCredits
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = CodeTimeout
	case http.StatusServiceUnavailable:
		code = CodeModelOverloaded
	default:
		if err.StatusCode >= 500 && err.StatusCode < 600 {
			code = CodeProviderUnavailable
		}
	}

	// Vendor error codes are more specific than status codes.
	if code == CodeUnknownError || code == CodeProviderUnavailable {
		switch err.Code {
		case llm.ErrCodeRateLimit:
			code = CodeRateLimitExceeded
		case llm.ErrCodeAuth:
			code = CodeAuthenticationFailed
		case llm.ErrCodeInvalidRequest:
			code = CodeInvalidInput
		case llm.ErrCodeInsufficientCredits:
			code = CodeInsufficientCredits
		case llm.ErrCodeOverloaded:
			code = CodeModelOverloaded
		case llm.ErrCodeTimeout:
			code = CodeTimeout
		case llm.ErrCodeUnavailable, llm.ErrCodeServerError:
			code = CodeProviderUnavailable
		}
	}

	return &GatewayError{
		Code:      code,
		Message:   err.Message,
		Retryable: IsRetryable(code),
		Cause:     err,
	}
}

func classifyMessage(err error) *GatewayError {
	msg := strings.ToLower(err.Error())
	code := CodeUnknownError

	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		code = CodeRateLimitExceeded
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		code = CodeTimeout
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authentication"), strings.Contains(msg, "api key"):
		code = CodeAuthenticationFailed
	case strings.Contains(msg, "overloaded"):
		code = CodeModelOverloaded
	case strings.Contains(msg, "insufficient credits"), strings.Contains(msg, "quota exceeded"):
		code = CodeInsufficientCredits
	case strings.Contains(msg, "unavailable"), strings.Contains(msg, "connection refused"):
		code = CodeProviderUnavailable
	case strings.Contains(msg, "invalid"):
		code = CodeInvalidInput
	}

	return &GatewayError{
		Code:      code,
		Message:   err.Error(),
		Retryable: IsRetryable(code),
		Cause:     err,
	}
}

// ErrorRecord aggregates occurrences of one error code.
type ErrorRecord struct {
	Code           ErrorCode `json:"code"`
	Retryable      bool      `json:"retryable"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	Count          int64     `json:"count"`
	AffectedUsers  int       `json:"affected_users"`
	AffectedAgents int       `json:"affected_agents"`
}

// ErrorTracker aggregates error metrics per code with rolling cleanup.
type ErrorTracker struct {
	mu      sync.Mutex
	records map[ErrorCode]*trackedRecord
	retain  time.Duration
}

type trackedRecord struct {
	record ErrorRecord
	users  map[string]struct{}
	agents map[string]struct{}
}

// NewErrorTracker creates a tracker that drops records not seen within the
// retention period during Prune.
func NewErrorTracker(retention time.Duration) *ErrorTracker {
	return &ErrorTracker{
		records: make(map[ErrorCode]*trackedRecord),
		retain:  retention,
	}
}

// Record registers one occurrence of a classified error.
func (t *ErrorTracker) Record(code ErrorCode, userID, agentType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	tr, exists := t.records[code]
	if !exists {
		tr = &trackedRecord{
			record: ErrorRecord{Code: code, Retryable: IsRetryable(code), FirstSeen: now},
			users:  make(map[string]struct{}),
			agents: make(map[string]struct{}),
		}
		t.records[code] = tr
	}
	tr.record.Count++
	tr.record.LastSeen = now
	if userID != "" {
		tr.users[userID] = struct{}{}
	}
	if agentType != "" {
		tr.agents[agentType] = struct{}{}
	}
}

// Snapshot returns a copy of all tracked records.
func (t *ErrorTracker) Snapshot() []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ErrorRecord, 0, len(t.records))
	for _, tr := range t.records {
		rec := tr.record
		rec.AffectedUsers = len(tr.users)
		rec.AffectedAgents = len(tr.agents)
		out = append(out, rec)
	}
	return out
}

// Prune drops records whose last occurrence is older than the retention.
func (t *ErrorTracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.retain)
	for code, tr := range t.records {
		if tr.record.LastSeen.Before(cutoff) {
			delete(t.records, code)
		}
	}
}

// StartPeriodicPrune runs Prune on a fixed interval until ctx is cancelled.
func (t *ErrorTracker) StartPeriodicPrune(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Prune()
			}
		}
	}()
}
