// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cost"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/resilience"
	"github.com/jeremybuehler/kasama-ai-sub001/shared/logger"
)

// API is the HTTP surface of the gateway.
type API struct {
	manager *Manager
	budget  *cost.Tracker
	log     *logger.Logger
	started time.Time
}

// NewAPI creates the HTTP handler set.
func NewAPI(manager *Manager, budget *cost.Tracker) *API {
	return &API{
		manager: manager,
		budget:  budget,
		log:     logger.New("gateway-api"),
		started: time.Now(),
	}
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Retryable  bool   `json:"retryable"`
		RetryAfter int64  `json:"retry_after_seconds,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HandleCoach serves POST /api/v1/coach.
func (a *API) HandleCoach(w http.ResponseWriter, r *http.Request) {
	var req CoachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, "", resilience.NewGatewayError(resilience.CodeInvalidInput,
			fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	resp, err := a.manager.Process(r.Context(), &req)
	if err != nil {
		a.writeError(w, req.RequestID, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth serves GET /health: liveness plus provider health summary.
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := a.manager.registry.HealthSnapshot()

	status := "healthy"
	healthyCount := 0
	for _, state := range snapshot {
		if state.Status != llm.HealthStatusUnhealthy {
			healthyCount++
		}
	}
	code := http.StatusOK
	if len(snapshot) > 0 && healthyCount == 0 {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if healthyCount < len(snapshot) {
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(a.started).Seconds()),
		"providers":      snapshot,
	})
}

// HandleStatus serves GET /api/v1/status: cache stats, breaker states and
// error aggregates for operators.
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cache":    a.manager.cache.Stats(),
		"breakers": a.manager.BreakerStates(),
		"errors":   a.manager.ErrorTracker().Snapshot(),
		"models":   a.manager.catalog.Models(),
	})
}

// HandleBudget serves GET /api/v1/budget/{userID}.
func (a *API) HandleBudget(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	if userID == "" {
		a.writeError(w, "", resilience.NewGatewayError(resilience.CodeInvalidInput, "userID is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"windows": a.budget.Status(userID, time.Time{}),
	})
}

// invalidateRequest is the body of POST /api/v1/cache/invalidate.
type invalidateRequest struct {
	UserID    string `json:"user_id,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// HandleCacheInvalidate serves POST /api/v1/cache/invalidate. Exactly one
// selector must be set.
func (a *API) HandleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, "", resilience.NewGatewayError(resilience.CodeInvalidInput,
			fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	removed := 0
	switch {
	case req.UserID != "":
		removed = a.manager.cache.InvalidateUser(req.UserID)
	case req.AgentType != "":
		removed = a.manager.cache.InvalidateAgentType(req.AgentType)
	case req.Pattern != "":
		removed = a.manager.cache.InvalidateMatching(req.Pattern)
	default:
		a.writeError(w, "", resilience.NewGatewayError(resilience.CodeInvalidInput,
			"one of user_id, agent_type or pattern is required"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"invalidated": removed})
}

// writeError maps a gateway error to its HTTP status and JSON envelope.
func (a *API) writeError(w http.ResponseWriter, requestID string, err error) {
	gwErr := resilience.Classify(err)

	var resp errorResponse
	resp.Error.Code = string(gwErr.Code)
	resp.Error.Message = gwErr.Message
	resp.Error.Retryable = gwErr.Retryable
	resp.RequestID = requestID
	if gwErr.RetryAfter > 0 {
		seconds := int64(gwErr.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		resp.Error.RetryAfter = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	writeJSON(w, statusFor(gwErr.Code), resp)
}

func statusFor(code resilience.ErrorCode) int {
	switch code {
	case resilience.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case resilience.CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case resilience.CodeInvalidInput:
		return http.StatusBadRequest
	case resilience.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case resilience.CodeTimeout:
		return http.StatusGatewayTimeout
	case resilience.CodeModelOverloaded, resilience.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
