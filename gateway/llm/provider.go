// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// Provider is the unified interface for all model providers.
// Implementations must be safe for concurrent use.
//
// The gateway is agnostic to the wire format used to reach a given vendor
// (HTTP/JSON is typical) as long as this contract is honored, including a
// hard timeout on Complete.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type (e.g., "anthropic", "openai").
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context carries the hard call deadline and cancellation.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck verifies the provider is operational.
	// Implementations should check API connectivity and authentication
	// and complete within a reasonable timeout.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}
