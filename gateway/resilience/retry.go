// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for provider calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff between retries.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	Multiplier float64
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
	}
}

// jitterFraction randomizes each backoff by ±25%.
const jitterFraction = 0.25

// Backoff returns the delay before the given retry.
// attempt is 1-based: Backoff(1) is the delay after the first failure.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	jitter := (rand.Float64()*2 - 1) * jitterFraction * delay
	return time.Duration(delay + jitter)
}

// Do executes fn with bounded exponential-backoff retries.
//
// Failures are run through Classify; retries stop when the classified error
// is non-retryable, when MaxAttempts is reached, or when the context is
// cancelled. Cancellation is honored between attempts, never mid-call.
// The returned error is always a *GatewayError.
func Do[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr *GatewayError

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = Classify(err)
		if !lastErr.Retryable || attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, Classify(ctx.Err())
		case <-time.After(cfg.Backoff(attempt)):
		}
	}

	return zero, lastErr
}
