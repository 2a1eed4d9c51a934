// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics. Registered once at package init; the /metrics
// endpoint is wired in run.go.
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasama_gateway_requests_total",
			Help: "Total coaching requests processed, by agent type and outcome",
		},
		[]string{"agent_type", "status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kasama_gateway_request_duration_milliseconds",
			Help:    "End-to-end request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"agent_type"},
	)
	promCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasama_gateway_cache_lookups_total",
			Help: "Semantic cache lookups, by result (hit/semantic_hit/miss)",
		},
		[]string{"result"},
	)
	promProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasama_gateway_provider_calls_total",
			Help: "Provider API calls, by provider and status",
		},
		[]string{"provider", "status"},
	)
	promRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasama_gateway_rate_limited_total",
			Help: "Requests denied by the rate limiter, by scope",
		},
		[]string{"scope"},
	)
	promCostCents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kasama_gateway_cost_cents_total",
			Help: "Accumulated provider spend in cents, by model",
		},
		[]string{"model"},
	)
	promBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kasama_gateway_circuit_breaker_open",
			Help: "1 when the provider's circuit breaker is open",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promCacheLookups)
	prometheus.MustRegister(promProviderCalls)
	prometheus.MustRegister(promRateLimited)
	prometheus.MustRegister(promCostCents)
	prometheus.MustRegister(promBreakerState)
}
