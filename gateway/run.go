// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cache"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cost"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm/anthropic"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm/fake"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/llm/openai"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/ratelimit"
	"github.com/jeremybuehler/kasama-ai-sub001/shared/logger"
)

// Run builds the gateway from configuration and serves HTTP until the
// process receives SIGINT or SIGTERM.
func Run(cfg Config) error {
	log := logger.New("gateway-run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}

	limiter, limiterCleanup, err := buildLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer limiterCleanup()

	semanticCache := cache.New(cfg.Cache)
	semanticCache.StartSweeper(ctx, 5*time.Minute)

	budget := cost.NewTracker(cfg.BudgetLimitsOrDefault())
	budget.StartPruner(ctx, time.Hour)

	var recorder Recorder = NopRecorder{}
	if cfg.DatabaseURL != "" {
		pg, err := NewPostgresRecorder(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize recorder: %w", err)
		}
		recorder = pg
	}
	defer func() {
		_ = recorder.Close()
	}()

	manager := NewManager(cfg, DefaultCatalog(), registry, limiter, semanticCache, budget, recorder)
	manager.ErrorTracker().StartPeriodicPrune(ctx, time.Hour)
	registry.StartPeriodicHealthCheck(ctx, cfg.HealthCheckInterval)

	api := NewAPI(manager, budget)
	handler := buildRouter(api, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "gateway listening", map[string]interface{}{"port": cfg.Port})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Info("", "", "shutting down", map[string]interface{}{"signal": sig.String()})
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// buildRegistry registers the configured providers. The fake provider is
// registered alone when enabled, so local dev never calls real vendors.
func buildRegistry(cfg Config, log *logger.Logger) (*llm.Registry, error) {
	registry := llm.NewRegistry()

	if cfg.UseFakeProvider {
		if err := registry.Register(fake.New("fake")); err != nil {
			return nil, err
		}
		log.Warn("", "", "using fake provider; no real model calls will be made", nil)
		return registry, nil
	}

	registered := 0
	if cfg.AnthropicAPIKey != "" {
		p, err := anthropic.New("anthropic", anthropic.Config{
			APIKey:  cfg.AnthropicAPIKey,
			Timeout: cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
		registered++
	}
	if cfg.OpenAIAPIKey != "" {
		p, err := openai.New("openai", openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Timeout: cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
		registered++
	}

	if registered == 0 {
		return nil, fmt.Errorf("no providers configured: set ANTHROPIC_API_KEY, OPENAI_API_KEY or USE_FAKE_PROVIDER")
	}
	return registry, nil
}

// buildLimiter prefers the Redis limiter for multi-replica deployments and
// falls back to in-memory when no Redis URL is configured.
func buildLimiter(ctx context.Context, cfg Config, log *logger.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.RedisURL != "" {
		limiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.RateLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis limiter: %w", err)
		}
		log.Info("", "", "rate limiting via redis", nil)
		return limiter, func() { _ = limiter.Close() }, nil
	}

	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimit)
	limiter.StartCleanup(ctx, 10*time.Minute)
	log.Info("", "", "rate limiting in memory", nil)
	return limiter, func() {}, nil
}

// buildRouter wires the HTTP routes, auth and CORS.
func buildRouter(api *API, cfg Config) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", api.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(AuthMiddleware(cfg.JWTSecret))
	v1.HandleFunc("/coach", api.HandleCoach).Methods(http.MethodPost)
	v1.HandleFunc("/status", api.HandleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/budget/{userID}", api.HandleBudget).Methods(http.MethodGet)
	v1.HandleFunc("/cache/invalidate", api.HandleCacheInvalidate).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}
