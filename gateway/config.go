// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cache"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/cost"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/ratelimit"
	"github.com/jeremybuehler/kasama-ai-sub001/gateway/resilience"
)

// Config is the gateway's full configuration. Values come from an
// optional YAML file, overridden by environment variables.
type Config struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// JWTSecret enables bearer-token auth on the API when non-empty.
	JWTSecret string `yaml:"jwt_secret"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	// UseFakeProvider swaps in the deterministic provider for local dev.
	UseFakeProvider bool `yaml:"use_fake_provider"`

	// ProviderTimeout is the hard deadline for one provider call.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// HealthCheckInterval drives the registry's periodic provider checks.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	RateLimit ratelimit.Config         `yaml:"rate_limit"`
	Cache     cache.Config             `yaml:"cache"`
	Retry     resilience.RetryConfig   `yaml:"retry"`
	Breaker   resilience.BreakerConfig `yaml:"circuit_breaker"`
	Optimizer cost.Config              `yaml:"optimizer"`

	// BudgetLimits maps window name (hourly/daily/monthly) to cents.
	BudgetLimits map[string]int `yaml:"budget_limits"`
}

// DefaultConfigValues returns the deployment defaults.
func DefaultConfigValues() Config {
	return Config{
		Port:                8080,
		ProviderTimeout:     60 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		RateLimit:           ratelimit.DefaultConfig(),
		Cache:               cache.DefaultConfig(),
		Retry:               resilience.DefaultRetryConfig(),
		Breaker:             resilience.DefaultBreakerConfig(),
		Optimizer:           cost.DefaultConfig(),
	}
}

// LoadConfig builds the configuration from the optional YAML file at
// path (empty skips the file) plus environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfigValues()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := ratelimit.ValidateConfig(cfg.RateLimit); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.UseFakeProvider = getEnvBool("USE_FAKE_PROVIDER", cfg.UseFakeProvider)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	cfg.HealthCheckInterval = getEnvDuration("HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval)

	if s := os.Getenv("RATE_LIMIT_STRATEGY"); s != "" {
		cfg.RateLimit.Strategy = ratelimit.Strategy(s)
	}
}

// BudgetLimitsOrDefault converts the configured budget map to tracker
// limits, falling back to the defaults.
func (c Config) BudgetLimitsOrDefault() cost.Limits {
	if len(c.BudgetLimits) == 0 {
		return cost.DefaultLimits()
	}
	limits := make(cost.Limits, len(c.BudgetLimits))
	for window, cents := range c.BudgetLimits {
		limits[cost.Window(window)] = cents
	}
	return limits
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
