// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is a Redis-backed sliding-window limiter for multi-replica
// deployments. Scope budgets are sorted sets of consumption timestamps.
//
// On Redis errors it fails open and falls back to the in-memory limiter,
// so a cache outage degrades admission control instead of taking down the
// gateway.
type RedisLimiter struct {
	client   *redis.Client
	cfg      Config
	fallback *MemoryLimiter
}

// NewRedisLimiter connects to Redis and returns a distributed limiter.
func NewRedisLimiter(redisURL string, cfg Config) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.PriorityMultipliers == nil {
		cfg.PriorityMultipliers = DefaultConfig().PriorityMultipliers
	}

	return &RedisLimiter{
		client:   client,
		cfg:      cfg,
		fallback: NewMemoryLimiter(cfg),
	}, nil
}

// NewRedisLimiterWithClient wraps an existing client (used in tests).
func NewRedisLimiterWithClient(client *redis.Client, cfg Config) *RedisLimiter {
	if cfg.PriorityMultipliers == nil {
		cfg.PriorityMultipliers = DefaultConfig().PriorityMultipliers
	}
	return &RedisLimiter{
		client:   client,
		cfg:      cfg,
		fallback: NewMemoryLimiter(cfg),
	}
}

// checkAndConsumeScript prunes, counts and conditionally consumes every
// scope in one atomic evaluation, so concurrent checks cannot overshoot a
// limit and a denial consumes nothing in any scope.
//
// KEYS are the scope keys. ARGV[1] is now in ms, ARGV[2] is a unique
// member prefix, then per scope: max requests and window in ms.
// Returns {0, denied index, oldest score} on deny or
// {1, tightest index, remaining} on admit.
var checkAndConsumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
for i = 1, #KEYS do
	local limit = tonumber(ARGV[2*i+1])
	local window = tonumber(ARGV[2*i+2])
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - window)
	if redis.call('ZCARD', KEYS[i]) >= limit then
		local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
		return {0, i, tonumber(oldest[2])}
	end
end
local remaining = -1
local tightest = 1
for i = 1, #KEYS do
	local limit = tonumber(ARGV[2*i+1])
	local window = tonumber(ARGV[2*i+2])
	redis.call('ZADD', KEYS[i], now, member .. ':' .. i)
	redis.call('PEXPIRE', KEYS[i], window + 60000)
	local left = limit - redis.call('ZCARD', KEYS[i])
	if remaining < 0 or left < remaining then
		remaining = left
		tightest = i
	end
end
return {1, tightest, remaining}
`)

// CheckAndConsume admits or rejects a request against all scopes in a
// single script call, keeping check-then-consume atomic across replicas.
func (l *RedisLimiter) CheckAndConsume(ctx context.Context, check Check) Decision {
	scopes := l.fallback.scopesFor(check)
	now := time.Now()

	keys := make([]string, len(scopes))
	argv := make([]interface{}, 0, 2+2*len(scopes))
	argv = append(argv, now.UnixMilli(), fmt.Sprintf("%d", now.UnixNano()))
	for i, s := range scopes {
		keys[i] = redisKey(s.key)
		argv = append(argv, s.limit.MaxRequests, s.limit.Window.Milliseconds())
	}

	vals, err := checkAndConsumeScript.Run(ctx, l.client, keys, argv...).Int64Slice()
	if err != nil || len(vals) != 3 {
		log.Printf("[RATE_LIMIT] redis check failed, falling back to memory: %v", err)
		return l.fallback.CheckAndConsume(ctx, check)
	}

	s := scopes[vals[1]-1]
	if vals[0] == 0 {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetTime: time.UnixMilli(vals[2]).Add(s.limit.Window),
			Scope:     s.key,
		}
	}
	return Decision{
		Allowed:   true,
		Remaining: int(vals[2]),
		ResetTime: now,
		Scope:     s.key,
	}
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

func redisKey(scopeKey string) string {
	return "ratelimit:" + scopeKey
}
