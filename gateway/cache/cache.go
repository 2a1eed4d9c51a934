// Copyright 2025 Kasama
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the gateway's semantic response cache: lookups
// match either the exact content fingerprint or a sufficiently similar
// prior request for the same agent type.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSimilarityThreshold is the minimum cosine similarity for a
// semantic hit.
const DefaultSimilarityThreshold = 0.85

// evictFraction is the share of entries removed in one amortized eviction
// pass when the cache is at capacity.
const evictFraction = 0.10

// Key identifies a cached response.
type Key struct {
	UserID      string
	AgentType   string
	Fingerprint string
}

// composite is the string form used for substring invalidation.
func (k Key) composite() string {
	return k.UserID + "|" + k.AgentType + "|" + k.Fingerprint
}

// Fingerprint hashes the request content into a stable cache key part.
func Fingerprint(userID, agentType string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(agentType))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is a cached response plus the bookkeeping used for similarity
// search and eviction scoring. Entries are owned exclusively by the cache.
type Entry struct {
	Key            Key
	Value          any
	Embedding      []float32
	InsertedAt     time.Time
	TTL            time.Duration
	AccessCount    int
	LastAccessedAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

// Config configures the semantic cache.
type Config struct {
	// MaxEntries bounds the cache size; eviction runs synchronously on
	// overflow so the bound holds after every Put.
	MaxEntries int `yaml:"max_entries"`

	// DefaultTTL applies when Put is called without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// SimilarityThreshold is the minimum cosine similarity for a hit.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Dimensions is the embedding vector size.
	Dimensions int `yaml:"dimensions"`
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:          1000,
		DefaultTTL:          time.Hour,
		SimilarityThreshold: DefaultSimilarityThreshold,
		Dimensions:          DefaultDimensions,
	}
}

// SemanticCache is safe for concurrent use. Expiry is lazy on read plus an
// active sweep; lookups never block on network I/O.
type SemanticCache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*Entry // keyed by fingerprint

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a semantic cache.
func New(cfg Config) *SemanticCache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = def.Dimensions
	}
	return &SemanticCache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
	}
}

// Get looks up a response. The exact fingerprint match is the fast path;
// on a miss, same-agent-type entries are scanned for the highest cosine
// similarity at or above the threshold. Expired entries never hit.
// The similarity of the winning entry is returned alongside the value.
func (c *SemanticCache) Get(key Key, queryText string) (any, float64, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[key.Fingerprint]; exists {
		if e.expired(now) {
			delete(c.entries, key.Fingerprint)
		} else {
			c.touch(e, now)
			c.hits.Add(1)
			return e.Value, 1.0, true
		}
	}

	query := Embed(queryText, c.cfg.Dimensions)
	var best *Entry
	bestSim := 0.0
	for _, e := range c.entries {
		if e.Key.AgentType != key.AgentType || e.expired(now) {
			continue
		}
		sim := Cosine(query, e.Embedding)
		if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
			best = e
			bestSim = sim
		}
	}

	if best == nil {
		c.misses.Add(1)
		return nil, 0, false
	}

	c.touch(best, now)
	c.hits.Add(1)
	return best.Value, bestSim, true
}

func (c *SemanticCache) touch(e *Entry, now time.Time) {
	e.AccessCount++
	e.LastAccessedAt = now
}

// Put stores a response. A non-positive ttl uses the default. If the cache
// is at capacity the highest-scored ~10% of entries are evicted first, so
// the size bound holds after every insert.
func (c *SemanticCache) Put(key Key, queryText string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key.Fingerprint]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}

	c.entries[key.Fingerprint] = &Entry{
		Key:            key,
		Value:          value,
		Embedding:      Embed(queryText, c.cfg.Dimensions),
		InsertedAt:     now,
		TTL:            ttl,
		LastAccessedAt: now,
	}
}

// evictLocked removes the entries with the highest composite eviction
// score in one amortized pass. Expired entries go first implicitly since
// age dominates their score.
func (c *SemanticCache) evictLocked(now time.Time) {
	type scored struct {
		fingerprint string
		score       float64
	}

	candidates := make([]scored, 0, len(c.entries))
	for fp, e := range c.entries {
		age := now.Sub(e.InsertedAt).Seconds() / e.TTL.Seconds()
		freq := float64(e.AccessCount)
		if freq > 10 {
			freq = 10
		}
		idleDays := now.Sub(e.LastAccessedAt).Hours() / 24
		candidates = append(candidates, scored{
			fingerprint: fp,
			score:       age + (1 - freq/10) + idleDays,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	toRemove := int(math.Ceil(float64(len(candidates)) * evictFraction))
	if toRemove < 1 {
		toRemove = 1
	}
	for _, cand := range candidates[:toRemove] {
		delete(c.entries, cand.fingerprint)
	}
}

// InvalidateUser removes all entries for a user. Returns the count removed.
func (c *SemanticCache) InvalidateUser(userID string) int {
	return c.invalidate(func(e *Entry) bool { return e.Key.UserID == userID })
}

// InvalidateAgentType removes all entries for an agent type.
func (c *SemanticCache) InvalidateAgentType(agentType string) int {
	return c.invalidate(func(e *Entry) bool { return e.Key.AgentType == agentType })
}

// InvalidateMatching removes entries whose composite key contains the
// substring. Used when upstream data changes.
func (c *SemanticCache) InvalidateMatching(substr string) int {
	return c.invalidate(func(e *Entry) bool {
		return substr != "" && strings.Contains(e.Key.composite(), substr)
	})
}

func (c *SemanticCache) invalidate(match func(*Entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		if match(e) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Sweep removes expired entries. Returns the count removed.
func (c *SemanticCache) Sweep() int {
	now := time.Now()
	return c.invalidate(func(e *Entry) bool { return e.expired(now) })
}

// StartSweeper sweeps expired entries on a fixed interval until ctx is
// cancelled.
func (c *SemanticCache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stats reports cache performance counters.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats returns a snapshot of cache counters.
func (c *SemanticCache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	return Stats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Len returns the number of live entries.
func (c *SemanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
