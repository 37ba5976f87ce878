// Package inference exposes the probabilistic reasoning hook used by
// governance validation. Scores are advisory; callers combine them with
// policy evaluation rather than acting on them directly.
package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/governd/cgr/pkg/canonicalize"
)

// Result is one probabilistic judgement with its supporting and
// conflicting observations.
type Result struct {
	Probability    float64  `json:"probability"` // 0..1
	Evidence       []string `json:"evidence"`
	Contradictions []string `json:"contradictions"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Engine answers probability queries over a context document.
type Engine interface {
	Probability(ctx context.Context, query string, doc map[string]interface{}) (Result, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, query string, doc map[string]interface{}) (Result, error)

func (f EngineFunc) Probability(ctx context.Context, query string, doc map[string]interface{}) (Result, error) {
	return f(ctx, query, doc)
}

// cacheEntry pairs a result with its expiry.
type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Cached wraps an engine with a TTL cache keyed by the query and the
// canonical hash of the context document, so logically identical
// documents share entries regardless of key order.
type Cached struct {
	mu      sync.Mutex
	inner   Engine
	ttl     time.Duration
	maxSize int
	entries map[string]cacheEntry
	order   []string

	hits   int
	misses int
}

// NewCached builds the caching wrapper. A non-positive ttl defaults to
// five minutes, a non-positive maxSize to 1024 entries.
func NewCached(inner Engine, ttl time.Duration, maxSize int) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(query string, doc map[string]interface{}) (string, error) {
	docHash, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return "", fmt.Errorf("inference: hash context: %w", err)
	}
	return query + "|" + docHash, nil
}

// Probability serves from cache when a fresh entry exists, otherwise
// delegates and stores the answer. Errors are never cached.
func (c *Cached) Probability(ctx context.Context, query string, doc map[string]interface{}) (Result, error) {
	key, err := cacheKey(query, doc)
	if err != nil {
		return Result{}, err
	}

	now := time.Now()
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && entry.expiresAt.After(now) {
		c.hits++
		c.mu.Unlock()
		return entry.result, nil
	}
	c.misses++
	c.mu.Unlock()

	result, err := c.inner.Probability(ctx, query, doc)
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{result: result, expiresAt: now.Add(c.ttl)}
	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.mu.Unlock()
	return result, nil
}

// Stats reports cache effectiveness.
func (c *Cached) Stats() (hits, misses, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}

// Static always returns the same probability. Useful as a deterministic
// default and in tests.
type Static struct {
	Score float64
}

func (s Static) Probability(_ context.Context, query string, _ map[string]interface{}) (Result, error) {
	return Result{
		Probability: s.Score,
		Evidence:    []string{"static prior for " + query},
		ComputedAt:  time.Now().UTC(),
	}, nil
}
