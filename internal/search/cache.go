package search

import (
	"context"
	"sync"
	"time"

	"github.com/snapshelf/backend/internal/ai"
)

type cacheEntry struct {
	vector  []float32
	expires time.Time
}

// CachingEmbedder wraps another Embedder with a TTL-based in-memory cache keyed by
// the exact input text. Repeated queries and live-filter retypes skip the provider.
type CachingEmbedder struct {
	base ai.Embedder
	ttl  time.Duration
	max  int
	now  func() time.Time

	mu    sync.RWMutex
	items map[string]cacheEntry
}

// NewCachingEmbedder returns an Embedder that caches vectors for ttl.
func NewCachingEmbedder(base ai.Embedder, ttl time.Duration) *CachingEmbedder {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingEmbedder{
		base:  base,
		ttl:   ttl,
		max:   1024,
		now:   time.Now,
		items: make(map[string]cacheEntry),
	}
}

// Embed returns a cached vector when available, otherwise it delegates to the
// underlying embedder and stores the result. Errors are never cached.
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if c == nil || c.base == nil {
		return nil, ai.ErrProviderUnavailable
	}

	now := c.now()

	c.mu.RLock()
	entry, ok := c.items[text]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return append([]float32(nil), entry.vector...), nil
	}

	vector, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.items) >= c.max {
		c.evictExpired(now)
	}
	if len(c.items) < c.max {
		c.items[text] = cacheEntry{vector: append([]float32(nil), vector...), expires: now.Add(c.ttl)}
	}
	c.mu.Unlock()

	return vector, nil
}

// evictExpired requires c.mu held for writing.
func (c *CachingEmbedder) evictExpired(now time.Time) {
	for key, entry := range c.items {
		if !now.Before(entry.expires) {
			delete(c.items, key)
		}
	}
}
