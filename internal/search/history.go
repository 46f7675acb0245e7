package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HistoryStore keeps each user's most recent queries for suggestions.
type HistoryStore interface {
	Record(ctx context.Context, ownerID, query string) error
	// Recent returns up to n queries, newest first.
	Recent(ctx context.Context, ownerID string, n int) ([]string, error)
}

// RedisClient abstracts the list operations used by RedisHistory.
type RedisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

var _ RedisClient = (*redis.Client)(nil)

const historyKeyPrefix = "snapshelf:search:history:"

// RedisHistory stores one capped list per user.
type RedisHistory struct {
	client RedisClient
	size   int
	ttl    time.Duration
}

// NewRedisHistory keeps size entries per user. Lists idle for ttl expire.
func NewRedisHistory(client RedisClient, size int, ttl time.Duration) *RedisHistory {
	if size <= 0 {
		size = 50
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisHistory{client: client, size: size, ttl: ttl}
}

func (h *RedisHistory) Record(ctx context.Context, ownerID, query string) error {
	key := historyKeyPrefix + ownerID
	if err := h.client.RPush(ctx, key, query).Err(); err != nil {
		return fmt.Errorf("push search history: %w", err)
	}
	if err := h.client.LTrim(ctx, key, -int64(h.size), -1).Err(); err != nil {
		return fmt.Errorf("trim search history: %w", err)
	}
	if err := h.client.Expire(ctx, key, h.ttl).Err(); err != nil {
		return fmt.Errorf("expire search history: %w", err)
	}
	return nil
}

func (h *RedisHistory) Recent(ctx context.Context, ownerID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := h.client.LRange(ctx, historyKeyPrefix+ownerID, -int64(n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read search history: %w", err)
	}
	return newestFirst(raw), nil
}

// MemoryHistory is the process-local fallback used when no redis is configured.
type MemoryHistory struct {
	mu      sync.Mutex
	size    int
	entries map[string][]string
}

// NewMemoryHistory keeps size entries per user.
func NewMemoryHistory(size int) *MemoryHistory {
	if size <= 0 {
		size = 50
	}
	return &MemoryHistory{size: size, entries: make(map[string][]string)}
}

func (h *MemoryHistory) Record(_ context.Context, ownerID, query string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.entries[ownerID], query)
	if len(list) > h.size {
		list = append([]string(nil), list[len(list)-h.size:]...)
	}
	h.entries[ownerID] = list
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, ownerID string, n int) ([]string, error) {
	h.mu.Lock()
	list := h.entries[ownerID]
	if n < len(list) {
		list = list[len(list)-n:]
	}
	list = append([]string(nil), list...)
	h.mu.Unlock()
	return newestFirst(list), nil
}

// newestFirst reverses an oldest-first list and drops repeats, keeping the most
// recent occurrence.
func newestFirst(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		key := strings.ToLower(list[i])
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, list[i])
	}
	return out
}
