package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

const purgeBatch = 100

// Manager handles caching operations with a Redis backend.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	cacheKey := key.String()

	data, err := m.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()

	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
// The entry will be automatically removed from Redis when it expires.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	cacheKey := key.String()

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, cacheKey, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.Add(float64(len(data)))

	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	cacheKey := key.String()

	if err := m.redis.Del(ctx, cacheKey).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// Purge deletes every entry stored for an instance host and returns the number removed.
// Used to drop cached describes after the org schema changed.
// The scan completes before anything is deleted, since deleting mid-scan can move keys past the cursor.
func (m *Manager) Purge(ctx context.Context, instance string) (int, error) {
	var keys []string
	iter := m.redis.Scan(ctx, 0, InstancePattern(instance), purgeBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return 0, fmt.Errorf("redis scan: %w", err)
	}

	removed := 0
	for start := 0; start < len(keys); start += purgeBatch {
		end := min(start+purgeBatch, len(keys))
		n, err := m.redis.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			CacheErrors.WithLabelValues("purge").Inc()
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// Revalidate handles a 304 Not Modified for a cached entry: it extends the entry's
// lifetime from the 304's Expires header (or fallbackTTL) and returns the refreshed entry.
func (m *Manager) Revalidate(ctx context.Context, key CacheKey, entry *CacheEntry, header http.Header, fallbackTTL time.Duration) (*CacheEntry, error) {
	if entry == nil {
		return nil, ErrCacheMiss
	}
	if fallbackTTL <= 0 {
		fallbackTTL = DefaultTTL
	}

	NotModifiedResponses.Inc()

	refreshed := *entry
	refreshed.Expires = parseExpires(header, fallbackTTL)
	if err := m.Set(ctx, key, &refreshed); err != nil {
		return &refreshed, err
	}
	return &refreshed, nil
}
