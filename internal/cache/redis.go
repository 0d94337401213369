package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "guidance:drafts:"

// RedisBackend stores cache entries in Redis so cache hits are shared
// across all service instances. Expiry is delegated to Redis TTLs.
type RedisBackend struct {
	client *redis.Client

	mu    sync.Mutex
	stats Stats
}

// NewRedisBackend wraps a Redis client as a cache backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[Cache] redis get failed for %s: %v", key, err)
		}
		r.mu.Lock()
		r.stats.Misses++
		r.mu.Unlock()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Printf("[Cache] dropping undecodable entry %s: %v", key, err)
		r.client.Del(ctx, redisKeyPrefix+key)
		r.mu.Lock()
		r.stats.Misses++
		r.mu.Unlock()
		return nil, false
	}

	r.mu.Lock()
	r.stats.Hits++
	r.mu.Unlock()
	return &entry, true
}

func (r *RedisBackend) Set(ctx context.Context, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+entry.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		log.Printf("[Cache] redis delete failed for %s: %v", key, err)
	}
}

func (r *RedisBackend) Stats(ctx context.Context) *Stats {
	r.mu.Lock()
	stats := r.stats
	r.mu.Unlock()

	// Redis expires entries itself, so everything still stored is valid.
	keys, err := r.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err == nil {
		stats.TotalEntries = int64(len(keys))
		stats.ValidEntries = stats.TotalEntries
	}
	return &stats
}
