package cache

import (
	"context"
	"sync"
	"time"

	"github.com/vdplabs/guidance/internal/guideline"
)

// Entry is one cached guideline draft, keyed by the calibration snapshot
// hash (which already includes the model id).
type Entry struct {
	Key       string             `json:"key"`
	Document  guideline.Document `json:"document"`
	ModelUsed string             `json:"model_used"`
	CachedAt  time.Time          `json:"cached_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	Hits      int64              `json:"hits"`
}

// Config defines cache configuration
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	MaxSize       int           `yaml:"max_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// DefaultConfig returns sensible defaults for draft caching. The 24h TTL is
// the primary cost control: identical calibration + model pairs never re-hit
// the model backend inside it.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		TTL:           24 * time.Hour,
		MaxSize:       10000,
		CleanupPeriod: 5 * time.Minute,
	}
}

// Backend is the interface for cache storage backends.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string)
	Stats(ctx context.Context) *Stats
}

// Stats tracks cache performance.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Evictions      int64 `json:"evictions"`
	TotalEntries   int64 `json:"total_entries"`
	ValidEntries   int64 `json:"valid_entries"`
	ExpiredEntries int64 `json:"expired_entries"`
}

// Cache stores generated drafts for their TTL. With a backend it delegates
// to shared storage; otherwise it keeps an in-process map with periodic
// cleanup. Writes are last-writer-wins: content for a given key is
// deterministic enough that entries are interchangeable.
type Cache struct {
	backend Backend
	config  *Config
	entries map[string]*Entry
	mu      sync.RWMutex
	stats   Stats
}

// New creates an in-memory cache instance.
func New(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Cache{
		config:  config,
		entries: make(map[string]*Entry),
	}

	if config.Enabled && config.CleanupPeriod > 0 {
		go c.cleanupLoop()
	}

	return c
}

// NewWithBackend creates a cache that delegates storage to a shared backend.
func NewWithBackend(backend Backend, config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	return &Cache{
		backend: backend,
		config:  config,
	}
}

// Get retrieves a cached draft if present and not expired.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if !c.config.Enabled {
		return nil, false
	}

	if c.backend != nil {
		return c.backend.Get(ctx, key)
	}

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.recordMiss()
		return nil, false
	}

	c.mu.Lock()
	entry.Hits++
	c.stats.Hits++
	c.mu.Unlock()

	return entry, true
}

// Set stores a draft document under the given key.
func (c *Cache) Set(ctx context.Context, key string, doc guideline.Document, modelUsed string) error {
	if !c.config.Enabled {
		return nil
	}

	now := time.Now()
	entry := &Entry{
		Key:       key,
		Document:  doc,
		ModelUsed: modelUsed,
		CachedAt:  now,
		ExpiresAt: now.Add(c.config.TTL),
	}

	if c.backend != nil {
		return c.backend.Set(ctx, entry, c.config.TTL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.config.MaxSize {
		c.evictOldest()
	}
	c.entries[key] = entry
	return nil
}

// Delete removes an entry from the cache.
func (c *Cache) Delete(ctx context.Context, key string) {
	if !c.config.Enabled {
		return
	}
	if c.backend != nil {
		c.backend.Delete(ctx, key)
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats returns current cache statistics, including how many stored entries
// are still inside their TTL.
func (c *Cache) Stats(ctx context.Context) *Stats {
	if c.backend != nil {
		return c.backend.Stats(ctx)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	now := time.Now()
	for _, entry := range c.entries {
		stats.TotalEntries++
		if now.After(entry.ExpiresAt) {
			stats.ExpiredEntries++
		} else {
			stats.ValidEntries++
		}
	}
	return &stats
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// cleanupLoop periodically removes expired entries.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupPeriod)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, entry := range c.entries {
			if now.After(entry.ExpiresAt) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}

// evictOldest removes the oldest entry by CachedAt. Caller holds the lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}
