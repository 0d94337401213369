package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a TryAcquire call. Exhaustion is an expected
// condition, so it is reported here rather than as an error.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Config holds the ceiling and window for the sliding-window limiter.
type Config struct {
	Ceiling int           `yaml:"ceiling"`
	Window  time.Duration `yaml:"window"`
}

// DefaultConfig returns the production limits for model-backed generation.
func DefaultConfig() Config {
	return Config{Ceiling: 10, Window: time.Hour}
}

// Limiter counts generation requests per tenant over a sliding window. With
// a Redis client the counters are shared across instances; without one the
// limiter degrades to in-process counters that are only correct for a
// single instance, and says so in the log.
type Limiter struct {
	cfg    Config
	client *redis.Client
	now    func() time.Time

	mu     sync.Mutex
	memory map[string][]time.Time
}

// New creates a Limiter backed by the given Redis client. Pass nil to run
// in the degraded in-process mode.
func New(client *redis.Client, cfg Config) *Limiter {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultConfig().Ceiling
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if client == nil {
		log.Printf("[RateLimit] no shared counter store configured, using in-process counters (single instance only)")
	}
	return &Limiter{
		cfg:    cfg,
		client: client,
		now:    time.Now,
		memory: make(map[string][]time.Time),
	}
}

// TryAcquire consumes one slot for the tenant if any remain in the current
// window. Two concurrent callers for the same tenant cannot both take the
// last slot: the Redis path runs add-then-count inside a MULTI/EXEC
// transaction, and the memory path holds a mutex.
func (l *Limiter) TryAcquire(ctx context.Context, tenantID string) (Decision, error) {
	if l.client != nil {
		d, err := l.redisAcquire(ctx, tenantID)
		if err == nil {
			return d, nil
		}
		// Shared store unreachable: degrade rather than block all
		// generation, but make the degradation visible.
		log.Printf("[RateLimit] shared counter store unavailable, falling back to in-process counters: %v", err)
	}
	return l.memoryAcquire(tenantID), nil
}

func (l *Limiter) key(tenantID string) string {
	return fmt.Sprintf("guidance:ratelimit:%s", tenantID)
}

func (l *Limiter) redisAcquire(ctx context.Context, tenantID string) (Decision, error) {
	key := l.key(tenantID)
	now := l.now()
	windowStart := now.Add(-l.cfg.Window)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, l.cfg.Window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit transaction failed: %w", err)
	}

	count := int(card.Val())
	if count <= l.cfg.Ceiling {
		return Decision{Allowed: true, Remaining: l.cfg.Ceiling - count}, nil
	}

	// Over the ceiling: give the slot back and report when the oldest
	// request rolls out of the window.
	if err := l.client.ZRem(ctx, key, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("failed to release rate limit slot: %w", err)
	}

	retryAfter := l.cfg.Window
	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		oldestAt := time.Unix(0, int64(oldest[0].Score))
		retryAfter = oldestAt.Add(l.cfg.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

func (l *Limiter) memoryAcquire(tenantID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.cfg.Window)

	kept := l.memory[tenantID][:0]
	for _, ts := range l.memory[tenantID] {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	l.memory[tenantID] = kept

	if len(kept) < l.cfg.Ceiling {
		l.memory[tenantID] = append(kept, now)
		return Decision{Allowed: true, Remaining: l.cfg.Ceiling - len(kept) - 1}
	}

	retryAfter := l.cfg.Window
	if len(kept) > 0 {
		oldest := kept[0]
		for _, ts := range kept[1:] {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		retryAfter = oldest.Add(l.cfg.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// Usage returns the number of slots currently consumed by a tenant.
func (l *Limiter) Usage(ctx context.Context, tenantID string) (int, error) {
	now := l.now()
	windowStart := now.Add(-l.cfg.Window)

	if l.client != nil {
		key := l.key(tenantID)
		if err := l.client.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err == nil {
			count, err := l.client.ZCard(ctx, key).Result()
			if err == nil {
				return int(count), nil
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, ts := range l.memory[tenantID] {
		if ts.After(windowStart) {
			count++
		}
	}
	return count, nil
}
