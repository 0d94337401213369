// Package service orchestrates guideline generation: cache check, rate
// limit, model call, validation, cache write. It never retries and never
// writes to the version store; both belong to the caller.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vdplabs/guidance/internal/cache"
	"github.com/vdplabs/guidance/internal/calibration"
	"github.com/vdplabs/guidance/internal/guideline"
	"github.com/vdplabs/guidance/internal/metrics"
	"github.com/vdplabs/guidance/internal/prompt"
	"github.com/vdplabs/guidance/internal/provider"
	"github.com/vdplabs/guidance/internal/ratelimit"
	"github.com/vdplabs/guidance/internal/store"
)

// Generation outcome statuses surfaced to the API.
const (
	StatusGenerated   = "generated"
	StatusRateLimited = "rate_limited"
	StatusInvalid     = "invalid"
)

// Result is the outcome of one generation request. Failures carry a Reason
// so the caller can decide whether re-invoking (possibly with another
// model) is worth it; nothing inside the service retries.
type Result struct {
	Status     string           `json:"status"`
	Draft      *guideline.Draft `json:"draft,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	RetryAfter time.Duration    `json:"retry_after,omitempty"`
}

// Gateway is the model-call dependency, satisfied by *provider.Gateway.
type Gateway interface {
	Generate(ctx context.Context, promptText, modelID string, maxTokens int) (string, error)
}

// GenerationService runs the generation pipeline for one request at a time.
type GenerationService struct {
	snapshots    calibration.SnapshotStore
	builder      *prompt.Builder
	limiter      *ratelimit.Limiter
	gateway      Gateway
	cache        *cache.Cache
	store        store.Store
	metrics      *metrics.Metrics
	defaultModel string
	maxTokens    int
}

// Config wires the service's collaborators. All are required except
// DefaultModel and MaxTokens, which fall back to the gateway defaults.
type Config struct {
	Snapshots    calibration.SnapshotStore
	Builder      *prompt.Builder
	Limiter      *ratelimit.Limiter
	Gateway      Gateway
	Cache        *cache.Cache
	Store        store.Store
	DefaultModel string
	MaxTokens    int
}

// New creates a GenerationService.
func New(cfg Config) *GenerationService {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = provider.DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	return &GenerationService{
		snapshots:    cfg.Snapshots,
		builder:      cfg.Builder,
		limiter:      cfg.Limiter,
		gateway:      cfg.Gateway,
		cache:        cfg.Cache,
		store:        cfg.Store,
		metrics:      metrics.Get(),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}
}

// Generate runs one request through the pipeline. A cache hit skips rate
// limiting and the model call entirely; a miss consumes a rate-limit slot
// before any backend traffic. The cache is written only after the response
// fully validates, so a failed request leaves no partial state anywhere.
func (s *GenerationService) Generate(ctx context.Context, orgID, programID, modelID string) (*Result, error) {
	if modelID == "" {
		modelID = s.defaultModel
	}

	// The snapshot lookup is org-scoped: a program owned by another tenant
	// fails here, before the cache, the limiter, or the model see anything.
	snapshot, err := s.snapshots.Snapshot(ctx, orgID, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration snapshot: %w", err)
	}

	key, err := snapshot.Hash(modelID)
	if err != nil {
		return nil, err
	}

	if entry, ok := s.cache.Get(ctx, key); ok {
		s.metrics.CacheHits.Inc()
		s.metrics.GenerationRequests.WithLabelValues(StatusGenerated).Inc()
		return &Result{
			Status: StatusGenerated,
			Draft: &guideline.Draft{
				Document:    entry.Document,
				ModelUsed:   entry.ModelUsed,
				GeneratedAt: entry.CachedAt,
				Cached:      true,
			},
		}, nil
	}
	s.metrics.CacheMisses.Inc()

	decision, err := s.limiter.TryAcquire(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !decision.Allowed {
		s.metrics.RateLimitDenied.Inc()
		s.metrics.GenerationRequests.WithLabelValues(StatusRateLimited).Inc()
		return &Result{Status: StatusRateLimited, RetryAfter: decision.RetryAfter}, nil
	}

	promptText, _, err := s.builder.Build(snapshot)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	raw, err := s.gateway.Generate(ctx, promptText, modelID, s.maxTokens)
	s.metrics.ModelLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		s.metrics.GenerationRequests.WithLabelValues(StatusInvalid).Inc()
		return nil, err
	}

	doc, err := guideline.Validate(raw)
	if err != nil {
		var verr *guideline.ValidationError
		if errors.As(err, &verr) {
			log.Printf("[Generation] model %s produced unusable guidelines for program %s: %s", modelID, programID, verr.Reason)
			s.metrics.GenerationRequests.WithLabelValues(StatusInvalid).Inc()
			return &Result{Status: StatusInvalid, Reason: verr.Reason}, nil
		}
		return nil, err
	}

	if err := s.cache.Set(ctx, key, *doc, modelID); err != nil {
		// A cache write failure costs a future hit, not this request.
		log.Printf("[Generation] failed to cache draft for program %s: %v", programID, err)
	}

	s.metrics.GenerationRequests.WithLabelValues(StatusGenerated).Inc()
	return &Result{
		Status: StatusGenerated,
		Draft: &guideline.Draft{
			Document:    *doc,
			ModelUsed:   modelID,
			GeneratedAt: time.Now().UTC(),
		},
	}, nil
}

// Status summarizes the guideline state for a program: whether a version is
// active, how many versions exist, and how the draft cache is doing.
type Status struct {
	HasActiveGuidelines bool         `json:"has_active_guidelines"`
	ActiveVersion       int          `json:"active_version,omitempty"`
	TotalVersions       int          `json:"total_versions"`
	CacheStats          *cache.Stats `json:"cache_stats"`
}

func (s *GenerationService) Status(ctx context.Context, orgID, programID string) (*Status, error) {
	history, err := s.store.History(ctx, orgID, programID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		TotalVersions: len(history),
		CacheStats:    s.cache.Stats(ctx),
	}
	for _, v := range history {
		if v.IsActive {
			status.HasActiveGuidelines = true
			status.ActiveVersion = v.Version
			break
		}
	}
	return status, nil
}
