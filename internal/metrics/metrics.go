package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the guidance service.
type Metrics struct {
	GenerationRequests *prometheus.CounterVec
	ModelLatency       prometheus.Histogram
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	RateLimitDenied    prometheus.Counter
	VersionsSaved      prometheus.Counter
	VersionsActivated  prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	once   sync.Once
	shared *Metrics
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *Metrics {
	once.Do(func() {
		shared = &Metrics{
			GenerationRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guidance_generation_requests_total",
					Help: "Generation requests by outcome status",
				},
				[]string{"status"},
			),
			ModelLatency: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "guidance_model_latency_seconds",
					Help:    "Model backend call latency",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
				},
			),
			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "guidance_cache_hits_total",
					Help: "Draft cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "guidance_cache_misses_total",
					Help: "Draft cache misses",
				},
			),
			RateLimitDenied: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "guidance_rate_limit_denied_total",
					Help: "Generation requests denied by the rate limiter",
				},
			),
			VersionsSaved: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "guidance_versions_saved_total",
					Help: "Guideline versions persisted",
				},
			),
			VersionsActivated: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "guidance_versions_activated_total",
					Help: "Guideline version activations",
				},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "guidance_http_requests_total",
					Help: "HTTP requests by method and status code",
				},
				[]string{"method", "code"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "guidance_http_request_duration_seconds",
					Help:    "HTTP request duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
		}
	})
	return shared
}
