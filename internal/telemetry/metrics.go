// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	StreamEvents     *prometheus.CounterVec
	KeyCacheHits     prometheus.Counter
	KeyCacheMisses   prometheus.Counter
	TokensEstimated  *prometheus.CounterVec
	TokenPoolSize    prometheus.Gauge
	LogRingSize      prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cursorgate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "cursorgate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cursorgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "cursorgate",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream chat stream duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cursorgate",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by stable error code.",
		}, []string{"code"}),

		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cursorgate",
			Name:      "stream_events_total",
			Help:      "Total decoded upstream stream events by kind.",
		}, []string{"kind"}),

		KeyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cursorgate",
			Name:      "key_cache_hits_total",
			Help:      "Total dynamic-key parse cache hits.",
		}),

		KeyCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cursorgate",
			Name:      "key_cache_misses_total",
			Help:      "Total dynamic-key parse cache misses.",
		}),

		TokensEstimated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cursorgate",
			Name:      "tokens_estimated_total",
			Help:      "Total estimated tokens by direction.",
		}, []string{"model", "direction"}),

		TokenPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cursorgate",
			Name:      "token_pool_size",
			Help:      "Number of interned upstream credentials.",
		}),

		LogRingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cursorgate",
			Name:      "log_ring_size",
			Help:      "Number of resident request logs.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.StreamEvents,
		m.KeyCacheHits,
		m.KeyCacheMisses,
		m.TokensEstimated,
		m.TokenPoolSize,
		m.LogRingSize,
	)

	return m
}
