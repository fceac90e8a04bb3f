package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "handyconnect"
	subsystem = "dashcore"
)

var durationBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2}

var (
	// RequestsTotal counts processed HTTP requests.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	// RequestDuration tracks HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   durationBuckets,
	}, []string{"method", "route"})

	// SourceErrorsTotal counts failed sampling attempts per source.
	SourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "source_errors_total",
		Help:      "Sampling failures per metric source",
	}, []string{"source"})

	// ReadingsIngestedTotal counts readings accepted into windows.
	ReadingsIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "readings_ingested_total",
		Help:      "Readings folded into aggregation windows",
	})

	// ReadingsDroppedTotal counts readings rejected before aggregation.
	ReadingsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "readings_dropped_total",
		Help:      "Readings rejected before aggregation",
	}, []string{"reason"})

	// TickDuration tracks how long each aggregation tick takes.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one aggregation tick",
		Buckets:   durationBuckets,
	})

	// TicksTotal counts completed aggregation ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "ticks_total",
		Help:      "Completed aggregation ticks",
	})

	// CacheHits counts fresh view cache hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "view_cache_hits_total",
		Help:      "Fresh view cache hits",
	})

	// CacheMisses counts view cache misses.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "view_cache_misses_total",
		Help:      "View cache misses, including stale entries",
	})

	// CacheStaleHits counts lookups that found only a stale entry.
	CacheStaleHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "view_cache_stale_hits_total",
		Help:      "Lookups that found a stale cached view",
	})

	// CacheEvictions counts LRU evictions.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "view_cache_evictions_total",
		Help:      "Views evicted by LRU capacity pressure",
	})

	// HubPublishedTotal counts messages fanned out per room.
	HubPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "hub_published_total",
		Help:      "Messages published to hub rooms",
	}, []string{"room"})

	// HubDroppedTotal counts messages dropped from subscriber queues.
	HubDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "hub_dropped_total",
		Help:      "Messages dropped from slow subscriber queues",
	})

	// HubSubscribers tracks the live subscriber count.
	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "hub_subscribers",
		Help:      "Currently connected stream subscribers",
	})

	// HubForcedDisconnects counts hub-initiated disconnects by cause.
	HubForcedDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "hub_forced_disconnects_total",
		Help:      "Subscribers disconnected by the hub",
	}, []string{"reason"})

	// RollupsPersistedTotal counts folded buckets written to storage.
	RollupsPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rollups_persisted_total",
		Help:      "Folded buckets upserted into the rollup store",
	})

	// RollupPersistErrors counts failed rollup writes.
	RollupPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rollup_persist_errors_total",
		Help:      "Failed rollup store writes",
	})

	// RateLimitHits counts rate-limited responses.
	RateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route", "key"})
)
