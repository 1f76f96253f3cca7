package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (memory, durable)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agro_cache_hits_total",
			Help: "Total number of analysis cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks lookups that missed both tiers
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agro_cache_misses_total",
			Help: "Total number of analysis cache misses",
		},
	)

	// CacheDrops tracks memory writes discarded because the tier was full
	CacheDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agro_cache_memory_drops_total",
			Help: "Total number of memory cache writes dropped at capacity",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agro_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "cleanup"
	)

	// CacheExpired tracks entries reclaimed by cleanup passes
	CacheExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agro_cache_expired_total",
			Help: "Total number of expired cache entries reclaimed",
		},
		[]string{"layer"},
	)
)
