// Package metrics aggregates the cache and rate limiter counters for the stats
// surface and exports them as Prometheus gauges.
//
// Per-operation counters are defined with promauto in their own packages
// (cache, ratelimit, pool, upstream); this package only adds the point-in-time
// views that need a live object to compute.
package metrics

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sternrassler/agrocache/pkg/cache"
	"github.com/Sternrassler/agrocache/pkg/pool"
	"github.com/Sternrassler/agrocache/pkg/ratelimit"
)

// Registry is the default Prometheus registerer. The promauto metrics of the
// other packages are registered here.
var Registry = prometheus.DefaultRegisterer

// CacheSource is implemented by *cache.Coordinator.
type CacheSource interface {
	Stats() cache.Stats
	ResetStats()
}

// LimiterSource is implemented by *ratelimit.Limiter.
type LimiterSource interface {
	GlobalStats() ratelimit.GlobalStats
	ResetCounters()
}

// PoolSource is implemented by the durable stores.
type PoolSource interface {
	PoolStats() pool.Stats
}

// CacheSnapshot adds the derived hit rate to the cache counters.
type CacheSnapshot struct {
	cache.Stats
	HitRate float64 `json:"hit_rate_percent"`
}

// Snapshot is the read-only stats view of both subsystems.
type Snapshot struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Cache       CacheSnapshot         `json:"cache"`
	RateLimit   ratelimit.GlobalStats `json:"rate_limit"`
	Pools       map[string]pool.Stats `json:"pools,omitempty"`
}

// StatsRegistry aggregates and resets the counters of the cache coordinator,
// the rate limiter and any connection pools.
type StatsRegistry struct {
	cache   CacheSource
	limiter LimiterSource
	pools   map[string]PoolSource
	clock   clockwork.Clock

	memoryEntries *prometheus.Desc
	hitRate       *prometheus.Desc
	activeClients *prometheus.Desc
	blockRate     *prometheus.Desc
	poolIdle      *prometheus.Desc
	poolInUse     *prometheus.Desc
}

// Option configures a StatsRegistry.
type Option func(*StatsRegistry)

// WithPool adds a connection pool to the snapshot under name.
func WithPool(name string, source PoolSource) Option {
	return func(r *StatsRegistry) {
		if source != nil {
			r.pools[name] = source
		}
	}
}

// WithClock sets the clock used for GeneratedAt.
func WithClock(clock clockwork.Clock) Option {
	return func(r *StatsRegistry) {
		r.clock = clock
	}
}

// NewRegistry creates a registry over the given sources.
func NewRegistry(cacheSource CacheSource, limiterSource LimiterSource, opts ...Option) *StatsRegistry {
	if cacheSource == nil || limiterSource == nil {
		panic("metrics: cache and limiter sources are required")
	}

	r := &StatsRegistry{
		cache:   cacheSource,
		limiter: limiterSource,
		pools:   make(map[string]PoolSource),
		clock:   clockwork.NewRealClock(),

		memoryEntries: prometheus.NewDesc("agro_cache_memory_entries",
			"Live entries in the memory tier", nil, nil),
		hitRate: prometheus.NewDesc("agro_cache_hit_rate_percent",
			"Cache hit rate since the last stats reset", nil, nil),
		activeClients: prometheus.NewDesc("agro_rate_limit_tracked_clients",
			"Clients with request history in the last hour", nil, nil),
		blockRate: prometheus.NewDesc("agro_rate_limit_block_rate_percent",
			"Share of rejected admission checks since the last stats reset", nil, nil),
		poolIdle: prometheus.NewDesc("agro_pool_idle_connections",
			"Idle connections held by the pool", []string{"pool"}, nil),
		poolInUse: prometheus.NewDesc("agro_pool_in_use_connections",
			"Connections checked out of the pool", []string{"pool"}, nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns a fresh view of all counters. The limiter prunes its
// windows while building it.
func (r *StatsRegistry) Snapshot() Snapshot {
	cacheStats := r.cache.Stats()

	snap := Snapshot{
		GeneratedAt: r.clock.Now(),
		Cache: CacheSnapshot{
			Stats:   cacheStats,
			HitRate: cacheStats.HitRate(),
		},
		RateLimit: r.limiter.GlobalStats(),
	}

	if len(r.pools) > 0 {
		snap.Pools = make(map[string]pool.Stats, len(r.pools))
		for name, source := range r.pools {
			snap.Pools[name] = source.PoolStats()
		}
	}
	return snap
}

// Reset zeroes the cache and limiter counters. Cached entries and client
// history are kept.
func (r *StatsRegistry) Reset() {
	r.cache.ResetStats()
	r.limiter.ResetCounters()
}

// PoolNames returns the registered pool names, sorted.
func (r *StatsRegistry) PoolNames() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds the registry as a collector to reg.
func (r *StatsRegistry) Register(reg prometheus.Registerer) error {
	return reg.Register(r)
}

// Describe implements prometheus.Collector.
func (r *StatsRegistry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.memoryEntries
	ch <- r.hitRate
	ch <- r.activeClients
	ch <- r.blockRate
	ch <- r.poolIdle
	ch <- r.poolInUse
}

// Collect implements prometheus.Collector.
func (r *StatsRegistry) Collect(ch chan<- prometheus.Metric) {
	snap := r.Snapshot()

	ch <- prometheus.MustNewConstMetric(r.memoryEntries, prometheus.GaugeValue, float64(snap.Cache.MemoryEntries))
	ch <- prometheus.MustNewConstMetric(r.hitRate, prometheus.GaugeValue, snap.Cache.HitRate)
	ch <- prometheus.MustNewConstMetric(r.activeClients, prometheus.GaugeValue, float64(snap.RateLimit.ActiveClients))
	ch <- prometheus.MustNewConstMetric(r.blockRate, prometheus.GaugeValue, snap.RateLimit.BlockRate)

	for name, stats := range snap.Pools {
		ch <- prometheus.MustNewConstMetric(r.poolIdle, prometheus.GaugeValue, float64(stats.Idle), name)
		ch <- prometheus.MustNewConstMetric(r.poolInUse, prometheus.GaugeValue, float64(stats.InUse), name)
	}
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - agro_cache_hits_total{layer} (Counter): Cache hits by tier ("memory", "durable")
//   - agro_cache_misses_total (Counter): Lookups that missed both tiers
//   - agro_cache_memory_drops_total (Counter): Memory writes dropped at capacity
//   - agro_cache_errors_total{operation} (Counter): Durable tier errors
//   - agro_cache_expired_total{layer} (Counter): Expired entries removed
//
// Rate Limit Metrics (pkg/ratelimit):
//   - agro_rate_limit_checks_total{result} (Counter): Admission checks by result
//   - agro_rate_limit_active_clients (Gauge): Clients tracked after the last GC
//
// Pool Metrics (pkg/pool):
//   - agro_pool_dials_total{pool, result} (Counter): Connection dials
//   - agro_pool_closes_total{pool, reason} (Counter): Connections closed
//
// Provider Metrics (pkg/upstream):
//   - agro_upstream_requests_total{status} (Counter): Provider requests by status
//   - agro_upstream_request_duration_seconds (Histogram): Fetch duration including retries
//   - agro_upstream_errors_total{class} (Counter): Errors by class
//   - agro_upstream_retries_total{error_class} (Counter): Retry attempts
//   - agro_upstream_quota_remaining (Gauge): Provider quota remaining
//
// Warm-up Metrics (pkg/warmup):
//   - agro_warmup_items_total{outcome} (Counter): Identities by outcome ("cached", "computed", "failed")
//
// Registry gauges (this package):
//   - agro_cache_memory_entries, agro_cache_hit_rate_percent
//   - agro_rate_limit_tracked_clients, agro_rate_limit_block_rate_percent
//   - agro_pool_idle_connections{pool}, agro_pool_in_use_connections{pool}
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(agro_cache_hits_total[5m])) /
//   (sum(rate(agro_cache_hits_total[5m])) + sum(rate(agro_cache_misses_total[5m])))
//
//   # Rejection Rate
//   sum(rate(agro_rate_limit_checks_total{result!="allowed"}[5m])) /
//   sum(rate(agro_rate_limit_checks_total[5m]))
//
//   # P95 Provider Latency
//   histogram_quantile(0.95, rate(agro_upstream_request_duration_seconds_bucket[5m]))
