package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces the real result for an identity on a cache miss.
type ComputeFunc func(ctx context.Context) (json.RawMessage, error)

// Stats is a snapshot of the coordinator's counters.
type Stats struct {
	MemoryHits     int64 `json:"memory_hits"`
	DurableHits    int64 `json:"durable_hits"`
	Misses         int64 `json:"misses"`
	Stores         int64 `json:"stores"`
	MemoryDrops    int64 `json:"memory_drops"`
	DurableErrors  int64 `json:"durable_errors"`
	MemoryEntries  int   `json:"memory_entries"`
	MemoryCapacity int   `json:"memory_capacity"`
	DurableEnabled bool  `json:"durable_enabled"`
}

// HitRate returns hits / lookups as a percentage, 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	hits := s.MemoryHits + s.DurableHits
	total := hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Coordinator unifies lookups and writes across the memory and durable tiers.
//
// Durable-tier failures never reach the caller: they are logged, counted and
// treated as a miss, so the cache degrades to always-miss instead of failing
// requests.
type Coordinator struct {
	memory  *MemoryCache
	durable *DurableCache
	clock   clockwork.Clock
	logger  zerolog.Logger
	group   singleflight.Group

	memoryHits    atomic.Int64
	durableHits   atomic.Int64
	misses        atomic.Int64
	stores        atomic.Int64
	memoryDrops   atomic.Int64
	durableErrors atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock injects the clock used for expiry decisions.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator. durable may be nil, in which case
// only the memory tier is used.
func NewCoordinator(memory *MemoryCache, durable *DurableCache, opts ...Option) *Coordinator {
	if memory == nil {
		memory = NewMemoryCache(DefaultMemoryCapacity)
	}
	c := &Coordinator{
		memory:  memory,
		durable: durable,
		clock:   clockwork.NewRealClock(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached payload for id, checking the memory tier first and
// then the durable tier. A durable hit is copied into the memory tier.
func (c *Coordinator) Lookup(ctx context.Context, id Identity) (json.RawMessage, bool) {
	fingerprint := id.Fingerprint()
	now := c.clock.Now()

	if payload, ok := c.memory.Get(fingerprint, now); ok {
		c.memoryHits.Add(1)
		CacheHits.WithLabelValues("memory").Inc()
		c.logger.Debug().Str("fingerprint", fingerprint).Str("layer", "memory").Msg("Cache hit")
		return payload, true
	}

	if c.durable != nil {
		entry, err := c.durable.GetEntry(ctx, fingerprint, now)
		switch {
		case err == nil:
			c.durableHits.Add(1)
			CacheHits.WithLabelValues("durable").Inc()
			c.logger.Debug().Str("fingerprint", fingerprint).Str("layer", "durable").Msg("Cache hit")
			c.backfill(fingerprint, entry.Payload, entry.ExpiresAt)
			return entry.Payload, true
		case errors.Is(err, ErrCacheMiss):
		default:
			c.durableErrors.Add(1)
			c.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Durable cache unavailable, treating as miss")
		}
	}

	c.misses.Add(1)
	CacheMisses.Inc()
	c.logger.Debug().Str("fingerprint", fingerprint).Msg("Cache miss")
	return nil, false
}

// Store writes payload for id to the durable tier and then, best-effort, to
// the memory tier.
func (c *Coordinator) Store(ctx context.Context, id Identity, payload json.RawMessage) {
	fingerprint := id.Fingerprint()
	now := c.clock.Now()
	expiresAt := now.Add(TTL)

	if c.durable != nil {
		entry, err := c.durable.Put(ctx, id, payload, now)
		if err != nil {
			c.durableErrors.Add(1)
			c.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to write durable cache")
		} else {
			expiresAt = entry.ExpiresAt
		}
	}

	c.stores.Add(1)
	c.backfill(fingerprint, payload, expiresAt)
	c.logger.Debug().
		Str("fingerprint", fingerprint).
		Str("entity_id", id.EntityID).
		Time("expires_at", expiresAt).
		Msg("Cached result")
}

// GetOrCompute returns the cached payload for id or, on a miss, runs compute
// and stores its result. Concurrent misses for the same identity share one
// compute call. The boolean reports whether the result came from cache.
func (c *Coordinator) GetOrCompute(ctx context.Context, id Identity, compute ComputeFunc) (json.RawMessage, bool, error) {
	if payload, ok := c.Lookup(ctx, id); ok {
		return payload, true, nil
	}

	v, err, shared := c.group.Do(id.Fingerprint(), func() (interface{}, error) {
		payload, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Store(ctx, id, payload)
		return payload, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		c.logger.Debug().Str("fingerprint", id.Fingerprint()).Msg("Shared in-flight computation")
	}
	return v.(json.RawMessage), false, nil
}

// Cleanup removes expired entries from both tiers. Memory entries are always
// purged; the durable error, if any, is returned.
func (c *Coordinator) Cleanup(ctx context.Context) (memoryRemoved int, durableRemoved int64, err error) {
	now := c.clock.Now()

	memoryRemoved = c.memory.Purge(now)
	CacheExpired.WithLabelValues("memory").Add(float64(memoryRemoved))

	if c.durable != nil {
		durableRemoved, err = c.durable.DeleteExpired(ctx, now)
		if err != nil {
			c.durableErrors.Add(1)
		}
	}
	return memoryRemoved, durableRemoved, err
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (c *Coordinator) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			memoryRemoved, durableRemoved, err := c.Cleanup(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Cache cleanup failed")
				continue
			}
			c.logger.Info().
				Int("memory_removed", memoryRemoved).
				Int64("durable_removed", durableRemoved).
				Msg("Cache cleanup complete")
		}
	}
}

// Ping checks the durable tier, if configured.
func (c *Coordinator) Ping(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}
	return c.durable.Ping(ctx)
}

// Stats returns the current counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		MemoryHits:     c.memoryHits.Load(),
		DurableHits:    c.durableHits.Load(),
		Misses:         c.misses.Load(),
		Stores:         c.stores.Load(),
		MemoryDrops:    c.memoryDrops.Load(),
		DurableErrors:  c.durableErrors.Load(),
		MemoryEntries:  c.memory.Len(),
		MemoryCapacity: c.memory.Capacity(),
		DurableEnabled: c.durable != nil,
	}
}

// ResetStats zeroes the counters. Cached entries are kept.
func (c *Coordinator) ResetStats() {
	c.memoryHits.Store(0)
	c.durableHits.Store(0)
	c.misses.Store(0)
	c.stores.Store(0)
	c.memoryDrops.Store(0)
	c.durableErrors.Store(0)
}

func (c *Coordinator) backfill(fingerprint string, payload json.RawMessage, expiresAt time.Time) {
	if !c.memory.Put(fingerprint, payload, expiresAt) {
		c.memoryDrops.Add(1)
		CacheDrops.Inc()
	}
}
