package warmup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/agrocache/pkg/cache"
)

// ErrEmptyBatch is returned by Warm when no identities are given.
var ErrEmptyBatch = errors.New("warm-up batch is empty")

var warmupItems = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agro_warmup_items_total",
		Help: "Identities processed by cache warm-up",
	},
	[]string{"outcome"}, // cached, computed, failed
)

// Config holds warm-up configuration.
type Config struct {
	// MaxConcurrency is the number of parallel workers. Each worker may hit the
	// provider, so keep it below the upstream burst.
	MaxConcurrency int

	// Timeout bounds a single identity's computation.
	Timeout time.Duration

	// MaxBatchSize caps the identities accepted by one Warm call.
	MaxBatchSize int
}

// DefaultConfig returns a configuration sized for the default upstream throttle.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
		MaxBatchSize:   100,
	}
}

// Cache is the subset of the cache coordinator the warmer uses.
type Cache interface {
	GetOrCompute(ctx context.Context, id cache.Identity, compute cache.ComputeFunc) (json.RawMessage, bool, error)
}

// Fetcher computes a result on a cache miss.
type Fetcher interface {
	Fetch(ctx context.Context, id cache.Identity) (json.RawMessage, error)
}

// Result is the outcome for one identity.
type Result struct {
	Fingerprint string `json:"fingerprint"`
	EntityID    string `json:"entity_id"`
	Cached      bool   `json:"cached"`
	Error       string `json:"error,omitempty"`
}

// Summary reports a finished Warm call. Results keep the input order.
type Summary struct {
	Total    int           `json:"total"`
	Cached   int           `json:"cached"`
	Computed int           `json:"computed"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration_ns"`
	Results  []Result      `json:"results"`
}

// Warmer fills the cache for a batch of identities with a bounded worker pool.
type Warmer struct {
	cache   Cache
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a warmer. Zero config fields fall back to DefaultConfig.
func New(c Cache, fetcher Fetcher, config Config, logger zerolog.Logger) *Warmer {
	defaults := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}

	return &Warmer{
		cache:   c,
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// MaxBatchSize returns the configured batch limit.
func (w *Warmer) MaxBatchSize() int {
	return w.config.MaxBatchSize
}

type job struct {
	index int
	id    cache.Identity
}

// Warm resolves every identity through the cache, computing misses. Failures
// of single identities are reported in the summary, not as an error. When ctx
// ends early the partial summary is returned together with ctx.Err().
func (w *Warmer) Warm(ctx context.Context, ids []cache.Identity) (Summary, error) {
	if len(ids) == 0 {
		return Summary{}, ErrEmptyBatch
	}
	if len(ids) > w.config.MaxBatchSize {
		return Summary{}, fmt.Errorf("warm-up batch of %d exceeds limit of %d", len(ids), w.config.MaxBatchSize)
	}

	start := time.Now()
	workers := min(w.config.MaxConcurrency, len(ids))

	w.logger.Info().
		Int("identities", len(ids)).
		Int("workers", workers).
		Msg("Starting cache warm-up")

	queue := make(chan job, len(ids))
	for i, id := range ids {
		queue <- job{index: i, id: id}
	}
	close(queue)

	results := make([]Result, len(ids))
	done := make([]bool, len(ids))
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processed := 0
			for j := range queue {
				if ctx.Err() != nil {
					w.logger.Debug().
						Int("worker_id", workerID).
						Int("processed", processed).
						Msg("Worker stopping (context cancelled)")
					return
				}

				res := w.warmOne(ctx, j.id)

				mu.Lock()
				results[j.index] = res
				done[j.index] = true
				mu.Unlock()
				processed++
			}
		}(i)
	}
	wg.Wait()

	summary := Summary{Total: len(ids), Duration: time.Since(start)}
	for i, res := range results {
		if !done[i] {
			res = Result{
				Fingerprint: ids[i].Fingerprint(),
				EntityID:    ids[i].EntityID,
				Error:       "not processed",
			}
			results[i] = res
		}
		switch {
		case res.Error != "":
			summary.Failed++
		case res.Cached:
			summary.Cached++
		default:
			summary.Computed++
		}
	}
	summary.Results = results

	w.logger.Info().
		Int("cached", summary.Cached).
		Int("computed", summary.Computed).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("Cache warm-up complete")

	return summary, ctx.Err()
}

func (w *Warmer) warmOne(ctx context.Context, id cache.Identity) Result {
	res := Result{Fingerprint: id.Fingerprint(), EntityID: id.EntityID}

	_, cached, err := w.cache.GetOrCompute(ctx, id, func(ctx context.Context) (json.RawMessage, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
		return w.fetcher.Fetch(fetchCtx, id)
	})
	switch {
	case err != nil:
		res.Error = err.Error()
		warmupItems.WithLabelValues("failed").Inc()
		w.logger.Warn().Err(err).Str("entity_id", id.EntityID).Msg("Warm-up computation failed")
	case cached:
		res.Cached = true
		warmupItems.WithLabelValues("cached").Inc()
	default:
		warmupItems.WithLabelValues("computed").Inc()
	}
	return res
}
