package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested fingerprint was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is the persistence backend of the durable tier.
//
// Load must return ErrCacheMiss when no row with ExpiresAt after now exists.
// Connection failures must satisfy errors.Is(err, pool.ErrUnavailable).
type Store interface {
	Load(ctx context.Context, fingerprint string, now time.Time) (*Entry, error)
	Save(ctx context.Context, entry Entry) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// DurableCache is the table-backed tier keyed by fingerprint.
type DurableCache struct {
	store  Store
	logger zerolog.Logger
}

// NewDurableCache creates a durable tier over store.
func NewDurableCache(store Store, logger zerolog.Logger) *DurableCache {
	if store == nil {
		panic("durable cache store cannot be nil")
	}
	return &DurableCache{
		store:  store,
		logger: logger,
	}
}

// Get returns the stored payload for fingerprint when it has not expired at now.
// Returns ErrCacheMiss if absent or expired, and also when the stored payload is
// unreadable (logged). Connection errors are returned wrapped.
func (d *DurableCache) Get(ctx context.Context, fingerprint string, now time.Time) (json.RawMessage, error) {
	entry, err := d.GetEntry(ctx, fingerprint, now)
	if err != nil {
		return nil, err
	}
	return entry.Payload, nil
}

// GetEntry is Get returning the whole stored entry.
func (d *DurableCache) GetEntry(ctx context.Context, fingerprint string, now time.Time) (*Entry, error) {
	entry, err := d.store.Load(ctx, fingerprint, now)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		if errors.Is(err, ErrInvalidEntry) {
			CacheErrors.WithLabelValues("get").Inc()
			d.logger.Warn().
				Str("fingerprint", fingerprint).
				Err(err).
				Msg("Unreadable durable cache entry, treating as miss")
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("durable get: %w", err)
	}

	if entry.IsExpired(now) {
		return nil, ErrCacheMiss
	}

	if !json.Valid(entry.Payload) {
		CacheErrors.WithLabelValues("get").Inc()
		d.logger.Warn().
			Str("fingerprint", fingerprint).
			Err(ErrInvalidEntry).
			Msg("Unreadable durable cache payload, treating as miss")
		return nil, ErrCacheMiss
	}

	return entry, nil
}

// Put upserts the result for id with CreatedAt = now and ExpiresAt = now + TTL.
// Any existing row for the same fingerprint is replaced.
func (d *DurableCache) Put(ctx context.Context, id Identity, payload json.RawMessage, now time.Time) (Entry, error) {
	entry := NewEntry(id, payload, now)

	if err := d.store.Save(ctx, entry); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return entry, fmt.Errorf("durable put: %w", err)
	}
	return entry, nil
}

// DeleteExpired reclaims rows whose ExpiresAt is not after now.
func (d *DurableCache) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := d.store.DeleteExpired(ctx, now)
	if err != nil {
		CacheErrors.WithLabelValues("cleanup").Inc()
		return 0, fmt.Errorf("durable cleanup: %w", err)
	}
	CacheExpired.WithLabelValues("durable").Add(float64(n))
	return n, nil
}

// Ping checks the store is reachable.
func (d *DurableCache) Ping(ctx context.Context) error {
	return d.store.Ping(ctx)
}

// Close releases the store.
func (d *DurableCache) Close() error {
	return d.store.Close()
}
