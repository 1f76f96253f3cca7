package warmup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/agrocache/pkg/cache"
)

type mockFetcher struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	failFor  map[string]bool
}

func (m *mockFetcher) Fetch(ctx context.Context, id cache.Identity) (json.RawMessage, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.peak.Load()
		if n <= peak || m.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.failFor[id.EntityID] {
		return nil, errors.New("provider unavailable")
	}
	return json.RawMessage(fmt.Sprintf(`{"entity_id":%q}`, id.EntityID)), nil
}

func identities(n int) []cache.Identity {
	ids := make([]cache.Identity, n)
	for i := range ids {
		ids[i] = cache.Identity{EntityID: fmt.Sprintf("field-%d", i), Latitude: float64(i), Longitude: 10}
	}
	return ids
}

func TestNew_Defaults(t *testing.T) {
	w := New(cache.NewCoordinator(nil, nil), &mockFetcher{}, Config{}, zerolog.Nop())

	if w.config.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", w.config.MaxConcurrency)
	}
	if w.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", w.config.Timeout)
	}
	if w.MaxBatchSize() != 100 {
		t.Errorf("MaxBatchSize() = %d, want 100", w.MaxBatchSize())
	}
}

func TestWarm_ComputesAndReusesCache(t *testing.T) {
	coordinator := cache.NewCoordinator(cache.NewMemoryCache(50), nil)
	fetcher := &mockFetcher{}
	w := New(coordinator, fetcher, DefaultConfig(), zerolog.Nop())

	ids := identities(10)
	summary, err := w.Warm(context.Background(), ids)
	if err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if summary.Total != 10 || summary.Computed != 10 || summary.Cached != 0 || summary.Failed != 0 {
		t.Errorf("first summary = %+v", summary)
	}
	for i, res := range summary.Results {
		if res.EntityID != ids[i].EntityID {
			t.Errorf("Results[%d].EntityID = %q, want input order", i, res.EntityID)
		}
		if res.Fingerprint != ids[i].Fingerprint() {
			t.Errorf("Results[%d].Fingerprint mismatch", i)
		}
	}

	summary, err = w.Warm(context.Background(), ids)
	if err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if summary.Cached != 10 || summary.Computed != 0 {
		t.Errorf("second summary = %+v, want all cached", summary)
	}
	if got := fetcher.calls.Load(); got != 10 {
		t.Errorf("fetcher called %d times, want 10", got)
	}
}

func TestWarm_BoundedConcurrency(t *testing.T) {
	fetcher := &mockFetcher{delay: 20 * time.Millisecond}
	w := New(cache.NewCoordinator(cache.NewMemoryCache(50), nil), fetcher, Config{MaxConcurrency: 3}, zerolog.Nop())

	if _, err := w.Warm(context.Background(), identities(12)); err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if peak := fetcher.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestWarm_PartialFailure(t *testing.T) {
	fetcher := &mockFetcher{failFor: map[string]bool{"field-1": true}}
	w := New(cache.NewCoordinator(cache.NewMemoryCache(50), nil), fetcher, DefaultConfig(), zerolog.Nop())

	summary, err := w.Warm(context.Background(), identities(3))
	if err != nil {
		t.Fatalf("Warm failed: %v", err)
	}
	if summary.Failed != 1 || summary.Computed != 2 {
		t.Errorf("summary = %+v, want 1 failed and 2 computed", summary)
	}
	if summary.Results[1].Error == "" {
		t.Error("Results[1] should carry the error")
	}
}

func TestWarm_Validation(t *testing.T) {
	w := New(cache.NewCoordinator(nil, nil), &mockFetcher{}, Config{MaxBatchSize: 2}, zerolog.Nop())

	if _, err := w.Warm(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("Warm(nil) error = %v, want ErrEmptyBatch", err)
	}
	if _, err := w.Warm(context.Background(), identities(3)); err == nil {
		t.Error("Warm should reject batches over MaxBatchSize")
	}
}

func TestWarm_ContextCancelled(t *testing.T) {
	fetcher := &mockFetcher{delay: time.Second}
	w := New(cache.NewCoordinator(cache.NewMemoryCache(50), nil), fetcher, Config{MaxConcurrency: 1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	summary, err := w.Warm(ctx, identities(5))
	wg.Wait()

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if summary.Failed != 5 {
		t.Errorf("Failed = %d, want 5 (one cancelled, four not processed)", summary.Failed)
	}
}
