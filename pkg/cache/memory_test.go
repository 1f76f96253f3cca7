package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryCache_GetPut(t *testing.T) {
	m := NewMemoryCache(10)
	now := time.Now()

	if _, ok := m.Get("missing", now); ok {
		t.Error("expected miss for unknown fingerprint")
	}

	if !m.Put("fp", json.RawMessage(`{"a":1}`), now.Add(time.Minute)) {
		t.Fatal("Put should succeed below capacity")
	}

	got, ok := m.Get("fp", now)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != `{"a":1}` {
		t.Errorf("payload = %s, want {\"a\":1}", got)
	}
}

func TestMemoryCache_ExpiredEntryRemoved(t *testing.T) {
	m := NewMemoryCache(10)
	now := time.Now()
	m.Put("fp", json.RawMessage(`1`), now.Add(time.Minute))

	if _, ok := m.Get("fp", now.Add(time.Minute-time.Nanosecond)); !ok {
		t.Error("expected hit just before expiry")
	}
	if _, ok := m.Get("fp", now.Add(time.Minute)); ok {
		t.Error("expected miss at expiry")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, expired entry should be removed", m.Len())
	}
}

// The memory tier drops writes at capacity instead of evicting (not an LRU).
func TestMemoryCache_CapacityDropsNewWrites(t *testing.T) {
	const capacity = 5
	m := NewMemoryCache(capacity)
	now := time.Now()
	expires := now.Add(time.Hour)

	for i := 0; i < capacity+3; i++ {
		stored := m.Put(fmt.Sprintf("fp-%d", i), json.RawMessage(`1`), expires)
		if want := i < capacity; stored != want {
			t.Errorf("Put(fp-%d) = %v, want %v", i, stored, want)
		}
		if m.Len() > capacity {
			t.Fatalf("Len() = %d exceeds capacity %d", m.Len(), capacity)
		}
	}

	// Earlier entries survive, later ones were never stored.
	if _, ok := m.Get("fp-0", now); !ok {
		t.Error("first entry should still be cached")
	}
	if _, ok := m.Get(fmt.Sprintf("fp-%d", capacity), now); ok {
		t.Error("write beyond capacity should have been dropped")
	}

	// Overwriting an existing fingerprint at capacity is allowed.
	if !m.Put("fp-0", json.RawMessage(`2`), expires) {
		t.Error("overwrite of existing fingerprint should succeed at capacity")
	}
	got, _ := m.Get("fp-0", now)
	if string(got) != "2" {
		t.Errorf("payload = %s, want 2", got)
	}
}

func TestMemoryCache_Purge(t *testing.T) {
	m := NewMemoryCache(10)
	now := time.Now()
	m.Put("old-1", json.RawMessage(`1`), now.Add(-time.Second))
	m.Put("old-2", json.RawMessage(`1`), now)
	m.Put("fresh", json.RawMessage(`1`), now.Add(time.Hour))

	if removed := m.Purge(now); removed != 2 {
		t.Errorf("Purge() = %d, want 2", removed)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", m.Len())
	}
}

func TestMemoryCache_DefaultCapacity(t *testing.T) {
	if got := NewMemoryCache(0).Capacity(); got != DefaultMemoryCapacity {
		t.Errorf("Capacity() = %d, want %d", got, DefaultMemoryCapacity)
	}
}

func TestMemoryCache_ConcurrentCapacityBound(t *testing.T) {
	const capacity = 50
	m := NewMemoryCache(capacity)
	expires := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Put(fmt.Sprintf("w%d-%d", w, i), json.RawMessage(`1`), expires)
			}
		}(w)
	}
	wg.Wait()

	if m.Len() != capacity {
		t.Errorf("Len() = %d, want %d", m.Len(), capacity)
	}
}
