package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultMemoryCapacity is the number of entries the hot tier holds when no
// capacity is configured.
const DefaultMemoryCapacity = 100

type memoryItem struct {
	payload   json.RawMessage
	expiresAt time.Time
}

// MemoryCache is the bounded, process-local hot tier.
//
// Writes arriving while the cache is full are dropped rather than evicting
// older entries. A single mutex guards the map.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]memoryItem
	capacity int
}

// NewMemoryCache creates a hot tier holding at most capacity entries.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryCache{
		items:    make(map[string]memoryItem, capacity),
		capacity: capacity,
	}
}

// Get returns the payload for fingerprint if it is present and not expired
// at now. Expired entries are removed.
func (m *MemoryCache) Get(fingerprint string, now time.Time) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[fingerprint]
	if !ok {
		return nil, false
	}
	if !now.Before(item.expiresAt) {
		delete(m.items, fingerprint)
		return nil, false
	}
	return item.payload, true
}

// Put stores payload until expiresAt. Existing fingerprints are overwritten.
// It returns false when the write was dropped because the cache is full.
func (m *MemoryCache) Put(fingerprint string, payload json.RawMessage, expiresAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[fingerprint]; !exists && len(m.items) >= m.capacity {
		return false
	}
	m.items[fingerprint] = memoryItem{payload: payload, expiresAt: expiresAt}
	return true
}

// Purge removes every entry expired at now and returns how many were removed.
func (m *MemoryCache) Purge(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for fp, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, fp)
			removed++
		}
	}
	return removed
}

// Clear removes every entry.
func (m *MemoryCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]memoryItem, m.capacity)
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Capacity returns the configured maximum number of entries.
func (m *MemoryCache) Capacity() int {
	return m.capacity
}
