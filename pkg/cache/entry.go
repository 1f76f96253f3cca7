package cache

import (
	"encoding/json"
	"time"
)

// TTL is the uniform lifetime of a cached result.
const TTL = 24 * time.Hour

// Entry represents a cached analysis result as held by the durable tier.
type Entry struct {
	// Fingerprint is the hashed identity (primary key)
	Fingerprint string `json:"fingerprint"`

	// EntityID is copied from the identity for operational queries
	EntityID string `json:"entity_id"`

	// Identity is the identity encoded as JSON
	Identity json.RawMessage `json:"identity"`

	// Payload is the caller-defined result; never interpreted by the cache
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is when the entry was written
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is CreatedAt + TTL
	ExpiresAt time.Time `json:"expires_at"`
}

// NewEntry builds an entry for id written at now.
func NewEntry(id Identity, payload json.RawMessage, now time.Time) Entry {
	return Entry{
		Fingerprint: id.Fingerprint(),
		EntityID:    id.EntityID,
		Identity:    id.Metadata(),
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(TTL),
	}
}

// IsExpired returns true if the entry is no longer valid at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Remaining returns the time left until expiration.
// Returns 0 if already expired.
func (e *Entry) Remaining(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
