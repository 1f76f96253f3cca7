package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// coordinatePrecision is the number of decimal places kept when a coordinate
// is folded into a fingerprint (~0.1 m).
const coordinatePrecision = 6

// Identity represents the caller-supplied fields that make two requests
// interchangeable for caching purposes.
type Identity struct {
	// EntityID is the caller's entity (e.g. a field or parcel id)
	EntityID string `json:"entity_id"`

	// Latitude and Longitude locate the request
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// Params are any further request parameters (e.g. {"analysis": "npk"})
	Params map[string]string `json:"params,omitempty"`
}

// String generates a deterministic canonical form of the identity.
// The entity id and every param key and value are Go-quoted, so separators
// inside them cannot make two identities render the same.
// Format: agro:"entity":lat=..:lon=..:"param1"="val1":"param2"="val2"
//
// Example:
//
//	agro:"field-42":lat=52.520008:lon=13.404954:"analysis"="npk"
func (id Identity) String() string {
	parts := []string{"agro"}

	if id.EntityID != "" {
		parts = append(parts, strconv.Quote(id.EntityID))
	}

	parts = append(parts,
		"lat="+strconv.FormatFloat(id.Latitude, 'f', coordinatePrecision, 64),
		"lon="+strconv.FormatFloat(id.Longitude, 'f', coordinatePrecision, 64),
	)

	// Add params (sorted for determinism)
	if len(id.Params) > 0 {
		keys := make([]string, 0, len(id.Params))
		for key := range id.Params {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, strconv.Quote(key)+"="+strconv.Quote(id.Params[key]))
		}
	}

	return strings.Join(parts, ":")
}

// Fingerprint returns the fixed-length cache key for the identity.
func (id Identity) Fingerprint() string {
	return Fingerprint(id)
}

// Metadata returns the identity encoded as JSON for storage next to the payload.
func (id Identity) Metadata() json.RawMessage {
	data, err := json.Marshal(id)
	if err != nil {
		// Identity holds only strings and floats; NaN/Inf are the only failure.
		return json.RawMessage(`{}`)
	}
	return data
}

// Fingerprint hashes the canonical identity into a 16 character hex key.
// It is stable across processes and releases; it is not a security boundary.
func Fingerprint(id Identity) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(id.String()))
}
