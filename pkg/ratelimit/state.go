// Package ratelimit implements per-client admission control over two sliding
// windows (a short per-minute and a long per-hour window).
//
// State is process-local: clients are not shared across replicas.
package ratelimit

import (
	"fmt"
	"time"
)

// Default limits and window lengths.
const (
	DefaultMaxRequestsPerMinute = 60
	DefaultMaxRequestsPerHour   = 1000

	MinuteWindow = time.Minute
	HourWindow   = time.Hour
)

// Reason explains a rejected request.
type Reason string

const (
	// ReasonNone is set on admitted requests.
	ReasonNone Reason = ""

	// ReasonMinuteLimitExceeded rejects a client over the short window limit.
	ReasonMinuteLimitExceeded Reason = "minute_limit_exceeded"

	// ReasonHourLimitExceeded rejects a client over the long window limit.
	ReasonHourLimitExceeded Reason = "hour_limit_exceeded"
)

// Config holds the limiter's per-client limits.
type Config struct {
	// MaxRequestsPerMinute is the number of requests a client may make in any 60s window.
	MaxRequestsPerMinute int `json:"max_requests_per_minute"`

	// MaxRequestsPerHour is the number of requests a client may make in any 3600s window.
	MaxRequestsPerHour int `json:"max_requests_per_hour"`
}

// DefaultConfig returns the default limits (60/minute, 1000/hour).
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
		MaxRequestsPerHour:   DefaultMaxRequestsPerHour,
	}
}

// Validate checks the limits are positive.
func (c Config) Validate() error {
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("max_requests_per_minute must be > 0 (got %d)", c.MaxRequestsPerMinute)
	}
	if c.MaxRequestsPerHour <= 0 {
		return fmt.Errorf("max_requests_per_hour must be > 0 (got %d)", c.MaxRequestsPerHour)
	}
	return nil
}

// Decision is the outcome of an admission check.
// A rejection is an expected result, not an error.
type Decision struct {
	// Allowed reports whether the request was admitted and recorded.
	Allowed bool `json:"allowed"`

	// Reason is set when Allowed is false.
	Reason Reason `json:"reason,omitempty"`

	// Limit is the limit of the window that rejected the request, or the
	// minute limit when admitted.
	Limit int `json:"limit"`

	// ResetIn is how long until the rejecting window frees a slot.
	ResetIn time.Duration `json:"-"`

	// ResetAt is the limiter clock's now plus ResetIn.
	ResetAt time.Time `json:"-"`

	// ResetInSeconds is ResetIn rounded up to whole seconds.
	ResetInSeconds int `json:"reset_in_seconds,omitempty"`

	// MinuteRemaining and HourRemaining are the quotas left after this check.
	MinuteRemaining int `json:"minute_remaining"`
	HourRemaining   int `json:"hour_remaining"`
}

// ClientStats is a freshly pruned view of one client.
type ClientStats struct {
	ClientID             string `json:"client_id"`
	RequestsLastMinute   int    `json:"requests_last_minute"`
	RequestsLastHour     int    `json:"requests_last_hour"`
	MinuteRemaining      int    `json:"minute_remaining"`
	HourRemaining        int    `json:"hour_remaining"`
	MaxRequestsPerMinute int    `json:"max_requests_per_minute"`
	MaxRequestsPerHour   int    `json:"max_requests_per_hour"`
}

// GlobalStats aggregates all clients. Counters are for reporting only.
type GlobalStats struct {
	TotalRequests   int64   `json:"total_requests"`
	BlockedRequests int64   `json:"blocked_requests"`
	ActiveClients   int     `json:"active_clients"`
	BlockRate       float64 `json:"block_rate_percent"`
	Limits          Config  `json:"limits"`
}

// blockRate returns blocked / (admitted + blocked) as a percentage.
func blockRate(admitted, blocked int64) float64 {
	total := admitted + blocked
	if total == 0 {
		return 0
	}
	return float64(blocked) / float64(total) * 100
}
