package upstream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Provider quota headers.
const (
	HeaderQuotaRemaining = "X-RateLimit-Remaining"
	HeaderQuotaReset     = "X-RateLimit-Reset"
)

// Quota thresholds (requests remaining in the provider's window).
const (
	// QuotaThresholdHealthy and above is normal operation.
	QuotaThresholdHealthy = 50

	// QuotaThresholdWarning and below throttles outgoing requests.
	QuotaThresholdWarning = 20

	// Below QuotaThresholdCritical outgoing requests are refused until reset.
	QuotaThresholdCritical = 5
)

// QuotaState is the last quota the provider reported.
type QuotaState struct {
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	LastUpdate time.Time `json:"last_update"`
	IsHealthy  bool      `json:"is_healthy"`
}

// UpdateHealth recomputes IsHealthy from Remaining.
func (s *QuotaState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= QuotaThresholdHealthy
}

// NeedsCriticalBlock reports whether requests must be refused.
func (s *QuotaState) NeedsCriticalBlock() bool {
	return s.Remaining < QuotaThresholdCritical
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *QuotaState) NeedsThrottling() bool {
	return s.Remaining <= QuotaThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the time until the provider window resets, or 0.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	if d := s.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// QuotaTracker follows the provider's quota headers and gates outgoing
// requests. State is process-local.
type QuotaTracker struct {
	mu            sync.Mutex
	state         *QuotaState
	throttleDelay time.Duration
	clock         clockwork.Clock
	logger        zerolog.Logger
}

// NewQuotaTracker creates a tracker that assumes a healthy quota until the
// provider reports otherwise.
func NewQuotaTracker(clock clockwork.Clock, throttleDelay time.Duration, logger zerolog.Logger) *QuotaTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &QuotaTracker{
		throttleDelay: throttleDelay,
		clock:         clock,
		logger:        logger,
	}
}

// State returns a copy of the current quota state.
func (t *QuotaTracker) State() QuotaState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current()
}

// current must be called with t.mu held.
func (t *QuotaTracker) current() QuotaState {
	now := t.clock.Now()
	if t.state == nil || !now.Before(t.state.ResetAt) {
		// No report yet, or the reported window has reset.
		return QuotaState{
			Remaining:  100,
			ResetAt:    now.Add(60 * time.Second),
			LastUpdate: now,
			IsHealthy:  true,
		}
	}
	return *t.state
}

// UpdateFromHeaders parses the provider's quota headers. Responses without
// them leave the state unchanged.
func (t *QuotaTracker) UpdateFromHeaders(headers http.Header) error {
	remainStr := headers.Get(HeaderQuotaRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderQuotaRemaining, err)
	}

	resetStr := headers.Get(HeaderQuotaReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderQuotaReset)
	}
	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderQuotaReset, err)
	}

	now := t.clock.Now()
	state := &QuotaState{
		Remaining:  remain,
		ResetAt:    now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate: now,
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()

	upstreamQuotaRemaining.Set(float64(remain))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Provider quota CRITICAL - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Provider quota WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Provider quota updated")
	}
	return nil
}

// Wait gates one outgoing request. It returns ErrQuotaExhausted while the
// quota is critical and sleeps for the throttle delay while it is low.
func (t *QuotaTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	state := t.current()
	t.mu.Unlock()

	if state.NeedsCriticalBlock() {
		wait := state.TimeUntilReset(t.clock.Now())
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("Provider quota critical - blocking request")
		upstreamQuotaBlocksTotal.Inc()
		return fmt.Errorf("%w: resets in %s", ErrQuotaExhausted, wait.Round(time.Second))
	}

	if state.NeedsThrottling() && t.throttleDelay > 0 {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Provider quota low - throttling request")
		upstreamQuotaThrottlesTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(t.throttleDelay):
		}
	}
	return nil
}
