package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for admission control.
var (
	rateLimitChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agro_rate_limit_checks_total",
		Help: "Total admission checks by result",
	}, []string{"result"}) // "allowed", "minute_limit_exceeded", "hour_limit_exceeded"

	rateLimitActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agro_rate_limit_active_clients",
		Help: "Number of clients with request history in the last hour",
	})
)

// clientWindow holds one client's request instants per window, oldest first.
type clientWindow struct {
	minute []time.Time
	hour   []time.Time
}

// prune drops timestamps that are a full window or more before now.
func (w *clientWindow) prune(now time.Time) {
	w.minute = pruneBefore(w.minute, now.Add(-MinuteWindow))
	w.hour = pruneBefore(w.hour, now.Add(-HourWindow))
}

func (w *clientWindow) empty() bool {
	return len(w.minute) == 0 && len(w.hour) == 0
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	// Copy down so the backing array does not grow without bound.
	n := copy(ts, ts[i:])
	return ts[:n]
}

// Limiter tracks per-client request timestamps and admits or rejects requests.
//
// One mutex guards all client state, so the check-then-record step is atomic
// for every client of this limiter.
type Limiter struct {
	mu       sync.Mutex
	clients  map[string]*clientWindow
	cfg      Config
	admitted int64
	blocked  int64

	clock  clockwork.Clock
	logger zerolog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the clock used by IsAllowed and the stats queries.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger sets the limiter logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a limiter. Invalid limits fall back to the defaults.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	if cfg.MaxRequestsPerHour <= 0 {
		cfg.MaxRequestsPerHour = DefaultMaxRequestsPerHour
	}

	l := &Limiter{
		clients: make(map[string]*clientWindow),
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsAllowed checks clientID against both windows at the current time.
func (l *Limiter) IsAllowed(clientID string) Decision {
	return l.Check(clientID, l.clock.Now())
}

// Check checks clientID against both windows at now. An admitted request is
// recorded in both windows; a rejected one is not recorded.
func (l *Limiter) Check(clientID string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[clientID]
	if !ok {
		w = &clientWindow{}
		l.clients[clientID] = w
	}
	w.prune(now)

	minuteLimit := l.cfg.MaxRequestsPerMinute
	hourLimit := l.cfg.MaxRequestsPerHour

	if len(w.minute) >= minuteLimit {
		return l.reject(clientID, w, ReasonMinuteLimitExceeded, minuteLimit, now, w.minute[0].Add(MinuteWindow))
	}
	if len(w.hour) >= hourLimit {
		return l.reject(clientID, w, ReasonHourLimitExceeded, hourLimit, now, w.hour[0].Add(HourWindow))
	}

	w.minute = append(w.minute, now)
	w.hour = append(w.hour, now)
	l.admitted++
	rateLimitChecksTotal.WithLabelValues("allowed").Inc()

	return Decision{
		Allowed:         true,
		Limit:           minuteLimit,
		MinuteRemaining: minuteLimit - len(w.minute),
		HourRemaining:   hourLimit - len(w.hour),
	}
}

// reject must be called with l.mu held.
func (l *Limiter) reject(clientID string, w *clientWindow, reason Reason, limit int, now, resetAt time.Time) Decision {
	if resetAt.Before(now) {
		resetAt = now
	}
	resetIn := resetAt.Sub(now)
	l.blocked++
	rateLimitChecksTotal.WithLabelValues(string(reason)).Inc()

	l.logger.Warn().
		Str("client_id", clientID).
		Str("reason", string(reason)).
		Int("limit", limit).
		Dur("reset_in", resetIn).
		Msg("Request rejected by rate limiter")

	return Decision{
		Allowed:         false,
		Reason:          reason,
		Limit:           limit,
		ResetIn:         resetIn,
		ResetAt:         resetAt,
		ResetInSeconds:  int(math.Ceil(resetIn.Seconds())),
		MinuteRemaining: max(l.cfg.MaxRequestsPerMinute-len(w.minute), 0),
		HourRemaining:   max(l.cfg.MaxRequestsPerHour-len(w.hour), 0),
	}
}

// UpdateLimits replaces both limits for all subsequent checks. Recorded
// history is kept.
func (l *Limiter) UpdateLimits(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	old := l.cfg
	l.cfg = cfg
	l.mu.Unlock()

	l.logger.Info().
		Int("old_per_minute", old.MaxRequestsPerMinute).
		Int("old_per_hour", old.MaxRequestsPerHour).
		Int("per_minute", cfg.MaxRequestsPerMinute).
		Int("per_hour", cfg.MaxRequestsPerHour).
		Msg("Rate limits updated")
	return nil
}

// Limits returns the current limits.
func (l *Limiter) Limits() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// ResetClient clears one client's history. It reports whether the client
// had tracked history.
func (l *Limiter) ResetClient(clientID string) bool {
	l.mu.Lock()
	_, ok := l.clients[clientID]
	delete(l.clients, clientID)
	l.mu.Unlock()

	if ok {
		l.logger.Info().Str("client_id", clientID).Msg("Rate limit history reset for client")
	}
	return ok
}

// ResetAll clears every client and zeroes the global counters.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	l.clients = make(map[string]*clientWindow)
	l.admitted = 0
	l.blocked = 0
	l.mu.Unlock()

	rateLimitActiveClients.Set(0)
	l.logger.Info().Msg("Rate limit history reset for all clients")
}

// ResetCounters zeroes the global counters but keeps client history.
func (l *Limiter) ResetCounters() {
	l.mu.Lock()
	l.admitted = 0
	l.blocked = 0
	l.mu.Unlock()
}

// ClientStats returns a pruned view of clientID at the current time.
// Unknown clients report zero usage and full quotas.
func (l *Limiter) ClientStats(clientID string) ClientStats {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	stats := ClientStats{
		ClientID:             clientID,
		MaxRequestsPerMinute: l.cfg.MaxRequestsPerMinute,
		MaxRequestsPerHour:   l.cfg.MaxRequestsPerHour,
		MinuteRemaining:      l.cfg.MaxRequestsPerMinute,
		HourRemaining:        l.cfg.MaxRequestsPerHour,
	}

	w, ok := l.clients[clientID]
	if !ok {
		return stats
	}
	w.prune(now)

	stats.RequestsLastMinute = len(w.minute)
	stats.RequestsLastHour = len(w.hour)
	stats.MinuteRemaining = max(l.cfg.MaxRequestsPerMinute-len(w.minute), 0)
	stats.HourRemaining = max(l.cfg.MaxRequestsPerHour-len(w.hour), 0)
	return stats
}

// GlobalStats prunes every client, drops clients with no remaining history
// and returns the aggregate counters.
func (l *Limiter) GlobalStats() GlobalStats {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, w := range l.clients {
		w.prune(now)
		if w.empty() {
			delete(l.clients, id)
		}
	}
	rateLimitActiveClients.Set(float64(len(l.clients)))

	return GlobalStats{
		TotalRequests:   l.admitted,
		BlockedRequests: l.blocked,
		ActiveClients:   len(l.clients),
		BlockRate:       blockRate(l.admitted, l.blocked),
		Limits:          l.cfg,
	}
}
