package ratelimit

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var testStart = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestLimiter(perMinute, perHour int) (*Limiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testStart)
	return New(Config{MaxRequestsPerMinute: perMinute, MaxRequestsPerHour: perHour}, WithClock(clock)), clock
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	if got := l.Limits(); got != DefaultConfig() {
		t.Errorf("Limits() = %+v, want %+v", got, DefaultConfig())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultConfig()},
		{name: "zero minute", cfg: Config{MaxRequestsPerMinute: 0, MaxRequestsPerHour: 10}, wantErr: true},
		{name: "negative hour", cfg: Config{MaxRequestsPerMinute: 10, MaxRequestsPerHour: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLimiter_MinuteLimitExactness(t *testing.T) {
	l, _ := newTestLimiter(5, 1000)

	for i := 1; i <= 5; i++ {
		d := l.IsAllowed("client-a")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.MinuteRemaining != 5-i {
			t.Errorf("request %d: MinuteRemaining = %d, want %d", i, d.MinuteRemaining, 5-i)
		}
	}

	d := l.IsAllowed("client-a")
	if d.Allowed {
		t.Fatal("6th request should be rejected")
	}
	if d.Reason != ReasonMinuteLimitExceeded {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonMinuteLimitExceeded)
	}
	if d.Limit != 5 {
		t.Errorf("Limit = %d, want 5", d.Limit)
	}
	if d.ResetInSeconds != 60 {
		t.Errorf("ResetInSeconds = %d, want 60", d.ResetInSeconds)
	}

	// Other clients are unaffected.
	if !l.IsAllowed("client-b").Allowed {
		t.Error("fresh client should be allowed")
	}
}

func TestLimiter_ResetInFromOldestTimestamp(t *testing.T) {
	l, clock := newTestLimiter(2, 1000)

	l.IsAllowed("c")
	clock.Advance(10*time.Second + 500*time.Millisecond)
	l.IsAllowed("c")

	d := l.IsAllowed("c")
	if d.Allowed {
		t.Fatal("expected rejection")
	}
	// Oldest request leaves the window 49.5s from now; rounded up.
	if d.ResetIn != 49500*time.Millisecond {
		t.Errorf("ResetIn = %v, want 49.5s", d.ResetIn)
	}
	if d.ResetInSeconds != 50 {
		t.Errorf("ResetInSeconds = %d, want 50", d.ResetInSeconds)
	}
	if want := testStart.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestLimiter_HourLimit(t *testing.T) {
	l, clock := newTestLimiter(10, 3)

	for i := 0; i < 3; i++ {
		if !l.IsAllowed("c").Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		clock.Advance(2 * time.Minute)
	}

	d := l.IsAllowed("c")
	if d.Allowed {
		t.Fatal("request over hour limit should be rejected")
	}
	if d.Reason != ReasonHourLimitExceeded {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonHourLimitExceeded)
	}
	if want := 54 * 60; d.ResetInSeconds != want {
		t.Errorf("ResetInSeconds = %d, want %d", d.ResetInSeconds, want)
	}
}

func TestLimiter_WindowPruning(t *testing.T) {
	l, clock := newTestLimiter(3, 5)

	for i := 0; i < 3; i++ {
		l.IsAllowed("c")
	}
	if l.IsAllowed("c").Allowed {
		t.Fatal("expected minute rejection")
	}

	// A timestamp exactly one window old is pruned.
	clock.Advance(MinuteWindow)

	d := l.IsAllowed("c")
	if !d.Allowed {
		t.Fatal("request after minute window should be allowed")
	}
	if d.HourRemaining != 1 {
		t.Errorf("HourRemaining = %d, want 1 (hour window still holds earlier requests)", d.HourRemaining)
	}

	stats := l.ClientStats("c")
	if stats.RequestsLastMinute != 1 || stats.RequestsLastHour != 4 {
		t.Errorf("stats = %+v, want 1 in minute, 4 in hour", stats)
	}

	l.IsAllowed("c")
	clock.Advance(MinuteWindow)
	if d := l.IsAllowed("c"); d.Allowed || d.Reason != ReasonHourLimitExceeded {
		t.Errorf("expected hour rejection, got %+v", d)
	}

	clock.Advance(HourWindow)
	if !l.IsAllowed("c").Allowed {
		t.Error("request after hour window should be allowed")
	}
}

func TestLimiter_RejectionNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(1, 1000)

	l.IsAllowed("c")
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		l.IsAllowed("c")
	}

	if got := l.ClientStats("c").RequestsLastHour; got != 1 {
		t.Errorf("RequestsLastHour = %d, rejected requests must not be recorded", got)
	}
}

func TestLimiter_ConcurrentAdmission(t *testing.T) {
	const limit = 50
	l, _ := newTestLimiter(limit, 1000)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.IsAllowed("shared").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("admitted %d requests, want exactly %d", got, limit)
	}

	stats := l.GlobalStats()
	if stats.TotalRequests != limit || stats.BlockedRequests != limit {
		t.Errorf("GlobalStats = %+v", stats)
	}
}

func TestLimiter_ResetClient(t *testing.T) {
	l, _ := newTestLimiter(2, 1000)

	l.IsAllowed("c")
	l.IsAllowed("c")
	if l.IsAllowed("c").Allowed {
		t.Fatal("expected rejection after exhausting quota")
	}

	if !l.ResetClient("c") {
		t.Error("ResetClient should report tracked history")
	}
	if !l.IsAllowed("c").Allowed {
		t.Error("request after ResetClient should be allowed")
	}

	if l.ResetClient("unknown") {
		t.Error("ResetClient on unknown client should return false")
	}
}

func TestLimiter_ResetAll(t *testing.T) {
	l, _ := newTestLimiter(1, 1000)

	l.IsAllowed("a")
	l.IsAllowed("a")
	l.IsAllowed("b")

	l.ResetAll()

	stats := l.GlobalStats()
	if stats.TotalRequests != 0 || stats.BlockedRequests != 0 || stats.ActiveClients != 0 {
		t.Errorf("GlobalStats after ResetAll = %+v", stats)
	}
	if !l.IsAllowed("a").Allowed {
		t.Error("client should be allowed after ResetAll")
	}
}

func TestLimiter_ResetCountersKeepsHistory(t *testing.T) {
	l, _ := newTestLimiter(1, 1000)

	l.IsAllowed("a")
	l.IsAllowed("a")
	l.ResetCounters()

	stats := l.GlobalStats()
	if stats.TotalRequests != 0 || stats.BlockedRequests != 0 {
		t.Errorf("counters not reset: %+v", stats)
	}
	if stats.ActiveClients != 1 {
		t.Errorf("ActiveClients = %d, want 1", stats.ActiveClients)
	}
	if l.IsAllowed("a").Allowed {
		t.Error("client history must survive ResetCounters")
	}
}

func TestLimiter_UpdateLimits(t *testing.T) {
	var logs bytes.Buffer
	clock := clockwork.NewFakeClockAt(testStart)
	l := New(Config{MaxRequestsPerMinute: 2, MaxRequestsPerHour: 100}, WithClock(clock), WithLogger(zerolog.New(&logs)))

	l.IsAllowed("c")
	l.IsAllowed("c")
	if l.IsAllowed("c").Allowed {
		t.Fatal("expected rejection at old limit")
	}

	if err := l.UpdateLimits(Config{MaxRequestsPerMinute: 4, MaxRequestsPerHour: 100}); err != nil {
		t.Fatalf("UpdateLimits failed: %v", err)
	}
	if !bytes.Contains(logs.Bytes(), []byte("Rate limits updated")) {
		t.Error("expected limit update to be logged")
	}

	// Existing history counts against the new limit.
	if d := l.IsAllowed("c"); !d.Allowed || d.MinuteRemaining != 1 {
		t.Errorf("after raising limit: %+v", d)
	}

	if err := l.UpdateLimits(Config{MaxRequestsPerMinute: 0, MaxRequestsPerHour: 100}); err == nil {
		t.Error("UpdateLimits should reject invalid limits")
	}
	if got := l.Limits().MaxRequestsPerMinute; got != 4 {
		t.Errorf("invalid update must not apply, MaxRequestsPerMinute = %d", got)
	}
}

func TestLimiter_ClientStatsUnknownClient(t *testing.T) {
	l, _ := newTestLimiter(5, 50)

	stats := l.ClientStats("nobody")
	if stats.RequestsLastMinute != 0 || stats.MinuteRemaining != 5 || stats.HourRemaining != 50 {
		t.Errorf("unexpected stats for unknown client: %+v", stats)
	}
}

func TestLimiter_GlobalStatsCollectsIdleClients(t *testing.T) {
	l, clock := newTestLimiter(1, 1000)

	l.IsAllowed("a")
	l.IsAllowed("a")
	l.IsAllowed("b")

	stats := l.GlobalStats()
	if stats.ActiveClients != 2 {
		t.Errorf("ActiveClients = %d, want 2", stats.ActiveClients)
	}
	if stats.BlockRate < 33.3 || stats.BlockRate > 33.4 {
		t.Errorf("BlockRate = %v, want ~33.3", stats.BlockRate)
	}

	clock.Advance(HourWindow)
	stats = l.GlobalStats()
	if stats.ActiveClients != 0 {
		t.Errorf("ActiveClients after hour = %d, want 0", stats.ActiveClients)
	}

	l.mu.Lock()
	tracked := len(l.clients)
	l.mu.Unlock()
	if tracked != 0 {
		t.Errorf("idle clients should be removed from the map, %d left", tracked)
	}
}

func TestBlockRate(t *testing.T) {
	tests := []struct {
		admitted, blocked int64
		want              float64
	}{
		{0, 0, 0},
		{10, 0, 0},
		{0, 4, 100},
		{3, 1, 25},
	}

	for _, tt := range tests {
		if got := blockRate(tt.admitted, tt.blocked); got != tt.want {
			t.Errorf("blockRate(%d, %d) = %v, want %v", tt.admitted, tt.blocked, got, tt.want)
		}
	}
}
