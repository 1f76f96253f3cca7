package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/Sternrassler/agrocache/pkg/ratelimit"
)

// HeaderClientID identifies the caller for rate limiting when
// Config.TrustClientIDHeader is set. Otherwise callers are limited by remote IP.
const HeaderClientID = "X-Client-ID"

const rateLimitProblemType = "https://agrocache.dev/errors/rate-limit-exceeded"

// ProblemDetails is an RFC 9457 error payload.
type ProblemDetails struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
	RequestID  string `json:"request_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// clientID returns the rate limit key for r.
func (s *Server) clientID(r *http.Request) string {
	if s.cfg.TrustClientIDHeader {
		if id := r.Header.Get(HeaderClientID); id != "" {
			return id
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit admits or rejects the request before any expensive work runs.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.limiter.IsAllowed(s.clientID(r))
		applyRateLimitHeaders(w, decision)

		if !decision.Allowed {
			writeRateLimited(w, r, decision)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func applyRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))

	remaining := d.MinuteRemaining
	if d.Reason == ratelimit.ReasonHourLimitExceeded || d.HourRemaining < remaining {
		remaining = d.HourRemaining
	}
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))

	if !d.Allowed {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		h.Set("Retry-After", strconv.Itoa(d.ResetInSeconds))
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, d ratelimit.Decision) {
	problem := ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      "Rate Limit Exceeded",
		Status:     http.StatusTooManyRequests,
		Detail:     fmt.Sprintf("Too many requests. Try again in %d seconds.", d.ResetInSeconds),
		Instance:   r.URL.Path,
		RequestID:  RequestIDFromContext(r.Context()),
		Reason:     string(d.Reason),
		RetryAfter: d.ResetInSeconds,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeProblem writes a generic problem+json error.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := ProblemDetails{
		Type:      "about:blank",
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: RequestIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
