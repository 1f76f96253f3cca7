// Package server provides the HTTP surface of agrocache: the cached analysis
// route, the stats and admin routes and the health endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/agrocache/pkg/cache"
	"github.com/Sternrassler/agrocache/pkg/metrics"
	"github.com/Sternrassler/agrocache/pkg/ratelimit"
	"github.com/Sternrassler/agrocache/pkg/warmup"
)

// HeaderRequestID carries the per-request id in both directions.
const HeaderRequestID = "X-Request-ID"

// Provider computes the analysis for an identity on a cache miss.
type Provider interface {
	Fetch(ctx context.Context, id cache.Identity) (json.RawMessage, error)
}

// Config contains server configuration values.
type Config struct {
	// AdminToken protects /admin routes with a bearer token when set.
	AdminToken string

	// RequestTimeout bounds a provider computation. 0 means no extra bound.
	RequestTimeout time.Duration

	// Warmup configures POST /admin/cache/warm.
	Warmup warmup.Config

	// TrustClientIDHeader keys rate limiting on X-Client-ID instead of the
	// remote IP. Only enable it behind a gateway that sets the header.
	TrustClientIDHeader bool

	// TrustProxyHeaders takes the remote IP from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool
}

// Server holds the router and the service objects the handlers use.
type Server struct {
	cfg         Config
	router      *chi.Mux
	coordinator *cache.Coordinator
	limiter     *ratelimit.Limiter
	stats       *metrics.StatsRegistry
	provider    Provider
	warmer      *warmup.Warmer
	logger      zerolog.Logger
}

// New constructs a Server with middleware and routes configured.
func New(cfg Config, coordinator *cache.Coordinator, limiter *ratelimit.Limiter, stats *metrics.StatsRegistry, provider Provider, logger zerolog.Logger) *Server {
	if coordinator == nil || limiter == nil || stats == nil || provider == nil {
		panic("server: coordinator, limiter, stats and provider are required")
	}

	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		coordinator: coordinator,
		limiter:     limiter,
		stats:       stats,
		provider:    provider,
		warmer:      warmup.New(coordinator, provider, cfg.Warmup, logger.With().Str("component", "warmup").Logger()),
		logger:      logger,
	}

	s.router.Use(s.requestID)
	if cfg.TrustProxyHeaders {
		s.router.Use(middleware.RealIP)
	}
	s.router.Use(s.accessLog)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimit).Get("/analysis", s.handleAnalysis)
		r.Get("/stats", s.handleStats)
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/ratelimit/clients/{clientID}", s.handleClientStats)
		r.Delete("/ratelimit/clients/{clientID}", s.handleResetClient)
		r.Delete("/ratelimit/clients", s.handleResetAll)
		r.Get("/ratelimit/limits", s.handleGetLimits)
		r.Put("/ratelimit/limits", s.handleUpdateLimits)
		r.Post("/stats/reset", s.handleResetStats)
		r.Post("/cache/cleanup", s.handleCleanup)
		r.Post("/cache/warm", s.handleWarm)
	})

	return s
}

// Router exposes the root HTTP handler for the server.
func (s *Server) Router() http.Handler { return s.router }

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFromContext returns the request id set by the server middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := s.logger.Debug()
		if status >= 500 {
			event = s.logger.Warn()
		}
		event.
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		want := []byte("Bearer " + s.cfg.AdminToken)
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
