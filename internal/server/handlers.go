package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Sternrassler/agrocache/pkg/cache"
	"github.com/Sternrassler/agrocache/pkg/ratelimit"
	"github.com/Sternrassler/agrocache/pkg/upstream"
	"github.com/Sternrassler/agrocache/pkg/warmup"
)

// Query parameters of the analysis route. Every other parameter is passed
// through as part of the cache identity.
const (
	paramFieldID   = "field_id"
	paramLatitude  = "lat"
	paramLongitude = "lon"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady fails while the durable tier is configured but unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

var (
	errLatitude  = fmt.Errorf("%s must be a number in [-90, 90]", paramLatitude)
	errLongitude = fmt.Errorf("%s must be a number in [-180, 180]", paramLongitude)
)

func validateIdentity(id cache.Identity) error {
	switch {
	case id.EntityID == "":
		return fmt.Errorf("%s is required", paramFieldID)
	case !within(id.Latitude, 90):
		return errLatitude
	case !within(id.Longitude, 180):
		return errLongitude
	}
	return nil
}

// within reports whether v is a finite number in [-limit, limit].
func within(v, limit float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= -limit && v <= limit
}

// parseIdentity builds the cache identity from the query string.
func parseIdentity(r *http.Request) (cache.Identity, error) {
	q := r.URL.Query()

	id := cache.Identity{EntityID: q.Get(paramFieldID)}
	if id.EntityID == "" {
		return id, fmt.Errorf("%s is required", paramFieldID)
	}

	lat, err := strconv.ParseFloat(q.Get(paramLatitude), 64)
	if err != nil {
		return id, errLatitude
	}
	lon, err := strconv.ParseFloat(q.Get(paramLongitude), 64)
	if err != nil {
		return id, errLongitude
	}
	id.Latitude, id.Longitude = lat, lon
	if err := validateIdentity(id); err != nil {
		return id, err
	}

	for key, values := range q {
		if key == paramFieldID || key == paramLatitude || key == paramLongitude || len(values) == 0 {
			continue
		}
		if id.Params == nil {
			id.Params = make(map[string]string)
		}
		id.Params[key] = values[0]
	}
	return id, nil
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := parseIdentity(r)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}

	payload, cached, err := s.coordinator.GetOrCompute(r.Context(), id, func(ctx context.Context) (json.RawMessage, error) {
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}
		return s.provider.Fetch(ctx, id)
	})
	if err != nil {
		s.writeComputeError(w, r, id, err)
		return
	}

	cacheStatus := "MISS"
	if cached {
		cacheStatus = "HIT"
	}
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("X-Fingerprint", id.Fingerprint())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) writeComputeError(w http.ResponseWriter, r *http.Request, id cache.Identity, err error) {
	s.logger.Error().
		Err(err).
		Str("request_id", RequestIDFromContext(r.Context())).
		Str("entity_id", id.EntityID).
		Msg("Analysis computation failed")

	switch {
	case upstream.IsClientError(err):
		writeProblem(w, r, http.StatusUnprocessableEntity, "Analysis Rejected", "the analytics provider rejected the request")
	case errors.Is(err, upstream.ErrQuotaExhausted):
		writeProblem(w, r, http.StatusServiceUnavailable, "Provider Quota Exhausted", "the analytics provider quota is exhausted, retry later")
	case errors.Is(err, context.DeadlineExceeded):
		writeProblem(w, r, http.StatusGatewayTimeout, "Provider Timeout", "the analytics provider did not answer in time")
	default:
		writeProblem(w, r, http.StatusBadGateway, "Provider Error", "the analytics provider request failed")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleClientStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.ClientStats(chi.URLParam(r, "clientID")))
}

func (s *Server) handleResetClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientID")
	reset := s.limiter.ResetClient(id)
	writeJSON(w, http.StatusOK, map[string]any{"client_id": id, "reset": reset})
}

func (s *Server) handleResetAll(w http.ResponseWriter, _ *http.Request) {
	s.limiter.ResetAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Limits())
}

func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	var cfg ratelimit.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Invalid Request", "invalid json")
		return
	}
	if err := s.limiter.UpdateLimits(cfg); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Invalid Limits", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.limiter.Limits())
}

func (s *Server) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	s.stats.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	memoryRemoved, durableRemoved, err := s.coordinator.Cleanup(r.Context())
	if err != nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "Cleanup Failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memory_removed":  memoryRemoved,
		"durable_removed": durableRemoved,
	})
}

type warmRequest struct {
	Identities []cache.Identity `json:"identities"`
}

func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Invalid Request", "invalid json")
		return
	}
	if len(req.Identities) == 0 {
		writeProblem(w, r, http.StatusBadRequest, "Invalid Request", warmup.ErrEmptyBatch.Error())
		return
	}
	if len(req.Identities) > s.warmer.MaxBatchSize() {
		writeProblem(w, r, http.StatusBadRequest, "Invalid Request",
			fmt.Sprintf("at most %d identities per request", s.warmer.MaxBatchSize()))
		return
	}
	for i, id := range req.Identities {
		if err := validateIdentity(id); err != nil {
			writeProblem(w, r, http.StatusBadRequest, "Invalid Request", fmt.Sprintf("identities[%d]: %v", i, err))
			return
		}
	}

	summary, err := s.warmer.Warm(r.Context(), req.Identities)
	if err != nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "Warm-up Interrupted", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
