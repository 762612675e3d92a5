package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/glideops/flightbridge/internal/config"
	"github.com/glideops/flightbridge/internal/domain"
	"github.com/glideops/flightbridge/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Flights    *usecase.FlightsService
	Uploads    *usecase.Uploader
	Statuses   *usecase.StatusService
	Health     *usecase.HealthService
	Gliders    domain.GliderMatcher
	CacheCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, flights *usecase.FlightsService, uploads *usecase.Uploader, statuses *usecase.StatusService, health *usecase.HealthService, gliders domain.GliderMatcher, cacheCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Flights: flights, Uploads: uploads, Statuses: statuses, Health: health, Gliders: gliders, CacheCheck: cacheCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// UploadFlightsHandler accepts a batch of flights to push downstream.
// The response is 202: progress is reported via the status endpoint.
func (s *Server) UploadFlightsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
			writeError(w, r, fmt.Errorf("%w: content-type must be application/json", domain.ErrInvalidArgument), nil)
			return
		}
		var req usecase.UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.Uploads.EnqueueUploads(r.Context(), req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("uploads queued",
			"dfs_user_id", req.DFSUserID,
			"flights", len(req.Flights))
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": len(req.Flights)})
	}
}

// UploadStatusHandler reports progress for a comma-separated list of
// flight ids.
func (s *Server) UploadStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("flight_ids")
		if raw == "" {
			writeError(w, r, fmt.Errorf("%w: flight_ids is required", domain.ErrInvalidArgument), nil)
			return
		}
		parts := strings.Split(raw, ",")
		ids := make([]int64, 0, len(parts))
		for _, p := range parts {
			id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: bad flight id %q", domain.ErrInvalidArgument, p), nil)
				return
			}
			ids = append(ids, id)
		}
		statuses, err := s.Statuses.Get(r.Context(), ids)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
	}
}

// FetchFlightsHandler lists a user's contest-site flights.
func (s *Server) FetchFlightsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: fill the user id and start year", domain.ErrInvalidArgument), nil)
			return
		}
		startYear, err := strconv.Atoi(q.Get("start_year"))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: fill the user id and start year", domain.ErrInvalidArgument), nil)
			return
		}
		endYear := 0
		if v := q.Get("end_year"); v != "" {
			endYear, err = strconv.Atoi(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: bad end year %q", domain.ErrInvalidArgument, v), nil)
				return
			}
		}
		flights, err := s.Flights.FetchFlights(r.Context(), userID, startYear, endYear)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, flights)
	}
}

// FindGlidersHandler ranks catalog gliders against a free-form name.
func (s *Server) FindGlidersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, r, fmt.Errorf("%w: name is required", domain.ErrInvalidArgument), nil)
			return
		}
		matches := s.Gliders.FindClosest(name)
		if matches == nil {
			matches = []domain.GliderMatch{}
		}
		writeJSON(w, http.StatusOK, matches)
	}
}

// StatusHandler reports upstream health plus scheduler load. A sick
// upstream yields 500 with the full diagnostic payload.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.Health.Status(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, report)
	}
}

// StatusHeadHandler is the probe-only variant for external monitors.
func (s *Server) StatusHeadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probe, err := s.Health.Probe(r.Context())
		if err != nil || !probe.Healthy() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler checks the cache backend.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.CacheCheck != nil {
			if err := s.CacheCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "cache unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
