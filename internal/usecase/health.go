package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/glideops/flightbridge/internal/adapter/cache"
	"github.com/glideops/flightbridge/internal/adapter/ucs"
	"github.com/glideops/flightbridge/internal/domain"
	"github.com/glideops/flightbridge/internal/service/drr"
)

const (
	// The probe exercises a known public flight book and a known
	// download reference with the fallback credentials.
	probeUserID    = 83040
	probeYear      = 2023
	probeFlightRef = -348283551

	probeTTL     = 10 * time.Minute
	probeTimeout = 20 * time.Second
)

// ProbeResult reports whether the two upstream paths work.
type ProbeResult struct {
	FetchFlights bool `json:"fetch_flights"`
	FetchIGC     bool `json:"fetch_igc"`
}

func (p ProbeResult) Healthy() bool { return p.FetchFlights && p.FetchIGC }

// LoadReport is the scheduler state exposed alongside the probe.
type LoadReport struct {
	Inflight int `json:"inflight"`
	Cap      int `json:"cap"`
}

type ServiceTimeReport struct {
	Mean *float64 `json:"mean"`
	P50  *float64 `json:"p50"`
	P90  *float64 `json:"p90"`
}

// StatusReport is the full /status payload.
type StatusReport struct {
	ProbeResult
	UpstreamLoad   LoadReport        `json:"upstream_load"`
	ServiceTimeSec ServiceTimeReport `json:"service_time_sec"`
	ActiveUsers    int               `json:"active_users"`
}

// HealthService probes the contest site with throwaway reads. The
// probe result is memoized for ten minutes in process memory so health
// polling cannot hammer the upstream.
type HealthService struct {
	sessions *ucs.Manager
	sched    *drr.Scheduler
	memo     domain.Cache
}

func NewHealthService(sessions *ucs.Manager, sched *drr.Scheduler) *HealthService {
	return &HealthService{sessions: sessions, sched: sched, memo: cache.NewMemory()}
}

// Probe checks the flight-book listing and the IGC download path. A
// failed path is reported, not returned as an error, so a sick
// upstream still yields a diagnosable payload.
func (h *HealthService) Probe(ctx context.Context) (ProbeResult, error) {
	return cache.Through(ctx, h.memo, "app_status", probeTTL, func(ctx context.Context) (ProbeResult, error) {
		var result ProbeResult
		session, err := h.sessions.DefaultSession()
		if err != nil {
			return result, err
		}

		listCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		flights, err := session.ListFlights(listCtx, probeUserID, probeYear, probeYear, false)
		if err != nil {
			slog.Warn("health probe: flight listing failed", slog.String("error", err.Error()))
		}
		result.FetchFlights = err == nil && len(flights) > 0

		if _, err := session.FetchIGC(ctx, probeFlightRef, true); err != nil {
			slog.Warn("health probe: igc download failed", slog.String("error", err.Error()))
		} else {
			result.FetchIGC = true
		}
		return result, nil
	})
}

// Status augments the probe with the scheduler's live load figures.
func (h *HealthService) Status(ctx context.Context) (StatusReport, error) {
	probe, err := h.Probe(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	inflight, capacity := h.sched.GlobalLoad()
	mean, p50, p90 := h.sched.ServiceTimes()
	return StatusReport{
		ProbeResult:    probe,
		UpstreamLoad:   LoadReport{Inflight: inflight, Cap: capacity},
		ServiceTimeSec: ServiceTimeReport{Mean: mean, P50: p50, P90: p90},
		ActiveUsers:    h.sched.ActiveUserCount(),
	}, nil
}
