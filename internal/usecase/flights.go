// Package usecase wires the scheduler, the contest-site client and the
// flight-logging client into the operations the HTTP layer exposes.
package usecase

import (
	"context"
	"fmt"

	"github.com/glideops/flightbridge/internal/adapter/ucs"
	"github.com/glideops/flightbridge/internal/domain"
	"github.com/glideops/flightbridge/internal/service/drr"
)

// FlightsService serves flight-book listings through the fair-share
// scheduler so one user paging through twenty seasons cannot starve
// everyone else.
type FlightsService struct {
	sessions *ucs.Manager
	sched    *drr.Scheduler
}

func NewFlightsService(sessions *ucs.Manager, sched *drr.Scheduler) *FlightsService {
	return &FlightsService{sessions: sessions, sched: sched}
}

// FetchFlights lists the contest-site flights for userID. The work is
// enqueued under the same userID, so listing and uploading share one
// fairness budget. endYear zero means the current year.
func (s *FlightsService) FetchFlights(ctx context.Context, userID int64, startYear, endYear int) ([]domain.Flight, error) {
	if userID <= 0 || startYear == 0 {
		return nil, fmt.Errorf("%w: fill the user id and start year", domain.ErrInvalidArgument)
	}
	session, err := s.sessions.DefaultSession()
	if err != nil {
		return nil, err
	}

	handle := s.sched.EnqueueOne(userID, func(ctx context.Context) (any, error) {
		return session.ListFlights(ctx, userID, startYear, endYear, true)
	}, 1)
	v, err := handle.Await(ctx)
	if err != nil {
		return nil, err
	}
	flights, ok := v.([]domain.Flight)
	if !ok {
		return nil, fmt.Errorf("op=usecase.FetchFlights: %w: unexpected task result", domain.ErrInternal)
	}
	return flights, nil
}
