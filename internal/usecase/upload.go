package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/semaphore"

	"github.com/glideops/flightbridge/internal/adapter/dfs"
	"github.com/glideops/flightbridge/internal/adapter/observability"
	"github.com/glideops/flightbridge/internal/adapter/ucs"
	"github.com/glideops/flightbridge/internal/domain"
	"github.com/glideops/flightbridge/internal/service/drr"
)

// uploadSlots caps concurrent transfers to the flight-logging service
// across all users. The scheduler already bounds total inflight work;
// this protects the downstream specifically.
const defaultUploadSlots = 2

// UploadRequest is one batch of flights to push downstream for a
// single user.
type UploadRequest struct {
	DFSUserID   int64           `json:"weglide_user_id" validate:"required,gt=0"`
	DateOfBirth string          `json:"weglide_dateofbirth" validate:"required"`
	UCSUser     string          `json:"olc_user" validate:"required"`
	UCSPassword string          `json:"olc_password" validate:"required"`
	Flights     []domain.Flight `json:"flights" validate:"required,min=1,dive"`
}

// Uploader runs the per-flight pipeline: resolve the download ref,
// fetch the IGC, push it downstream, then patch aircraft details and
// the pilot comment onto the new flight.
type Uploader struct {
	sessions *ucs.Manager
	client   *dfs.Client
	statuses domain.StatusStore
	sched    *drr.Scheduler
	slots    *semaphore.Weighted
	viewBase string
}

func NewUploader(sessions *ucs.Manager, client *dfs.Client, statuses domain.StatusStore, sched *drr.Scheduler, slots int64) *Uploader {
	if slots <= 0 {
		slots = defaultUploadSlots
	}
	return &Uploader{
		sessions: sessions,
		client:   client,
		statuses: statuses,
		sched:    sched,
		slots:    semaphore.NewWeighted(slots),
		viewBase: "https://www.weglide.org/flight/",
	}
}

// EnqueueUploads resets the status of every flight in the batch and
// hands the uploads to the scheduler under the requesting user's key.
// It returns as soon as everything is queued; progress is reported
// through the status store.
func (u *Uploader) EnqueueUploads(ctx context.Context, req UploadRequest) error {
	if len(req.Flights) == 0 {
		return fmt.Errorf("%w: no flights selected", domain.ErrInvalidArgument)
	}
	// Reject bad contest-site credentials before queueing anything.
	session, err := u.sessions.Session(req.UCSUser, req.UCSPassword)
	if err != nil {
		return err
	}

	for _, flight := range req.Flights {
		flight := flight
		flightID, err := strconv.ParseInt(flight.ID, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad flight id %q", domain.ErrInvalidArgument, flight.ID)
		}
		if err := u.statuses.Set(ctx, flightID, "Pending", "processing"); err != nil {
			slog.Warn("status write failed", slog.Int64("flight_id", flightID), slog.String("error", err.Error()))
		}
		u.sched.EnqueueOne(req.DFSUserID, func(ctx context.Context) (any, error) {
			u.uploadOne(ctx, session, flight, flightID, req)
			return nil, nil
		}, 1)
	}
	return nil
}

func (u *Uploader) setStatus(ctx context.Context, flightID int64, result, status string) {
	if err := u.statuses.Set(ctx, flightID, result, status); err != nil {
		slog.Warn("status write failed", slog.Int64("flight_id", flightID), slog.String("error", err.Error()))
	}
}

// uploadOne drives one flight through the pipeline. Every exit path
// leaves a user-readable record in the status store; errors are
// reported there, not returned, because nobody awaits the handle.
func (u *Uploader) uploadOne(ctx context.Context, session *ucs.Session, flight domain.Flight, flightID int64, req UploadRequest) {
	u.setStatus(ctx, flightID, "Processing", "processing")

	ref, err := session.ResolveFlightRef(ctx, flightID)
	if err != nil {
		u.failFromUpstream(ctx, flightID, err)
		return
	}
	u.setStatus(ctx, flightID, "Downloading IGC", "processing")
	igc, err := session.FetchIGC(ctx, ref, false)
	if err != nil {
		u.failFromUpstream(ctx, flightID, err)
		return
	}

	if err := u.slots.Acquire(ctx, 1); err != nil {
		u.setStatus(ctx, flightID, "Upload cancelled", "error")
		observability.UploadsTotal.WithLabelValues("cancelled").Inc()
		return
	}
	u.setStatus(ctx, flightID, "Uploading to WeGlide", "processing")
	slog.Info("uploading igc",
		slog.Int64("flight_id", flightID),
		slog.Int64("dfs_user_id", req.DFSUserID))
	uploaded, err := u.client.UploadIGC(ctx, igc.Filename, igc.Content, req.DFSUserID, req.DateOfBirth)
	u.slots.Release(1)
	if err != nil {
		u.failFromDownstream(ctx, flightID, flight, req, err)
		return
	}

	view := fmt.Sprintf(`<a target="_blank" href="%s%d">View</a>`, u.viewBase, uploaded.ID)
	u.setStatus(ctx, flightID, view, "done")
	observability.UploadsTotal.WithLabelValues("ok").Inc()
	slog.Info("uploaded igc",
		slog.Int64("flight_id", flightID),
		slog.Int64("dfs_flight_id", uploaded.ID))

	// Detail patches are best-effort: the flight is already up.
	patch := map[string]any{
		"registration":   ucs.FormatRegistration(flight.Registration),
		"competition_id": flight.CompetitionID,
	}
	if flight.AirplaneMatch != nil {
		patch["aircraft_id"] = flight.AirplaneMatch.ID
	}
	if err := u.client.PatchFlightData(ctx, uploaded.ID, patch); err != nil {
		slog.Warn("flight detail patch failed",
			slog.Int64("dfs_flight_id", uploaded.ID),
			slog.String("error", err.Error()))
	}
	if flight.CopilotName != "" {
		if err := u.client.PatchFlightData(ctx, uploaded.ID, map[string]any{"co_user_name": flight.CopilotName}); err != nil {
			slog.Warn("co-pilot patch failed",
				slog.Int64("dfs_flight_id", uploaded.ID),
				slog.String("error", err.Error()))
		}
	}
	if err := u.client.PostComment(ctx, uploaded.ID, flight.PilotComment); err != nil {
		slog.Warn("comment post failed",
			slog.Int64("dfs_flight_id", uploaded.ID),
			slog.String("error", err.Error()))
	}
}

func (u *Uploader) failFromUpstream(ctx context.Context, flightID int64, err error) {
	observability.UploadsTotal.WithLabelValues("ucs_error").Inc()
	slog.Info("fetch from contest site failed",
		slog.Int64("flight_id", flightID),
		slog.String("error", err.Error()))
	if errors.Is(err, domain.ErrTransientUpstream) {
		u.setStatus(ctx, flightID, "Request to OLC failed, try again later", "error")
		return
	}
	u.setStatus(ctx, flightID, "OLC: "+userMessage(err), "error")
}

func (u *Uploader) failFromDownstream(ctx context.Context, flightID int64, flight domain.Flight, req UploadRequest, err error) {
	observability.UploadsTotal.WithLabelValues("dfs_error").Inc()
	slog.Info("upload to flight service failed",
		slog.Int64("flight_id", flightID),
		slog.String("error", err.Error()))

	var respErr *dfs.ResponseError
	if errors.As(err, &respErr) {
		result := respErr.Error()
		if respErr.AlreadyUploaded() {
			// Link the existing flight so the user can jump to it.
			if found, serr := u.client.SearchFlight(ctx, req.DFSUserID, flight.Date,
				ucs.FormatRegistration(flight.Registration), flight.DistanceKm); serr == nil {
				result = fmt.Sprintf(`<a target="_blank" href="%s%d">%s</a>`, u.viewBase, found.ID, result)
			}
		}
		u.setStatus(ctx, flightID, "WeGlide: "+result, "error")
		return
	}
	u.setStatus(ctx, flightID, "Request to WeGlide failed, try again later", "error")
}

// userMessage strips the op= prefix chain for display.
func userMessage(err error) string {
	msg := err.Error()
	for {
		if i := indexAfterOp(msg); i >= 0 {
			msg = msg[i:]
			continue
		}
		return msg
	}
}

func indexAfterOp(msg string) int {
	if len(msg) > 3 && msg[:3] == "op=" {
		for i := 0; i < len(msg); i++ {
			if msg[i] == ':' && i+2 <= len(msg) {
				return i + 2
			}
		}
	}
	return -1
}
