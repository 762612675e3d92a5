package ucs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/glideops/flightbridge/internal/adapter/cache"
	"github.com/glideops/flightbridge/internal/domain"
)

const (
	// flightsMax caps how many flights one listing accumulates before
	// newer years stop being awaited.
	flightsMax = 200

	readTTL = 72 * time.Hour
)

// flightBookQuery is the flight-book POST body. The huge limit asks
// for the whole year in one page.
type flightBookQuery struct {
	Q      string `json:"q"`
	St     string `json:"st"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

type flightBookPage struct {
	Result []domain.Flight `json:"result"`
}

func jsonBody(v any) ([]byte, error) { return json.Marshal(v) }

// ListFlights returns the user's flights between startYear and endYear
// inclusive, newest years fetched first, result sorted by ascending
// numeric flight id. Each row is enriched with a formatted date, a
// glider-catalog match and, when scrape is set, the scraped aircraft
// details. Results are cached for 72 hours; scrape does not take part
// in the cache key.
func (s *Session) ListFlights(ctx context.Context, userID int64, startYear, endYear int, scrape bool) ([]domain.Flight, error) {
	if endYear == 0 {
		endYear = time.Now().Year()
	}
	key, err := cache.BuildKey("list_flights", []any{userID, startYear, endYear}, map[string]any{"_scrape": scrape})
	if err != nil {
		return nil, err
	}
	return cache.Through(ctx, s.m.cache, key, readTTL, func(ctx context.Context) ([]domain.Flight, error) {
		return s.listFlights(ctx, userID, startYear, endYear, scrape)
	})
}

func (s *Session) listFlights(ctx context.Context, userID int64, startYear, endYear int, scrape bool) ([]domain.Flight, error) {
	ctx, span := tracer.Start(ctx, "ucs.list_flights")
	defer span.End()

	if err := s.Login(ctx, false); err != nil {
		return nil, err
	}

	type yearResult struct {
		year    int
		flights []domain.Flight
		err     error
	}
	years := endYear - startYear + 1
	if years <= 0 {
		return nil, fmt.Errorf("%w: start year %d after end year %d", domain.ErrInvalidArgument, startYear, endYear)
	}
	results := make(chan yearResult, years)
	for year := endYear; year >= startYear; year-- {
		go func(year int) {
			// OLC Plus only exists from October 2010 on; older
			// seasons live under the classic contest type.
			competitionType := "olcp"
			if year <= 2010 {
				competitionType = "olc"
			}
			body, _ := jsonBody(flightBookQuery{Q: "ds", St: competitionType, Offset: 0, Limit: math.MaxInt32})
			var page flightBookPage
			err := s.requestJSON(ctx, "list_flights",
				http.MethodPost,
				fmt.Sprintf("gliding/flightbook.html?sp=%d&pi=%d", year, userID),
				&page,
				sendOpts{json: body})
			results <- yearResult{year: year, flights: page.Result, err: err}
		}(year)
	}

	var flights []domain.Flight
	for i := 0; i < years; i++ {
		if len(flights) > flightsMax {
			slog.Info("stopping flight listing early",
				slog.Int("flights", len(flights)),
				slog.Int64("user_id", userID))
			break
		}
		res := <-results
		if res.err != nil {
			// A single bad year must not sink the whole listing.
			slog.Warn("flight-book year failed",
				slog.Int("year", res.year),
				slog.Int64("user_id", userID),
				slog.String("error", res.err.Error()))
			continue
		}
		for i := range res.flights {
			enrichFlight(&res.flights[i], s.m.gliders)
		}
		flights = append(flights, res.flights...)
	}

	if scrape {
		var wg sync.WaitGroup
		for i := range flights {
			wg.Add(1)
			go func(f *domain.Flight) {
				defer wg.Done()
				if err := s.scrapeFlight(ctx, f); err != nil {
					slog.Warn("flight scrape failed",
						slog.String("flight_id", f.ID),
						slog.String("error", err.Error()))
				}
			}(&flights[i])
		}
		wg.Wait()
	}

	sort.Slice(flights, func(i, j int) bool {
		a, _ := strconv.Atoi(flights[i].ID)
		b, _ := strconv.Atoi(flights[j].ID)
		return a < b
	})
	return flights, nil
}

// enrichFlight fills the derived fields on one flight-book row.
func enrichFlight(f *domain.Flight, gliders domain.GliderMatcher) {
	f.Date = time.UnixMilli(f.DateOfFlight).UTC().Format("2006-01-02")
	f.DistanceKm = math.Round(f.DistanceKm*10) / 10
	f.SpeedKmH = math.Round(f.SpeedKmH*10) / 10
	f.Checked = true
	if f.Copilot != nil {
		f.CopilotName = f.Copilot.FirstName + " " + f.Copilot.Surname
	}
	if gliders != nil {
		if matches := gliders.FindClosest(f.Airplane); len(matches) > 0 {
			m := matches[0]
			f.AirplaneMatch = &m
		}
	}
}

// scrapeFlight fills the aircraft details and pilot comment from the
// flight-info page. Failures leave the flight row untouched.
func (s *Session) scrapeFlight(ctx context.Context, f *domain.Flight) error {
	if err := s.Login(ctx, false); err != nil {
		return err
	}
	res, err := s.sendResilient(ctx, http.MethodGet, "gliding/flightinfo.html?dsId="+f.ID, sendOpts{})
	if err != nil {
		return err
	}
	if res.status < 200 || res.status >= 300 {
		return fmt.Errorf("op=ucs.scrape_flight: %w: status %d", domain.ErrPermanentUpstream, res.status)
	}
	info, err := parseFlightInfo(res.body)
	if err != nil {
		return fmt.Errorf("op=ucs.scrape_flight: %w", err)
	}
	f.Aircraft = info.Aircraft
	f.Registration = info.Registration
	f.CompetitionID = info.CompetitionID
	f.PilotComment = info.PilotComment
	return nil
}

type flightStatistics struct {
	MapHref string `json:"mapHref"`
}

// ResolveFlightRef maps a flight-book id to the download reference
// hidden in the flight's statistics map link. Cached for 72 hours.
func (s *Session) ResolveFlightRef(ctx context.Context, flightID int64) (int64, error) {
	key, err := cache.BuildKey("resolve_flight_ref", []any{flightID}, nil)
	if err != nil {
		return 0, err
	}
	return cache.Through(ctx, s.m.cache, key, readTTL, func(ctx context.Context) (int64, error) {
		ctx, span := tracer.Start(ctx, "ucs.resolve_flight_ref")
		defer span.End()

		if err := s.Login(ctx, false); err != nil {
			return 0, err
		}
		var stats []flightStatistics
		err := s.requestJSON(ctx, "resolve_flight_ref",
			http.MethodGet,
			fmt.Sprintf("gliding/rest/flightstatistics.json?dsIds=%d", flightID),
			&stats, sendOpts{})
		if err != nil {
			return 0, err
		}
		if len(stats) != 1 {
			return 0, fmt.Errorf("op=ucs.resolve_flight_ref: %w: expected one statistics row, got %d", domain.ErrPermanentUpstream, len(stats))
		}
		_, refStr, found := strings.Cut(stats[0].MapHref, "ref=")
		if !found {
			return 0, fmt.Errorf("op=ucs.resolve_flight_ref: %w: no ref in map link %q", domain.ErrPermanentUpstream, stats[0].MapHref)
		}
		ref, err := strconv.ParseInt(refStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("op=ucs.resolve_flight_ref: %w: bad ref %q", domain.ErrPermanentUpstream, refStr)
		}
		return ref, nil
	})
}

// IGCFile is a downloaded flight trace. The filename is derived from
// the reference because the upstream's own filename can contain
// slashes the downstream rejects.
type IGCFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// FetchIGC downloads the IGC trace for a flight reference. With head
// set only the headers are checked, which is how the health probe
// verifies the download path without pulling a file; HEAD results are
// never cached. A 302 means the session expired: one forced relogin is
// attempted before giving up.
func (s *Session) FetchIGC(ctx context.Context, ref int64, head bool) (IGCFile, error) {
	if head {
		return s.fetchIGC(ctx, ref, true, true)
	}
	key, err := cache.BuildKey("fetch_igc", []any{ref}, nil)
	if err != nil {
		return IGCFile{}, err
	}
	return cache.Through(ctx, s.m.cache, key, readTTL, func(ctx context.Context) (IGCFile, error) {
		return s.fetchIGC(ctx, ref, false, true)
	})
}

func (s *Session) fetchIGC(ctx context.Context, ref int64, head, allowRelogin bool) (IGCFile, error) {
	ctx, span := tracer.Start(ctx, "ucs.fetch_igc")
	defer span.End()

	slog.Info("fetching igc",
		slog.String("ucs_user", s.user),
		slog.Int64("flight_ref", ref))
	if err := s.Login(ctx, false); err != nil {
		return IGCFile{}, err
	}

	method := http.MethodGet
	if head {
		method = http.MethodHead
	}
	t0 := time.Now()
	res, err := s.sendResilient(ctx, method, fmt.Sprintf("gliding/download.html?flightId=%d", ref), sendOpts{noRedirect: true})
	if err != nil {
		return IGCFile{}, fmt.Errorf("op=ucs.fetch_igc: %w", err)
	}

	switch {
	case res.status == http.StatusTooManyRequests:
		return IGCFile{}, fmt.Errorf("op=ucs.fetch_igc: %w: download limit exceeded, try again later", domain.ErrTransientUpstream)
	case res.status == http.StatusFound:
		if allowRelogin {
			if err := s.Login(ctx, true); err != nil {
				return IGCFile{}, err
			}
			return s.fetchIGC(ctx, ref, head, false)
		}
		return IGCFile{}, fmt.Errorf("op=ucs.fetch_igc: %w: still redirected to login after relogin", domain.ErrAuthFailed)
	case res.status < 200 || res.status >= 300:
		return IGCFile{}, fmt.Errorf("op=ucs.fetch_igc: %w: status %d", domain.ErrPermanentUpstream, res.status)
	}
	if !strings.Contains(res.header.Get("Content-Type"), "application/igc") {
		return IGCFile{}, fmt.Errorf("op=ucs.fetch_igc: %w: not an IGC file", domain.ErrPermanentUpstream)
	}

	content := decodeIGC(res.body)
	if ref < 0 {
		ref = -ref
	}
	file := IGCFile{Filename: fmt.Sprintf("%d.igc", ref), Content: content}
	slog.Info("fetched igc",
		slog.Int64("flight_ref", ref),
		slog.Bool("proxied", res.usedProxy),
		slog.Duration("took", time.Since(t0)))
	return file, nil
}

// decodeIGC interprets the download body as UTF-8 and falls back to
// Latin-1, which maps every byte and therefore cannot fail.
func decodeIGC(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}
