package ucs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glideops/flightbridge/internal/adapter/cache"
	"github.com/glideops/flightbridge/internal/domain"
)

// upstreamStub fakes the contest site: login, flight book per year,
// statistics, download and flight-info pages.
type upstreamStub struct {
	t *testing.T

	logins    atomic.Int64
	bookCalls atomic.Int64
	statCalls atomic.Int64
	igcCalls  atomic.Int64

	// flightsByYear feeds the flight-book endpoint.
	flightsByYear map[int][]domain.Flight
	// failYears answer 500 for those seasons.
	failYears map[int]bool
	// igcRedirects makes the download answer 302 this many times.
	igcRedirects atomic.Int64
}

func (u *upstreamStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/secure/login.html", func(w http.ResponseWriter, _ *http.Request) {
		u.logins.Add(1)
		grantAuthCookie(w)
	})
	mux.HandleFunc("/gliding/flightbook.html", func(w http.ResponseWriter, r *http.Request) {
		u.bookCalls.Add(1)
		require.Equal(u.t, http.MethodPost, r.Method)
		var q flightBookQuery
		require.NoError(u.t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(u.t, "ds", q.Q)

		year, err := strconv.Atoi(r.URL.Query().Get("sp"))
		require.NoError(u.t, err)
		if year <= 2010 {
			assert.Equal(u.t, "olc", q.St)
		} else {
			assert.Equal(u.t, "olcp", q.St)
		}
		if u.failYears[year] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(flightBookPage{Result: u.flightsByYear[year]})
	})
	mux.HandleFunc("/gliding/rest/flightstatistics.json", func(w http.ResponseWriter, r *http.Request) {
		u.statCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"mapHref":"map.html?ref=%s"}]`, r.URL.Query().Get("dsIds"))
	})
	mux.HandleFunc("/gliding/download.html", func(w http.ResponseWriter, r *http.Request) {
		u.igcCalls.Add(1)
		if u.igcRedirects.Load() > 0 {
			u.igcRedirects.Add(-1)
			w.Header().Set("Location", "/secure/login.html")
			w.WriteHeader(http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "application/igc")
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte("AXXXABC\nHFDTE010124\n"))
		}
	})
	mux.HandleFunc("/gliding/flightinfo.html", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(flightInfoPage))
	})
	return mux
}

func newStubSession(t *testing.T) (*Session, *upstreamStub) {
	t.Helper()
	stub := &upstreamStub{t: t, flightsByYear: map[int][]domain.Flight{}, failYears: map[int]bool{}}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	m, err := NewManager(ManagerConfig{
		BaseURL:         srv.URL + "/",
		DefaultUser:     "probe",
		DefaultPassword: "secret",
	}, cache.NewMemory(), staticMatcher{})
	require.NoError(t, err)
	s, err := m.Session("alice", "pw")
	require.NoError(t, err)
	return s, stub
}

func bookRow(id string, airplane string, when time.Time) domain.Flight {
	return domain.Flight{
		ID:           id,
		Airplane:     airplane,
		DateOfFlight: when.UnixMilli(),
		DistanceKm:   314.1592,
		SpeedKmH:     99.99,
	}
}

func TestListFlights_EnrichesAndSorts(t *testing.T) {
	s, stub := newStubSession(t)
	day := time.Date(2023, 6, 14, 11, 30, 0, 0, time.UTC)
	stub.flightsByYear[2023] = []domain.Flight{bookRow("20", "ASW27", day)}
	stub.flightsByYear[2022] = []domain.Flight{
		{
			ID:           "5",
			Airplane:     "LS4",
			DateOfFlight: time.Date(2022, 8, 1, 9, 0, 0, 0, time.UTC).UnixMilli(),
			DistanceKm:   100.04,
			SpeedKmH:     80,
			Copilot:      &domain.Copilot{FirstName: "Jo", Surname: "Pilot"},
		},
	}

	flights, err := s.ListFlights(context.Background(), 1234, 2022, 2023, false)
	require.NoError(t, err)
	require.Len(t, flights, 2)

	// Ascending numeric id, not string order.
	assert.Equal(t, "5", flights[0].ID)
	assert.Equal(t, "20", flights[1].ID)

	assert.Equal(t, "2023-06-14", flights[1].Date)
	assert.Equal(t, 314.2, flights[1].DistanceKm)
	assert.Equal(t, 100.0, flights[1].SpeedKmH)
	assert.True(t, flights[1].Checked)
	require.NotNil(t, flights[1].AirplaneMatch)
	assert.Equal(t, "ASW 27", flights[1].AirplaneMatch.Name)

	assert.Equal(t, "Jo Pilot", flights[0].CopilotName)
}

func TestListFlights_CachedAcrossCalls(t *testing.T) {
	s, stub := newStubSession(t)
	stub.flightsByYear[2023] = []domain.Flight{bookRow("1", "LS4", time.Now().UTC())}

	_, err := s.ListFlights(context.Background(), 1234, 2023, 2023, false)
	require.NoError(t, err)
	_, err = s.ListFlights(context.Background(), 1234, 2023, 2023, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stub.bookCalls.Load(), "second listing must come from the cache")
}

func TestListFlights_YearFailureIsolated(t *testing.T) {
	s, stub := newStubSession(t)
	stub.flightsByYear[2023] = []domain.Flight{bookRow("9", "LS4", time.Now().UTC())}
	stub.failYears[2022] = true

	flights, err := s.ListFlights(context.Background(), 1234, 2022, 2023, false)
	require.NoError(t, err)
	require.Len(t, flights, 1)
	assert.Equal(t, "9", flights[0].ID)
}

func TestListFlights_OldSeasonsUseClassicContest(t *testing.T) {
	s, stub := newStubSession(t)
	stub.flightsByYear[2010] = []domain.Flight{bookRow("3", "LS4", time.Date(2010, 7, 1, 0, 0, 0, 0, time.UTC))}

	// The stub asserts st=olc for 2010 and st=olcp otherwise.
	_, err := s.ListFlights(context.Background(), 1234, 2010, 2011, false)
	require.NoError(t, err)
}

func TestListFlights_ScrapeFillsAircraftDetails(t *testing.T) {
	s, stub := newStubSession(t)
	stub.flightsByYear[2023] = []domain.Flight{bookRow("42", "ASW27", time.Now().UTC())}

	flights, err := s.ListFlights(context.Background(), 1234, 2023, 2023, true)
	require.NoError(t, err)
	require.Len(t, flights, 1)
	assert.Equal(t, "ASW 27", flights[0].Aircraft)
	assert.Equal(t, "D-1234", flights[0].Registration)
	assert.Equal(t, "XY", flights[0].CompetitionID)
	assert.NotEmpty(t, flights[0].PilotComment)
}

func TestListFlights_BadYearRange(t *testing.T) {
	s, _ := newStubSession(t)
	_, err := s.ListFlights(context.Background(), 1234, 2023, 2020, false)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestResolveFlightRef(t *testing.T) {
	s, stub := newStubSession(t)

	ref, err := s.ResolveFlightRef(context.Background(), 348283551)
	require.NoError(t, err)
	assert.Equal(t, int64(348283551), ref)

	_, err = s.ResolveFlightRef(context.Background(), 348283551)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stub.statCalls.Load(), "second resolve must come from the cache")
}

func TestFetchIGC(t *testing.T) {
	s, stub := newStubSession(t)

	file, err := s.FetchIGC(context.Background(), 12345, false)
	require.NoError(t, err)
	assert.Equal(t, "12345.igc", file.Filename)
	assert.Contains(t, file.Content, "AXXXABC")

	_, err = s.FetchIGC(context.Background(), 12345, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stub.igcCalls.Load(), "GET downloads are cached")
}

func TestFetchIGC_NegativeRefFilename(t *testing.T) {
	s, _ := newStubSession(t)
	file, err := s.FetchIGC(context.Background(), -348283551, false)
	require.NoError(t, err)
	assert.Equal(t, "348283551.igc", file.Filename)
}

func TestFetchIGC_HeadBypassesCache(t *testing.T) {
	s, stub := newStubSession(t)

	file, err := s.FetchIGC(context.Background(), 7, true)
	require.NoError(t, err)
	assert.Empty(t, file.Content)
	_, err = s.FetchIGC(context.Background(), 7, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stub.igcCalls.Load(), "HEAD probes always hit the upstream")
}

func TestFetchIGC_RedirectForcesRelogin(t *testing.T) {
	s, stub := newStubSession(t)
	stub.igcRedirects.Store(1)

	file, err := s.FetchIGC(context.Background(), 99, false)
	require.NoError(t, err)
	assert.Equal(t, "99.igc", file.Filename)
	assert.GreaterOrEqual(t, stub.logins.Load(), int64(2), "302 must force a fresh login")
}

func TestFetchIGC_PersistentRedirectIsAuthFailure(t *testing.T) {
	s, stub := newStubSession(t)
	stub.igcRedirects.Store(10)

	_, err := s.FetchIGC(context.Background(), 99, false)
	assert.ErrorIs(t, err, domain.ErrAuthFailed)
}

func TestFetchIGC_WrongContentType(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/secure/login.html", func(w http.ResponseWriter, _ *http.Request) { grantAuthCookie(w) })
	mux.HandleFunc("/gliding/download.html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>not a trace</html>"))
	})
	m := newTestManager(t, mux)
	s, err := m.Session("alice", "pw")
	require.NoError(t, err)

	_, err = s.FetchIGC(context.Background(), 5, false)
	assert.ErrorIs(t, err, domain.ErrPermanentUpstream)
}
