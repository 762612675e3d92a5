package dfs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{
		BaseURL:        srv.URL + "/",
		ClientID:       "test-client",
		UserAgentEmail: "ops@example.org",
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresContactEmail(t *testing.T) {
	_, err := New(context.Background(), Config{BaseURL: "http://localhost/"})
	assert.Error(t, err)
}

func TestUploadIGC_SuccessAndEditCookie(t *testing.T) {
	var patchedCookie string
	mux := http.NewServeMux()
	mux.HandleFunc("/igcfile", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "4711", r.FormValue("user_id"))
		assert.Equal(t, "1990-01-01", r.FormValue("date_of_birth"))
		assert.Contains(t, r.UserAgent(), "ops@example.org")

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		assert.Equal(t, "12345.igc", header.Filename)

		http.SetCookie(w, &http.Cookie{Name: "edit_flight_555", Value: "tok"})
		_, _ = w.Write([]byte(`[{"id":555}]`))
	})
	mux.HandleFunc("/flightdetail/555", func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("edit_flight_555"); err == nil {
			patchedCookie = ck.Value
		}
		var data map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&data))
		assert.Equal(t, "D-1234", data["registration"])
		_, hasEmpty := data["competition_id"]
		assert.False(t, hasEmpty, "empty values must be dropped")
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, mux)

	flight, err := c.UploadIGC(context.Background(), "12345.igc", "AXXXABC\n", 4711, "1990-01-01")
	require.NoError(t, err)
	assert.Equal(t, int64(555), flight.ID)

	require.NoError(t, c.PatchFlightData(context.Background(), 555, map[string]any{
		"registration":   "D-1234",
		"competition_id": "",
		"aircraft_id":    14,
	}))
	assert.Equal(t, "tok", patchedCookie, "patch must carry the edit cookie from the upload")
}

func TestUploadIGC_AlreadyUploaded(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"already_uploaded","error_description":"flight exists"}`))
	}))

	_, err := c.UploadIGC(context.Background(), "1.igc", "A", 1, "1990-01-01")
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.True(t, respErr.AlreadyUploaded())
}

func TestUploadIGC_EmptyBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	_, err := c.UploadIGC(context.Background(), "1.igc", "A", 1, "1990-01-01")
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Contains(t, respErr.Error(), "empty response")
}

func TestUploadIGC_OpaqueErrorBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>gateway error</html>"))
	}))
	_, err := c.UploadIGC(context.Background(), "1.igc", "A", 1, "1990-01-01")
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Contains(t, respErr.Error(), "try again later")
}

func TestPostComment(t *testing.T) {
	var posted map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/comment/flight/9", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.WriteHeader(http.StatusCreated)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.PostComment(context.Background(), 9, "great flight"))
	assert.Equal(t, "great flight", posted["comment"])
	assert.Equal(t, true, posted["pinned"])

	// Empty comments never hit the network.
	require.NoError(t, c.PostComment(context.Background(), 10, ""))
}

func TestSearchFlight(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/flight", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "4711", q.Get("user_id_in"))
		assert.Equal(t, "2023-06-14", q.Get("scoring_date_in"))
		assert.Equal(t, "D-1234", q.Get("registration_in"))
		assert.Equal(t, "311", q.Get("distance_gt"))
		assert.Equal(t, "317", q.Get("distance_lt"))
		_, _ = w.Write([]byte(`[{"id":808}]`))
	})
	c := newTestClient(t, mux)

	flight, err := c.SearchFlight(context.Background(), 4711, "2023-06-14", "D-1234", 314.2)
	require.NoError(t, err)
	assert.Equal(t, int64(808), flight.ID)
}

func TestSearchFlight_AmbiguousIsError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
	}))
	_, err := c.SearchFlight(context.Background(), 1, "2023-06-14", "D-1", 100)
	assert.Error(t, err)
}

func TestFetchGliders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/aircraft", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":14,"name":"ASW 27"},{"id":72,"name":"LS 4"}]`))
	})
	c := newTestClient(t, mux)

	gliders, err := c.FetchGliders(context.Background())
	require.NoError(t, err)
	require.Len(t, gliders, 2)
	assert.Equal(t, "ASW 27", gliders[0].Name)
}

func TestMakeLinkIfURL(t *testing.T) {
	assert.Equal(t, "", MakeLinkIfURL(""))
	assert.Equal(t, "no links here", MakeLinkIfURL("no links here"))
	got := MakeLinkIfURL("see https://example.org/flight/1 for details")
	assert.Equal(t, fmt.Sprintf(`see <a href=%q target="_blank">%s</a> for details`,
		"https://example.org/flight/1", "https://example.org/flight/1"), got)
}
