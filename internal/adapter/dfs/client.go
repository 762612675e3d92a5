// Package dfs is the client for the downstream flight-logging service
// where IGC files end up: multipart uploads, flight-detail patches,
// comments and the duplicate-flight search.
package dfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/glideops/flightbridge/internal/domain"
)

// ResponseError is the downstream's JSON error envelope.
type ResponseError struct {
	Err         string
	Description string
	Message     string
}

func (e *ResponseError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != "" {
		return e.Err
	}
	return e.Description
}

// AlreadyUploaded reports whether the upload was rejected because the
// flight already exists downstream.
func (e *ResponseError) AlreadyUploaded() bool { return e.Err == "already_uploaded" }

// Config carries the client's construction parameters. Username and
// password are optional: uploads identify the target user by id and
// date of birth, so the anonymous flow covers the whole pipeline.
type Config struct {
	BaseURL        string
	ClientID       string
	UserAgentEmail string
	Username       string
	Password       string
}

// Client talks to the flight-logging service. Edit cookies granted on
// upload are kept per flight so later patches and comments on the same
// flight are accepted.
type Client struct {
	base      *url.URL
	hc        *http.Client
	userAgent string

	mu          sync.Mutex
	editCookies map[int64]*http.Cookie
}

// New builds the client. With credentials set, requests carry a
// resource-owner-password OAuth2 token with the declare and upload
// scopes.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.UserAgentEmail == "" {
		return nil, fmt.Errorf("op=dfs.New: %w: contact email for the user agent is required", domain.ErrInvalidArgument)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("op=dfs.New: base url: %w", err)
	}
	c := &Client{
		base:        base,
		userAgent:   fmt.Sprintf("OLCtoWeglide (%s)", cfg.UserAgentEmail),
		editCookies: make(map[int64]*http.Cookie),
	}
	transport := otelhttp.NewTransport(http.DefaultTransport)
	c.hc = &http.Client{Transport: transport}
	if cfg.Username != "" && cfg.Password != "" {
		oc := &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: base.JoinPath("auth/token").String()},
			Scopes:   []string{"declare", "upload"},
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.hc)
		token, err := oc.PasswordCredentialsToken(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("op=dfs.New: token: %w", err)
		}
		c.hc = oc.Client(ctx, token)
	}
	return c, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	return c.hc.Do(req)
}

// rememberEditCookies stashes edit_flight_<id> cookies from an upload
// response.
func (c *Client) rememberEditCookies(resp *http.Response) {
	for _, ck := range resp.Cookies() {
		id, ok := strings.CutPrefix(ck.Name, "edit_flight_")
		if !ok {
			continue
		}
		flightID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.editCookies[flightID] = ck
		c.mu.Unlock()
	}
}

func (c *Client) attachEditCookie(req *http.Request, flightID int64) {
	c.mu.Lock()
	ck := c.editCookies[flightID]
	c.mu.Unlock()
	if ck != nil {
		req.AddCookie(ck)
	}
}

// UploadedFlight is the downstream's record of a freshly created
// flight. An IGC with multiple takeoffs is split downstream; callers
// get the first flight only.
type UploadedFlight struct {
	ID int64 `json:"id"`
}

// UploadIGC posts the trace for the given downstream user. The date of
// birth doubles as the upload authorization for that user.
func (c *Client) UploadIGC(ctx context.Context, filename, content string, userID int64, dateOfBirth string) (UploadedFlight, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return UploadedFlight{}, fmt.Errorf("op=dfs.UploadIGC: %w", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		return UploadedFlight{}, fmt.Errorf("op=dfs.UploadIGC: %w", err)
	}
	if err := w.WriteField("user_id", strconv.FormatInt(userID, 10)); err != nil {
		return UploadedFlight{}, fmt.Errorf("op=dfs.UploadIGC: %w", err)
	}
	if err := w.WriteField("date_of_birth", dateOfBirth); err != nil {
		return UploadedFlight{}, fmt.Errorf("op=dfs.UploadIGC: %w", err)
	}
	if err := w.Close(); err != nil {
		return UploadedFlight{}, fmt.Errorf("op=dfs.UploadIGC: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("igcfile").String(), &buf)
	if err != nil {
		return UploadedFlight{}, fmt.Errorf("op=dfs.UploadIGC: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return UploadedFlight{}, fmt.Errorf("op=dfs.UploadIGC: %w: %v", domain.ErrTransientUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return UploadedFlight{}, fmt.Errorf("op=dfs.UploadIGC: %w: %v", domain.ErrTransientUpstream, err)
	}
	c.rememberEditCookies(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return UploadedFlight{}, envelopeError(resp.StatusCode, body)
	}
	if len(body) == 0 {
		return UploadedFlight{}, &ResponseError{Message: "empty response from the flight service"}
	}
	var flights []UploadedFlight
	if err := json.Unmarshal(body, &flights); err != nil {
		return UploadedFlight{}, &ResponseError{Message: fmt.Sprintf("could not parse upload response: %v", err)}
	}
	if len(flights) == 0 {
		return UploadedFlight{}, &ResponseError{Message: "upload created no flights"}
	}
	return flights[0], nil
}

// PatchFlightData updates flight details. Keys with empty values are
// dropped, mirroring the partial-update contract.
func (c *Client) PatchFlightData(ctx context.Context, flightID int64, data map[string]any) error {
	clean := make(map[string]any, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case string:
			if t != "" {
				clean[k] = t
			}
		case nil:
		default:
			clean[k] = v
		}
	}
	if len(clean) == 0 {
		return nil
	}
	payload, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("op=dfs.PatchFlightData: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.base.JoinPath("flightdetail", strconv.FormatInt(flightID, 10)).String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=dfs.PatchFlightData: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.attachEditCookie(req, flightID)

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("op=dfs.PatchFlightData: %w: %v", domain.ErrTransientUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return envelopeError(resp.StatusCode, body)
	}
	return nil
}

// PostComment pins a comment on the flight. Empty comments are a no-op.
func (c *Client) PostComment(ctx context.Context, flightID int64, comment string) error {
	if comment == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"comment": comment, "pinned": true})
	if err != nil {
		return fmt.Errorf("op=dfs.PostComment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base.JoinPath("comment/flight", strconv.FormatInt(flightID, 10)).String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=dfs.PostComment: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.attachEditCookie(req, flightID)

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("op=dfs.PostComment: %w: %v", domain.ErrTransientUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return envelopeError(resp.StatusCode, body)
	}
	return nil
}

// FoundFlight is one row of the duplicate search.
type FoundFlight struct {
	ID int64 `json:"id"`
}

// SearchFlight locates the user's existing flight matching the scoring
// date, registration and distance within three kilometers. Exactly one
// match is expected.
func (c *Client) SearchFlight(ctx context.Context, userID int64, scoringDate, registration string, distanceKm float64) (FoundFlight, error) {
	distance := int(distanceKm)
	u := c.base.JoinPath("flight")
	q := u.Query()
	q.Set("user_id_in", strconv.FormatInt(userID, 10))
	q.Set("scoring_date_in", scoringDate)
	q.Set("registration_in", registration)
	q.Set("distance_gt", strconv.Itoa(distance-3))
	q.Set("distance_lt", strconv.Itoa(distance+3))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return FoundFlight{}, fmt.Errorf("op=dfs.SearchFlight: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return FoundFlight{}, fmt.Errorf("op=dfs.SearchFlight: %w: %v", domain.ErrTransientUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FoundFlight{}, fmt.Errorf("op=dfs.SearchFlight: %w: %v", domain.ErrTransientUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return FoundFlight{}, envelopeError(resp.StatusCode, body)
	}
	var flights []FoundFlight
	if err := json.Unmarshal(body, &flights); err != nil {
		return FoundFlight{}, fmt.Errorf("op=dfs.SearchFlight: %w", err)
	}
	if len(flights) != 1 {
		return FoundFlight{}, fmt.Errorf("op=dfs.SearchFlight: %w: expected one flight, got %d", domain.ErrPermanentUpstream, len(flights))
	}
	return flights[0], nil
}

type aircraftRow struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// FetchGliders pulls the live aircraft catalog. Callers treat failure
// as non-fatal and keep their embedded snapshot.
func (c *Client) FetchGliders(ctx context.Context) ([]domain.GliderMatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("aircraft").String(), nil)
	if err != nil {
		return nil, fmt.Errorf("op=dfs.FetchGliders: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("op=dfs.FetchGliders: %w: %v", domain.ErrTransientUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=dfs.FetchGliders: %w: status %d", domain.ErrPermanentUpstream, resp.StatusCode)
	}
	var rows []aircraftRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("op=dfs.FetchGliders: %w", err)
	}
	out := make([]domain.GliderMatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.GliderMatch{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// envelopeError decodes the JSON error envelope, falling back to the
// raw body.
func envelopeError(status int, body []byte) error {
	var envelope struct {
		Err         string `json:"error"`
		Description string `json:"error_description"`
	}
	if len(body) > 0 && json.Unmarshal(body, &envelope) == nil && (envelope.Err != "" || envelope.Description != "") {
		msg := MakeLinkIfURL(envelope.Err)
		if msg == "" {
			msg = MakeLinkIfURL(envelope.Description)
		}
		return &ResponseError{
			Err:         envelope.Err,
			Description: envelope.Description,
			Message:     msg,
		}
	}
	return &ResponseError{Message: fmt.Sprintf("status %d: the flight service could not process the request, try again later", status)}
}

var urlRe = regexp.MustCompile(`(https?://\S+)`)

// MakeLinkIfURL wraps any URL in the text in an HTML anchor so the UI
// renders it clickable inside upload status messages.
func MakeLinkIfURL(text string) string {
	if text == "" {
		return text
	}
	return urlRe.ReplaceAllString(text, `<a href="$1" target="_blank">$1</a>`)
}
