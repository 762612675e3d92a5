// Package domain holds the entities, error taxonomy and ports shared by
// the scheduler, the UCS pipeline and the HTTP layer.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrTransientUpstream covers 429, connect/read timeouts and 5xx that
	// survived transport retries. Callers may retry later.
	ErrTransientUpstream = errors.New("transient upstream error")
	// ErrPermanentUpstream covers 404 bodies, HTML error pages and
	// malformed JSON. Retrying will not help.
	ErrPermanentUpstream = errors.New("permanent upstream error")
	// ErrAuthFailed covers a missing auth cookie after login and a second
	// consecutive 302 on download.
	ErrAuthFailed = errors.New("upstream authentication failed")
	// ErrCredentialInvalid is raised at session construction or on the
	// upstream "Faulty entry" marker.
	ErrCredentialInvalid = errors.New("upstream credentials invalid")
	ErrInternal          = errors.New("internal error")
)

// GliderMatch is one ranked candidate from the glider catalog.
type GliderMatch struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Copilot mirrors the upstream flight-book co-pilot object.
type Copilot struct {
	FirstName string `json:"firstName"`
	Surname   string `json:"surName"`
}

// Flight is one row of the upstream flight book, enriched for the UI.
type Flight struct {
	ID           string   `json:"id"`
	Airplane     string   `json:"airplane"`
	DateOfFlight int64    `json:"dateOfFlight"` // epoch milliseconds
	DistanceKm   float64  `json:"distanceInKm"`
	SpeedKmH     float64  `json:"speedInKmH"`
	Copilot      *Copilot `json:"copilot,omitempty"`

	// Enrichment, filled by ListFlights and ScrapeFlight.
	AirplaneMatch *GliderMatch `json:"airplane_match,omitempty"`
	Date          string       `json:"date,omitempty"` // YYYY-MM-DD, UTC day
	Checked       bool         `json:"checked"`
	CopilotName   string       `json:"co_pilot_name,omitempty"`
	Aircraft      string       `json:"aircraft,omitempty"`
	Registration  string       `json:"registration,omitempty"`
	CompetitionID string       `json:"competition_id,omitempty"`
	PilotComment  string       `json:"pilot_comment,omitempty"`
}

// UploadStatus is the TTL-bounded progress record for one flight upload.
type UploadStatus struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

// StatusStore is the short-lived upload progress KV. Both fields expire
// independently, five minutes after the last write.
type StatusStore interface {
	Set(ctx context.Context, flightID int64, result, status string) error
	Get(ctx context.Context, flightID int64) (UploadStatus, error)
}

// Cache is the pluggable result cache backing pure UCS reads.
// Get returns (nil, false, nil) on a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// GliderMatcher ranks catalog gliders by similarity to a free-form name.
type GliderMatcher interface {
	FindClosest(name string) []GliderMatch
}
