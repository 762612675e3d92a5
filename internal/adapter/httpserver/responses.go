// Package httpserver contains the HTTP handlers and middleware for the
// flight bridging API.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/glideops/flightbridge/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses:
// transient upstream trouble asks the client to retry later, while
// permanent and auth failures are the client's to fix.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrCredentialInvalid):
		code = http.StatusBadRequest
		codeStr = "CREDENTIALS_INVALID"
	case errors.Is(err, domain.ErrAuthFailed):
		code = http.StatusBadRequest
		codeStr = "UPSTREAM_AUTH_FAILED"
	case errors.Is(err, domain.ErrPermanentUpstream):
		code = http.StatusBadRequest
		codeStr = "UPSTREAM_REJECTED"
	case errors.Is(err, domain.ErrTransientUpstream):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusRequestTimeout
		codeStr = "TIMEOUT"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
