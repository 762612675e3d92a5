package ucs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glideops/flightbridge/internal/adapter/observability"
	"github.com/glideops/flightbridge/internal/domain"
)

// requestJSON fetches ref and decodes the JSON body into out. It owns
// the error taxonomy for authenticated API reads:
//
//   - a timeout on the direct path triggers one forced-proxy retry
//   - 401 forces a fresh login and retries the request once
//   - 404 maps to domain.ErrNotFound without logging noise
//   - an HTML body means the upstream served an error page
//   - anything non-2xx or undecodable is a permanent upstream error
func (s *Session) requestJSON(ctx context.Context, operation, method, ref string, out any, opts sendOpts) error {
	if opts.accept == "" {
		opts.accept = "application/json"
	}
	return s.requestJSONOpts(ctx, operation, method, ref, out, opts, true)
}

func (s *Session) requestJSONOpts(ctx context.Context, operation, method, ref string, out any, opts sendOpts, allowRelogin bool) error {
	t0 := time.Now()
	res, err := s.send(ctx, method, ref, opts)
	if err != nil {
		if classify(err) == classTimeout && !opts.forceProxy && s.proxied != nil {
			slog.Warn("direct request timed out, retrying via proxy",
				slog.String("operation", operation),
				slog.String("ucs_user", s.user))
			opts.forceProxy = true
			return s.requestJSONOpts(ctx, operation, method, ref, out, opts, allowRelogin)
		}
		observability.ObserveUCSRequest(operation, "error", opts.forceProxy, time.Since(t0))
		return fmt.Errorf("op=ucs.%s: %w: %v", operation, domain.ErrTransientUpstream, err)
	}
	observability.ObserveUCSRequest(operation, outcomeFor(res.status), res.usedProxy, time.Since(t0))

	switch {
	case res.status == http.StatusUnauthorized:
		if !allowRelogin {
			return fmt.Errorf("op=ucs.%s: %w: still unauthorized after relogin", operation, domain.ErrAuthFailed)
		}
		slog.Info("session expired, forcing relogin",
			slog.String("operation", operation),
			slog.String("ucs_user", s.user))
		if err := s.Login(ctx, true); err != nil {
			return err
		}
		return s.requestJSONOpts(ctx, operation, method, ref, out, opts, false)
	case res.status == http.StatusNotFound:
		return fmt.Errorf("op=ucs.%s: %w", operation, domain.ErrNotFound)
	case res.status == http.StatusTooManyRequests:
		return fmt.Errorf("op=ucs.%s: %w: upstream rate limited", operation, domain.ErrTransientUpstream)
	case res.status < 200 || res.status >= 300:
		return fmt.Errorf("op=ucs.%s: %w: status %d", operation, domain.ErrPermanentUpstream, res.status)
	}

	if ct := res.header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return fmt.Errorf("op=ucs.%s: %w: upstream served an error page instead of JSON", operation, domain.ErrPermanentUpstream)
	}
	if err := json.Unmarshal(res.body, out); err != nil {
		return fmt.Errorf("op=ucs.%s: %w: undecodable response: %v", operation, domain.ErrPermanentUpstream, err)
	}
	return nil
}

func outcomeFor(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// sendResilient wraps send with the same one-shot proxy fallback on a
// direct-path timeout, for callers that need the raw response.
func (s *Session) sendResilient(ctx context.Context, method, ref string, opts sendOpts) (*result, error) {
	res, err := s.send(ctx, method, ref, opts)
	if err != nil && classify(err) == classTimeout && !opts.forceProxy && s.proxied != nil {
		slog.Warn("direct request timed out, retrying via proxy", slog.String("ucs_user", s.user))
		opts.forceProxy = true
		res, err = s.send(ctx, method, ref, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientUpstream, err)
	}
	return res, nil
}
