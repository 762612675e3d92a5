// Package ucs talks to the upstream contest site: per-user sessions
// with persistent cookies, serialized login, transport retries with
// proxy fallback, and the high-level flight queries.
package ucs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/glideops/flightbridge/internal/domain"
)

const (
	authCookieName = "OLCAUTH"
	// loginFaultMarker appears in the login response body when the
	// upstream rejects the credentials.
	loginFaultMarker = "Faulty entry"

	defaultDirectTimeout  = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	// The proxy is allowed more time; the upstream fails fast when it
	// is stalling the response.
	defaultProxyTimeout = 60 * time.Second

	retryAttempts     = 3
	retryStartBackoff = 100 * time.Millisecond
)

var tracer = otel.Tracer("ucs")

// Manager owns the process-wide per-user cookie jars and login
// mutexes, plus the shared transports. Pass it explicitly; there is
// no package-level instance.
type Manager struct {
	base        *url.URL
	proxy       *url.URL
	cache       domain.Cache
	gliders     domain.GliderMatcher
	defaultUser string
	defaultPass string

	directTransport http.RoundTripper
	proxyTransport  http.RoundTripper
	directTimeout   time.Duration
	proxyTimeout    time.Duration

	mu    sync.Mutex
	jars  map[string]http.CookieJar
	locks map[string]*sync.Mutex
}

// ManagerConfig carries the manager's construction parameters.
type ManagerConfig struct {
	BaseURL         string
	ProxyURL        string // empty disables proxy fallback
	DefaultUser     string
	DefaultPassword string
	// DirectTimeout, ConnectTimeout and ProxyTimeout override the
	// transport defaults of 30s/10s/60s. Zero keeps the default.
	DirectTimeout  time.Duration
	ConnectTimeout time.Duration
	ProxyTimeout   time.Duration
}

// NewManager builds the session registry. The cache fronts pure reads;
// gliders enriches flight rows (nil disables enrichment).
func NewManager(cfg ManagerConfig, cache domain.Cache, gliders domain.GliderMatcher) (*Manager, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("op=ucs.NewManager: base url: %w", err)
	}
	m := &Manager{
		base:          base,
		cache:         cache,
		gliders:       gliders,
		defaultUser:   cfg.DefaultUser,
		defaultPass:   cfg.DefaultPassword,
		directTimeout: cfg.DirectTimeout,
		proxyTimeout:  cfg.ProxyTimeout,
		jars:          make(map[string]http.CookieJar),
		locks:         make(map[string]*sync.Mutex),
	}
	if m.directTimeout == 0 {
		m.directTimeout = defaultDirectTimeout
	}
	if m.proxyTimeout == 0 {
		m.proxyTimeout = defaultProxyTimeout
	}
	connect := cfg.ConnectTimeout
	if connect == 0 {
		connect = defaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: connect}
	m.directTransport = &http.Transport{
		DialContext:     dialer.DialContext,
		IdleConnTimeout: m.directTimeout,
	}
	if cfg.ProxyURL != "" {
		m.proxy, err = url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("op=ucs.NewManager: proxy url: %w", err)
		}
		m.proxyTransport = &http.Transport{
			Proxy:           http.ProxyURL(m.proxy),
			DialContext:     dialer.DialContext,
			IdleConnTimeout: m.proxyTimeout,
		}
	}
	return m, nil
}

// HasProxy reports whether proxy fallback is configured.
func (m *Manager) HasProxy() bool { return m.proxy != nil }

// jarFor returns the process-wide cookie jar for user, creating it on
// first use.
func (m *Manager) jarFor(user string) http.CookieJar {
	m.mu.Lock()
	defer m.mu.Unlock()
	jar, ok := m.jars[user]
	if !ok {
		jar, _ = cookiejar.New(nil)
		m.jars[user] = jar
	}
	return jar
}

// lockFor returns the process-wide login mutex for user.
func (m *Manager) lockFor(user string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[user]
	if !ok {
		l = &sync.Mutex{}
		m.locks[user] = l
	}
	return l
}

// Session returns a session bound to the given upstream credentials.
// The username must not be all digits: users routinely paste their
// numeric contest id instead of the username.
func (m *Manager) Session(user, password string) (*Session, error) {
	hasLetter := false
	for _, r := range user {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return nil, fmt.Errorf("%w: username cannot be all numbers, use the contest username, not the numeric id", domain.ErrCredentialInvalid)
	}
	jar := m.jarFor(user)
	s := &Session{
		m:        m,
		user:     user,
		password: password,
		loginMu:  m.lockFor(user),
		headers:  pickHeaders(),
	}
	s.direct = &http.Client{Transport: m.directTransport, Jar: jar, Timeout: m.directTimeout}
	s.directNR = &http.Client{Transport: m.directTransport, Jar: jar, Timeout: m.directTimeout, CheckRedirect: noRedirect}
	if m.proxyTransport != nil {
		s.proxied = &http.Client{Transport: m.proxyTransport, Jar: jar, Timeout: m.proxyTimeout}
		s.proxiedNR = &http.Client{Transport: m.proxyTransport, Jar: jar, Timeout: m.proxyTimeout, CheckRedirect: noRedirect}
	}
	return s, nil
}

// DefaultSession returns a session on the fallback credentials used
// by health probes and anonymous flight-book reads.
func (m *Manager) DefaultSession() (*Session, error) {
	return m.Session(m.defaultUser, m.defaultPass)
}

func noRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

// Session is one upstream-credential HTTP client. The cookie jar and
// login mutex are shared process-wide with every other session for the
// same user.
type Session struct {
	m        *Manager
	user     string
	password string
	loginMu  *sync.Mutex
	headers  http.Header

	direct    *http.Client
	directNR  *http.Client
	proxied   *http.Client
	proxiedNR *http.Client
}

// User returns the upstream username this session is bound to.
func (s *Session) User() string { return s.user }

// result is one completed upstream exchange.
type result struct {
	status    int
	header    http.Header
	body      []byte
	usedProxy bool
}

type sendOpts struct {
	noRedirect bool
	forceProxy bool
	// form is x-www-form-urlencoded values; json is a raw JSON body.
	form url.Values
	json []byte
	// accept overrides the session's Accept header.
	accept string
}

// errClass separates transport failures for the retry policy.
type errClass int

const (
	classOther errClass = iota
	classConn           // connection refused/reset, server disconnected
	classTimeout
)

func classify(err error) errClass {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return classTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return classConn
	}
	return classOther
}

var errRetryable429 = errors.New("upstream returned 429")

// send performs one upstream exchange with the transport retry policy:
// up to three attempts with exponential backoff from 100ms, retrying
// only connection-level failures and HTTP 429. The first attempt goes
// direct; every subsequent attempt uses the proxy when configured.
// Timeouts are not retried here; callers fall back to the proxy once.
func (s *Session) send(ctx context.Context, method, ref string, opts sendOpts) (*result, error) {
	u, err := s.m.base.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("op=ucs.send: %w", err)
	}

	var res *result
	attempt := 0
	op := func() error {
		attempt++
		proxied := opts.forceProxy || attempt > 1
		client := s.pick(proxied, opts.noRedirect)
		proxied = proxied && s.proxied != nil

		var body io.Reader
		ct := ""
		switch {
		case opts.form != nil:
			body = strings.NewReader(opts.form.Encode())
			ct = "application/x-www-form-urlencoded"
		case opts.json != nil:
			body = bytes.NewReader(opts.json)
			ct = "application/json"
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vs := range s.headers {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		if opts.accept != "" {
			req.Header.Set("Accept", opts.accept)
		}

		resp, err := client.Do(req)
		if err != nil {
			switch classify(err) {
			case classConn:
				return err // retryable
			default:
				return backoff.Permanent(err)
			}
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			if classify(err) == classConn {
				return err
			}
			return backoff.Permanent(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			res = &result{status: resp.StatusCode, header: resp.Header, body: data, usedProxy: proxied}
			return errRetryable429
		}
		res = &result{status: resp.StatusCode, header: resp.Header, body: data, usedProxy: proxied}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryStartBackoff
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, retryAttempts-1), ctx))
	if err != nil && !errors.Is(err, errRetryable429) {
		return nil, err
	}
	// Exhausted retries on 429: surface the last response.
	return res, nil
}

func (s *Session) pick(proxied, noRedir bool) *http.Client {
	if proxied && s.proxied != nil {
		if noRedir {
			return s.proxiedNR
		}
		return s.proxied
	}
	if noRedir {
		return s.directNR
	}
	return s.direct
}

// hasAuthCookie reports whether the shared jar currently holds the
// upstream auth cookie.
func (s *Session) hasAuthCookie() bool {
	for _, c := range s.direct.Jar.Cookies(s.m.base) {
		if c.Name == authCookieName {
			return true
		}
	}
	return false
}

// Login ensures an authenticated session. Logins for the same user are
// serialized process-wide; with force unset a live auth cookie is
// reused without touching the network.
func (s *Session) Login(ctx context.Context, force bool) error {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	if !force && s.hasAuthCookie() {
		slog.Debug("reusing cookies", slog.String("ucs_user", s.user))
		return nil
	}

	ctx, span := tracer.Start(ctx, "ucs.login")
	defer span.End()
	t0 := time.Now()

	res, err := s.send(ctx, http.MethodPost, "secure/login.html", sendOpts{
		form: url.Values{
			"_ident_":  {s.user},
			"_name__":  {s.password},
			"ok_par.x": {"1"},
		},
	})
	if err != nil {
		return fmt.Errorf("op=ucs.Login: %w", err)
	}
	if res.status == http.StatusTooManyRequests {
		slog.Error("upstream returned 429 on login", slog.String("ucs_user", s.user))
		return fmt.Errorf("%w: upstream rate limited the login", domain.ErrTransientUpstream)
	}
	body := string(res.body)
	if strings.Contains(body, loginFaultMarker) {
		return fmt.Errorf("%w: login rejected for user %s: faulty entry; use the contest username, not the numeric id", domain.ErrCredentialInvalid, s.user)
	}
	if !s.hasAuthCookie() {
		fragment := extractMobileLoginFragment(body)
		if fragment == "" {
			fragment = "no login fragment found"
		}
		slog.Error("login cookies missing",
			slog.String("ucs_user", s.user),
			slog.Int("status", res.status),
			slog.String("fragment", fragment))
		return fmt.Errorf("%w: login cookies not found for user %s", domain.ErrAuthFailed, s.user)
	}
	slog.Info("login succeeded",
		slog.String("ucs_user", s.user),
		slog.Duration("took", time.Since(t0)))
	span.SetAttributes(attribute.Bool("ucs.login_success", true))
	return nil
}
