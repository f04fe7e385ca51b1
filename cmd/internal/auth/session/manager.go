package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"crowd/cmd/security/token"
)

const maxResponseBytes = 8 << 20

// Phase is the lifecycle position of one logical request. Used in logs.
type Phase string

const (
	PhaseUnsent          Phase = "unsent"
	PhaseSent            Phase = "sent"
	PhaseNeedsRefresh    Phase = "needs_refresh"
	PhaseRefreshInFlight Phase = "refresh_in_flight"
	PhaseRetrySent       Phase = "retry_sent"
	PhaseSucceeded       Phase = "succeeded"
	PhaseFailed          Phase = "failed"
)

// Credentials is the login request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Options carries optional collaborators. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Navigator  Navigator
	Metrics    *Metrics
}

// Manager mediates every outgoing API call.
//
// It is safe for concurrent use. Each logical request is retried at most once after a 401,
// and concurrent refreshes of the same refresh token share one round trip.
type Manager struct {
	cfg     Config
	state   *State
	http    *http.Client
	log     *slog.Logger
	nav     Navigator
	metrics *Metrics

	refreshes singleflight.Group
	expiries  singleflight.Group
}

// NewManager validates cfg and wires the manager around state.
func NewManager(cfg Config, state *State, opts Options) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w: state is required", ErrConfig)
	}

	m := &Manager{
		cfg:     cfg,
		state:   state,
		http:    opts.HTTPClient,
		log:     opts.Logger,
		nav:     opts.Navigator,
		metrics: opts.Metrics,
	}
	if m.http == nil {
		m.http = &http.Client{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.nav == nil {
		m.nav = NopNavigator{}
	}
	return m, nil
}

// State exposes the credential owner (for Subscribe and Reload).
func (m *Manager) State() *State { return m.state }

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// Request dispatches req, attaching the bearer token when a session exists.
//
// On 401 it refreshes once and re-dispatches once. If refresh is impossible, or the retry is
// rejected with 401 again, the session is terminated and an error matching ErrSessionExpired
// is returned.
func (m *Manager) Request(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := m.do(ctx, req)
	m.metrics.observeRequest(req.Service, outcome(err), time.Since(start))
	return resp, err
}

func (m *Manager) do(ctx context.Context, req Request) (*Response, error) {
	op := req.op()
	log := m.log.With("op", op, "service", req.Service.String(), "method", req.Method, "path", req.Path)

	used := m.state.Access()
	log.Debug("session.request.phase", "phase", PhaseSent, "authenticated", used != "")

	resp, err := m.dispatch(ctx, req, used)
	if !isUnauthorized(err) {
		log.Debug("session.request.phase", "phase", finalPhase(err))
		return resp, err
	}

	log.Info("session.request.unauthorized", "phase", PhaseNeedsRefresh, "access", token.Fingerprint(used))

	log.Debug("session.request.phase", "phase", PhaseRefreshInFlight)
	next, rerr := m.Unauthorized(ctx, op, used)
	if rerr != nil {
		return nil, rerr
	}

	m.metrics.observeRetry()
	log.Debug("session.request.phase", "phase", PhaseRetrySent, "access", token.Fingerprint(next))

	resp, err = m.dispatch(ctx, req, next)
	if isUnauthorized(err) {
		log.Warn("session.retry.unauthorized", "phase", PhaseFailed)
		m.expire(ctx, false)
		return nil, &ExpiredError{Op: op, Cause: err}
	}
	log.Debug("session.request.phase", "phase", finalPhase(err))
	return resp, err
}

// Unauthorized handles a 401 for the rejected access token and returns the token to retry with.
//
// Callers that talk to the backend outside Request (the project feed handshake) use it so a
// rejection is treated exactly like a rejected request: one shared refresh, or termination of
// the session with an error matching ErrSessionExpired. A done ctx yields a *TransportError and
// leaves the session alone.
func (m *Manager) Unauthorized(ctx context.Context, op, rejected string) (string, error) {
	next, err := m.tokenFor(ctx, rejected)
	if err == nil {
		return next, nil
	}
	if isCanceled(ctx, err) {
		return "", &TransportError{Op: op, Err: err}
	}
	m.log.Warn("session.refresh.fail", "op", op, "phase", PhaseFailed, "err", err)
	m.expire(ctx, rejected == "")
	return "", &ExpiredError{Op: op, Cause: err}
}

// dispatch performs a single HTTP round trip bounded by RequestTimeout.
func (m *Manager) dispatch(ctx context.Context, req Request, access string) (*Response, error) {
	op := req.op()

	target, err := endpoint(m.cfg.baseURL(req.Service), req.Path, req.Query)
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(dctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("X-Request-ID", ulid.Make().String())
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	if m.cfg.UserAgent != "" {
		hreq.Header.Set("User-Agent", m.cfg.UserAgent)
	}
	if access != "" {
		hreq.Header.Set("Authorization", "Bearer "+access)
	}

	hres, err := m.http.Do(hreq)
	if err != nil {
		return nil, transportError(ctx, dctx, op, err)
	}
	defer func() { _ = hres.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(hres.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, dctx, op, err)
	}

	if hres.StatusCode >= 200 && hres.StatusCode < 300 {
		return &Response{StatusCode: hres.StatusCode, Header: hres.Header, Body: raw}, nil
	}
	return nil, newResponseError(op, hres.StatusCode, raw)
}

// Login exchanges credentials for a token pair and stores it.
// On failure nothing is stored and the backend payload is returned in a *ResponseError.
func (m *Manager) Login(ctx context.Context, creds Credentials) (Identity, error) {
	const op = "Login failed"

	resp, err := m.dispatch(ctx, Request{
		Service: ServiceAccounts,
		Method:  http.MethodPost,
		Path:    m.cfg.LoginPath,
		Body:    creds,
		Op:      op,
	}, "")
	if err != nil {
		m.log.Info("session.login.fail", "err", err)
		return Identity{}, err
	}

	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := resp.Decode(&out); err != nil {
		return Identity{}, fmt.Errorf("%s: %w", op, err)
	}
	return m.Establish(ctx, out.Access, out.Refresh)
}

// Establish stores a pair obtained outside Login (account activation) and emits EventLogin.
func (m *Manager) Establish(ctx context.Context, access, refresh string) (Identity, error) {
	pair := Pair{Access: access, Refresh: refresh}
	if !pair.valid() {
		return Identity{}, fmt.Errorf("login: %w: token pair incomplete", ErrMalformedResponse)
	}
	if err := m.state.Set(ctx, pair, EventLogin); err != nil {
		return Identity{}, err
	}

	id, _ := DecodeIdentity(access)
	m.log.Info("session.login.ok", "subject", id.Subject, "access", token.Fingerprint(access))
	return id, nil
}

// Logout clears the pair and emits EventLogout. It always succeeds locally.
//
// With RevokeOnLogout the refresh token is first posted to the revoke endpoint; that call is
// best-effort and its failure is only logged.
func (m *Manager) Logout(ctx context.Context) {
	if pair, ok := m.state.Get(); ok && m.cfg.RevokeOnLogout {
		m.revoke(ctx, pair)
	}
	if err := m.state.Clear(ctx, EventLogout); err != nil {
		m.log.Error("session.logout.persist_fail", "err", err)
	}
	m.log.Info("session.logout")
}

// ForceLogout clears the pair with EventExpired and redirects to login with the expiry notice.
func (m *Manager) ForceLogout(ctx context.Context) {
	if err := m.state.Clear(ctx, EventExpired); err != nil {
		m.log.Error("session.expire.persist_fail", "err", err)
	}
	m.redirect(ctx)
}

// expire is the request-path ForceLogout. Concurrent expiries collapse into one redirect,
// and no second event is emitted when a failed refresh already cleared the pair.
// anonymous marks a rejection of a request sent without a token: nothing was cleared on its
// behalf, so the event is published here.
func (m *Manager) expire(ctx context.Context, anonymous bool) {
	_, _, _ = m.expiries.Do("expire", func() (any, error) {
		pair, ok := m.state.Get()
		switch {
		case anonymous:
			// A pair stored since then belongs to a later login.
			if !ok {
				m.state.emit(EventExpired, false)
			}
		case ok:
			if _, err := m.state.clearIf(ctx, pair.Refresh, EventExpired); err != nil {
				m.log.Error("session.expire.persist_fail", "err", err)
			}
		}
		m.redirect(ctx)
		return nil, nil
	})
}

func (m *Manager) redirect(ctx context.Context) {
	m.metrics.observeForcedLogout()
	m.log.Warn("session.expired", "notice", m.cfg.ExpiredNotice)
	m.nav.RedirectToLogin(ctx, m.cfg.ExpiredNotice)
}

// AccessToken returns the stored access token, or "" when anonymous.
func (m *Manager) AccessToken() string { return m.state.Access() }

// CurrentUser decodes the stored access token. It never fails loudly.
func (m *Manager) CurrentUser() (Identity, bool) {
	return DecodeIdentity(m.state.Access())
}

// Subscribe is a shorthand for State().Subscribe.
func (m *Manager) Subscribe(buf int) *Subscription {
	return m.state.Subscribe(buf)
}

func (m *Manager) revoke(ctx context.Context, pair Pair) {
	_, err := m.dispatch(ctx, Request{
		Service: ServiceAccounts,
		Method:  http.MethodPost,
		Path:    m.cfg.RevokePath,
		Body:    map[string]string{"refresh": pair.Refresh},
		Op:      "Logout failed",
	}, pair.Access)
	if err != nil {
		m.log.Warn("session.revoke.fail", "refresh", token.Fingerprint(pair.Refresh), "err", err)
	}
}

func newResponseError(op string, status int, raw []byte) *ResponseError {
	e := &ResponseError{Op: op, Status: status}
	if status < 500 && len(raw) > 0 && json.Valid(raw) {
		e.Payload = json.RawMessage(raw)
	}
	return e
}

func transportError(parent, dispatch context.Context, op string, err error) error {
	if parent.Err() == nil && errors.Is(dispatch.Err(), context.DeadlineExceeded) {
		return &TransportError{Op: op, Err: ErrTimeout}
	}
	return &TransportError{Op: op, Err: err}
}

func isUnauthorized(err error) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.Status == http.StatusUnauthorized
}

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func finalPhase(err error) Phase {
	if err != nil {
		return PhaseFailed
	}
	return PhaseSucceeded
}

func outcome(err error) string {
	var re *ResponseError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.As(err, &re) && re.ServerError():
		return "server_error"
	case errors.As(err, &re):
		return "rejected"
	default:
		return "invalid"
	}
}
