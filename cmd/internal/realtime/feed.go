// Package realtime follows a project's live feed (donations, comments, ratings, edits) over
// WebSocket, authenticated through the session manager.
//
// The handshake carries the same bearer token as API requests. A 401 on the handshake goes
// through the manager's refresh path once, exactly like a rejected request; a second 401 ends
// the session. Transport drops are retried with capped exponential backoff.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"crowd/cmd/internal/auth/session"
	v1 "crowd/cmd/internal/contracts/feed/v1"
	"crowd/cmd/security/token"
)

const opFeed = "Live updates unavailable"

// ErrSignedOut is returned by Run when the user logged out while following a feed.
var ErrSignedOut = errors.New("signed out")

// Session is the part of *session.Manager a Feed needs.
type Session interface {
	AccessToken() string
	Unauthorized(ctx context.Context, op, rejected string) (string, error)
	ForceLogout(ctx context.Context)
	Subscribe(buf int) *session.Subscription
}

// Handler receives every validated project event. Returning an error stops Run with it.
type Handler func(ctx context.Context, env v1.Envelope) error

// Options carries optional collaborators. Zero values select defaults.
type Options struct {
	// HTTPClient performs the handshake. It must not set Timeout; HandshakeTimeout applies.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *Metrics
}

// Feed follows project feeds for one session.
type Feed struct {
	cfg     Config
	sess    Session
	http    *http.Client
	log     *slog.Logger
	metrics *Metrics
}

func NewFeed(cfg Config, sess Session, opts Options) (*Feed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session is required", ErrConfig)
	}
	f := &Feed{cfg: cfg, sess: sess, http: opts.HTTPClient, log: opts.Logger, metrics: opts.Metrics}
	if f.log == nil {
		f.log = slog.Default()
	}
	return f, nil
}

// stopError carries a terminal outcome out of a connection attempt.
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

func stop(err error) error { return &stopError{err: err} }

// errRedial asks Run to reconnect at once (the signed-in identity changed).
var errRedial = errors.New("session changed")

// Run follows projectID and calls h for each event until ctx is done (nil), h fails (its
// error), the user logs out (ErrSignedOut) or the session ends (matches session.ErrSessionExpired).
func (f *Feed) Run(ctx context.Context, projectID int64, h Handler) error {
	if projectID <= 0 {
		return fmt.Errorf("%w: project id must be positive", ErrConfig)
	}
	if h == nil {
		return fmt.Errorf("%w: handler is required", ErrConfig)
	}

	sub := f.sess.Subscribe(8)
	defer sub.Close()

	log := f.log.With("project_id", projectID)
	backoff := f.cfg.BackoffMin

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			f.metrics.observeReconnect()
		}

		healthy, err := f.connect(ctx, projectID, sub, h, log)
		if ctx.Err() != nil {
			return nil
		}
		var st *stopError
		if errors.As(err, &st) {
			log.Info("feed.stop", "err", st.err)
			return st.err
		}
		if healthy {
			backoff = f.cfg.BackoffMin
		}
		if errors.Is(err, errRedial) {
			log.Info("feed.redial")
			continue
		}

		delay := backoff + rand.N(backoff/4+1)
		log.Info("feed.reconnect", "in", delay, "err", err)
		if err := f.wait(ctx, sub, delay); err != nil {
			var st *stopError
			if errors.As(err, &st) {
				return st.err
			}
			if ctx.Err() != nil {
				return nil
			}
			// Redial requested while waiting; skip the rest of the backoff.
			continue
		}
		backoff = min(backoff*2, f.cfg.BackoffMax)
	}
}

// wait sleeps for d while still honoring session changes.
func (f *Feed) wait(ctx context.Context, sub *session.Subscription, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-sub.C:
			if err := onSessionEvent(ev, ok); err != nil {
				return err
			}
		}
	}
}

// onSessionEvent maps a session change to the feed's next step; nil means keep going.
func onSessionEvent(ev session.Event, ok bool) error {
	switch {
	case !ok:
		return stop(ErrSignedOut)
	case ev.Kind == session.EventExpired:
		return stop(&session.ExpiredError{Op: opFeed})
	case ev.Kind == session.EventLogout, !ev.Authenticated:
		return stop(ErrSignedOut)
	case ev.Kind == session.EventLogin, ev.Kind == session.EventExternal:
		return errRedial
	default:
		// A refresh does not invalidate an open socket.
		return nil
	}
}

// connect runs one connection to completion. healthy reports whether the server acknowledged it.
func (f *Feed) connect(ctx context.Context, projectID int64, sub *session.Subscription, h Handler, log *slog.Logger) (healthy bool, err error) {
	conn, err := f.dial(ctx, projectID, log)
	if err != nil {
		return false, err
	}
	conn.SetReadLimit(maxFrameBytes)

	cctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.CloseNow()
		wg.Wait()
	}()

	hello, err := newEnvelope(v1.TypeHello, projectID, nil)
	if err != nil {
		return false, err
	}
	if err := writeEnvelope(cctx, conn, hello, f.cfg.WriteTimeout); err != nil {
		return false, fmt.Errorf("feed hello: %w", err)
	}

	frames := make(chan inbound)
	readErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			env, err := readEnvelope(cctx, conn)
			if err != nil && classifyReadErr(err) != readErrBadFrame {
				readErr <- err
				return
			}
			select {
			case frames <- inbound{env: env, err: err}:
			case <-cctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.heartbeat(cctx, conn, log)
	}()

	rl := NewRateLimiter(f.cfg.RateEvents, f.cfg.RateWindow)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return healthy, ctx.Err()

		case err := <-readErr:
			if classifyReadErr(err) == readErrClose {
				log.Info("feed.closed", "status", websocket.CloseStatus(err))
			}
			return healthy, fmt.Errorf("feed read: %w", err)

		case ev, ok := <-sub.C:
			if err := onSessionEvent(ev, ok); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "session changed")
				return healthy, err
			}

		case in := <-frames:
			// Malformed frames count against the rate too.
			if !rl.Allow(time.Now()) {
				f.metrics.observeDropped("rate_limited")
				_ = conn.Close(websocket.StatusPolicyViolation, "rate limited")
				return healthy, errors.New("feed: server exceeded frame rate")
			}
			if in.err != nil {
				f.metrics.observeDropped("bad_frame")
				log.Info("feed.frame.bad", "err", in.err)
				continue
			}
			env := in.env
			if err := env.Validate(); err != nil {
				f.metrics.observeDropped("invalid")
				log.Info("feed.frame.invalid", "err", err)
				continue
			}
			if !belongsTo(env, projectID) {
				f.metrics.observeDropped("wrong_project")
				log.Info("feed.frame.wrong_project", "type", env.Type, "frame_project_id", env.ProjectID)
				continue
			}

			switch env.Type {
			case v1.TypeHelloAck:
				healthy = true
				ack, _ := Payload[v1.HelloAckPayload](env)
				log.Info("feed.connected", "session_id", ack.SessionID)
			case v1.TypeError:
				p, _ := Payload[v1.ErrorPayload](env)
				log.Warn("feed.server_error", "code", p.Code, "message", p.Message)
			case v1.TypeHello:
			default:
				f.metrics.observeEvent(env.Type)
				if err := h(ctx, env); err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "bye")
					return healthy, stop(err)
				}
			}
		}
	}
}

// inbound is one read result: a decoded envelope, or the reason a frame was unreadable.
type inbound struct {
	env v1.Envelope
	err error
}

// belongsTo reports whether env is addressed to projectID. Control frames may omit the id.
func belongsTo(env v1.Envelope, projectID int64) bool {
	switch env.Type {
	case v1.TypeHello, v1.TypeHelloAck, v1.TypeError:
		return env.ProjectID == 0 || env.ProjectID == projectID
	default:
		return env.ProjectID == projectID
	}
}

// dial opens the socket, refreshing once on a 401 handshake.
func (f *Feed) dial(ctx context.Context, projectID int64, log *slog.Logger) (*websocket.Conn, error) {
	used := f.sess.AccessToken()
	conn, status, err := f.handshake(ctx, projectID, used)
	if status != http.StatusUnauthorized {
		return conn, err
	}

	log.Info("feed.handshake.unauthorized", "access", token.Fingerprint(used))
	next, err := f.sess.Unauthorized(ctx, opFeed, used)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			return nil, stop(err)
		}
		return nil, err
	}

	conn, status, err = f.handshake(ctx, projectID, next)
	if status == http.StatusUnauthorized {
		log.Warn("feed.retry.unauthorized")
		f.sess.ForceLogout(ctx)
		return nil, stop(&session.ExpiredError{Op: opFeed, Cause: err})
	}
	return conn, err
}

// handshake performs one dial and reports the HTTP status of a rejected upgrade.
func (f *Feed) handshake(ctx context.Context, projectID int64, access string) (*websocket.Conn, int, error) {
	hctx, cancel := context.WithTimeout(ctx, f.cfg.HandshakeTimeout)
	defer cancel()

	h := http.Header{}
	if access != "" {
		h.Set("Authorization", "Bearer "+access)
	}

	conn, resp, err := websocket.Dial(hctx, f.cfg.projectURL(projectID), &websocket.DialOptions{
		HTTPClient:   f.http,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, status, fmt.Errorf("feed dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, 0, fmt.Errorf("feed dial: server selected subprotocol %q", sp)
	}
	return conn, http.StatusSwitchingProtocols, nil
}

// heartbeat pings until ctx is done and drops the connection after repeated failures.
func (f *Feed) heartbeat(ctx context.Context, conn *websocket.Conn, log *slog.Logger) {
	t := time.NewTicker(f.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, f.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Info("feed.ping.fail", "failures", failures, "err", err)
			if failures >= maxPingFailures {
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}
