package session

import (
	"context"
	"errors"
	"net/http"

	"crowd/cmd/security/token"
)

// errSessionChanged means the pair was replaced (login, logout) while a refresh was in flight.
var errSessionChanged = errors.New("session changed during refresh")

// Refresh exchanges the stored refresh token for a new access token and returns it.
//
// With no stored pair it returns ErrUnauthenticated without touching the network.
// Any refresh failure clears the pair. A done ctx yields a *TransportError while the shared
// refresh carries on in the background.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	const op = "Session refresh failed"

	pair, ok := m.state.Get()
	if !ok {
		return "", ErrUnauthenticated
	}
	access, err := m.refreshWith(ctx, pair.Refresh)
	var te *TransportError
	switch {
	case errors.Is(err, errSessionChanged):
		return "", ErrUnauthenticated
	case err != nil && isCanceled(ctx, err) && !errors.As(err, &te):
		return "", &TransportError{Op: op, Err: err}
	}
	return access, err
}

// tokenFor picks the access token to retry with after used was rejected with 401.
//
// If the stored token already differs from used, another caller refreshed (or logged in) in the
// meantime and the stored token is returned without a refresh round trip.
func (m *Manager) tokenFor(ctx context.Context, used string) (string, error) {
	pair, ok := m.state.Get()
	if !ok {
		return "", ErrUnauthenticated
	}
	if pair.Access != used {
		m.metrics.observeRefresh("skipped")
		return pair.Access, nil
	}

	access, err := m.refreshWith(ctx, pair.Refresh)
	if errors.Is(err, errSessionChanged) {
		if cur := m.state.Access(); cur != "" && cur != used {
			return cur, nil
		}
		return "", ErrUnauthenticated
	}
	return access, err
}

// refreshWith joins (or starts) the single in-flight refresh for refresh.
//
// The shared call is detached from the caller's cancellation so one caller giving up does not
// fail the others. The caller itself stops waiting when ctx is done.
func (m *Manager) refreshWith(ctx context.Context, refresh string) (string, error) {
	ch := m.refreshes.DoChan(refresh, func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx), refresh)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			m.metrics.observeRefresh("shared")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, refresh string) (string, error) {
	const op = "Session refresh failed"
	log := m.log.With("refresh", token.Fingerprint(refresh))

	// A spent refresh token must never be replayed: reuse revokes the whole family.
	if cur, ok := m.state.Get(); !ok || cur.Refresh != refresh {
		m.metrics.observeRefresh("skipped")
		return "", errSessionChanged
	}

	resp, err := m.dispatch(ctx, Request{
		Service: ServiceAccounts,
		Method:  http.MethodPost,
		Path:    m.cfg.RefreshPath,
		Body:    map[string]string{"refresh": refresh},
		Op:      op,
	}, "")
	if err == nil {
		var out struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		}
		if derr := resp.Decode(&out); derr != nil {
			err = derr
		} else if out.Access == "" {
			err = ErrMalformedResponse
		} else {
			next := Pair{Access: out.Access, Refresh: refresh}
			if out.Refresh != "" {
				next.Refresh = out.Refresh
			}
			swapped, serr := m.state.swap(ctx, refresh, next)
			switch {
			case serr != nil:
				err = serr
			case !swapped:
				m.metrics.observeRefresh("fail")
				log.Info("session.refresh.stale")
				return "", errSessionChanged
			default:
				m.metrics.observeRefresh("ok")
				log.Info("session.refresh.ok", "access", token.Fingerprint(next.Access), "rotated", next.Refresh != refresh)
				return next.Access, nil
			}
		}
	}

	m.metrics.observeRefresh("fail")
	log.Warn("session.refresh.fail", "err", err)
	cleared, cerr := m.state.clearIf(ctx, refresh, EventExpired)
	if cerr != nil {
		log.Error("session.refresh.clear_fail", "err", cerr)
	}
	if !cleared && cerr == nil {
		return "", errSessionChanged
	}
	return "", err
}
