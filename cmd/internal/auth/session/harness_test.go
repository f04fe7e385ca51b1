package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"crowd/cmd/internal/auth/authtest"
	"crowd/cmd/internal/auth/tokenstore"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct-horse-1"
)

type recordingNavigator struct {
	mu      sync.Mutex
	notices []string
}

func (n *recordingNavigator) RedirectToLogin(_ context.Context, notice string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNavigator) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

type harness struct {
	srv    *authtest.Server
	store  *tokenstore.Memory
	state  *State
	mgr    *Manager
	nav    *recordingNavigator
	userID int64
}

func newHarness(t *testing.T, mutate func(*Config), opts ...authtest.Option) *harness {
	t.Helper()

	srv := authtest.NewServer(opts...)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.AccountsURL = srv.AccountsURL
	cfg.ProjectsURL = srv.ProjectsURL
	if mutate != nil {
		mutate(&cfg)
	}

	store := tokenstore.NewMemory()
	state, err := NewState(context.Background(), store, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	t.Cleanup(state.Close)

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)

	nav := &recordingNavigator{}
	mgr, err := NewManager(cfg, state, Options{
		HTTPClient: &http.Client{Transport: transport},
		Logger:     slog.New(slog.DiscardHandler),
		Navigator:  nav,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	return &harness{
		srv:    srv,
		store:  store,
		state:  state,
		mgr:    mgr,
		nav:    nav,
		userID: srv.AddUser(testEmail, testPassword),
	}
}

func (h *harness) login(t *testing.T) Identity {
	t.Helper()
	id, err := h.mgr.Login(context.Background(), Credentials{Email: testEmail, Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return id
}

func (h *harness) stored(t *testing.T) map[string]string {
	t.Helper()
	vals, err := h.store.Load(context.Background(), KeyAccessToken, KeyRefreshToken)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	return vals
}

// nextEvent waits briefly for one event.
func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session event")
	}
	return Event{}
}

func drained(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func profileRequest() Request {
	return Request{Service: ServiceAccounts, Method: http.MethodGet, Path: "profile/", Op: "Could not load profile"}
}

const profilePath = "/api/accounts/profile/"
