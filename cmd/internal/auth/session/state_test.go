package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"crowd/cmd/internal/auth/tokenstore"
)

type failingBackend struct {
	*tokenstore.Memory
	storeErr  error
	deleteErr error
}

func (b *failingBackend) Store(ctx context.Context, values map[string]string) error {
	if b.storeErr != nil {
		return b.storeErr
	}
	return b.Memory.Store(ctx, values)
}

func (b *failingBackend) Delete(ctx context.Context, keys ...string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return b.Memory.Delete(ctx, keys...)
}

func newTestState(t *testing.T, backend Backend) *State {
	t.Helper()
	st, err := NewState(context.Background(), backend, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestNewState_LoadsStoredPair(t *testing.T) {
	mem := tokenstore.NewMemory()
	_ = mem.Store(context.Background(), map[string]string{KeyAccessToken: "a1", KeyRefreshToken: "r1"})

	st := newTestState(t, mem)
	pair, ok := st.Get()
	if !ok || pair != (Pair{Access: "a1", Refresh: "r1"}) {
		t.Fatalf("Get = %+v, %v", pair, ok)
	}
}

func TestNewState_PartialPairIsAnonymous(t *testing.T) {
	cases := map[string]map[string]string{
		"access only":  {KeyAccessToken: "a1"},
		"refresh only": {KeyRefreshToken: "r1"},
		"blank access": {KeyAccessToken: "  ", KeyRefreshToken: "r1"},
	}
	for name, stored := range cases {
		t.Run(name, func(t *testing.T) {
			mem := tokenstore.NewMemory()
			_ = mem.Store(context.Background(), stored)

			st := newTestState(t, mem)
			if _, ok := st.Get(); ok {
				t.Fatalf("partial pair must be anonymous")
			}
			left, _ := mem.Load(context.Background(), KeyAccessToken, KeyRefreshToken)
			if len(left) != 0 {
				t.Fatalf("stray key must be removed, got %v", left)
			}
		})
	}
}

func TestNewState_RequiresBackend(t *testing.T) {
	if _, err := NewState(context.Background(), nil, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestState_SetRejectsIncompletePair(t *testing.T) {
	st := newTestState(t, tokenstore.NewMemory())
	if err := st.Set(context.Background(), Pair{Access: "a"}, EventLogin); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestState_SetKeepsOldPairWhenBackendFails(t *testing.T) {
	backend := &failingBackend{Memory: tokenstore.NewMemory()}
	st := newTestState(t, backend)
	ctx := context.Background()

	if err := st.Set(ctx, Pair{Access: "a1", Refresh: "r1"}, EventLogin); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sub := st.Subscribe(4)
	defer sub.Close()

	boom := errors.New("disk full")
	backend.storeErr = boom
	if err := st.Set(ctx, Pair{Access: "a2", Refresh: "r2"}, EventLogin); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if pair, _ := st.Get(); pair.Access != "a1" {
		t.Fatalf("in-memory pair must not change on failed persist, got %+v", pair)
	}
	if evs := drained(sub); len(evs) != 0 {
		t.Fatalf("failed Set must not emit, got %+v", evs)
	}
}

func TestState_ClearDropsPairEvenWhenBackendFails(t *testing.T) {
	backend := &failingBackend{Memory: tokenstore.NewMemory()}
	st := newTestState(t, backend)
	ctx := context.Background()
	_ = st.Set(ctx, Pair{Access: "a1", Refresh: "r1"}, EventLogin)

	sub := st.Subscribe(4)
	defer sub.Close()

	boom := errors.New("read-only")
	backend.deleteErr = boom
	if err := st.Clear(ctx, EventLogout); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if _, ok := st.Get(); ok {
		t.Fatalf("in-memory pair must be dropped")
	}
	if ev := nextEvent(t, sub); ev.Kind != EventLogout {
		t.Fatalf("expected logout event, got %+v", ev)
	}
}

func TestState_ReloadEmitsOnlyOnChange(t *testing.T) {
	mem := tokenstore.NewMemory()
	st := newTestState(t, mem)
	ctx := context.Background()

	sub := st.Subscribe(4)
	defer sub.Close()

	if err := st.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if evs := drained(sub); len(evs) != 0 {
		t.Fatalf("unchanged reload must not emit, got %+v", evs)
	}

	// Another process logs in.
	_ = mem.Store(ctx, map[string]string{KeyAccessToken: "a9", KeyRefreshToken: "r9"})
	if err := st.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if ev := nextEvent(t, sub); ev.Kind != EventExternal || !ev.Authenticated {
		t.Fatalf("expected external login event, got %+v", ev)
	}
	if st.Access() != "a9" {
		t.Fatalf("Access = %q", st.Access())
	}

	// And logs out again.
	_ = mem.Delete(ctx, KeyAccessToken, KeyRefreshToken)
	_ = st.Reload(ctx)
	if ev := nextEvent(t, sub); ev.Kind != EventExternal || ev.Authenticated {
		t.Fatalf("expected external logout event, got %+v", ev)
	}
}

func TestState_SwapAndClearIfAreConditional(t *testing.T) {
	st := newTestState(t, tokenstore.NewMemory())
	ctx := context.Background()
	_ = st.Set(ctx, Pair{Access: "a1", Refresh: "r1"}, EventLogin)

	ok, err := st.swap(ctx, "stale", Pair{Access: "a2", Refresh: "r2"})
	if err != nil || ok {
		t.Fatalf("swap with stale refresh must be a no-op, got %v, %v", ok, err)
	}
	ok, err = st.swap(ctx, "r1", Pair{Access: "a2", Refresh: "r2"})
	if err != nil || !ok {
		t.Fatalf("swap: %v, %v", ok, err)
	}

	cleared, err := st.clearIf(ctx, "r1", EventExpired)
	if err != nil || cleared {
		t.Fatalf("clearIf with spent refresh must be a no-op, got %v, %v", cleared, err)
	}
	if _, ok := st.Get(); !ok {
		t.Fatalf("pair must survive stale clearIf")
	}
	cleared, err = st.clearIf(ctx, "r2", EventExpired)
	if err != nil || !cleared {
		t.Fatalf("clearIf: %v, %v", cleared, err)
	}
}

func TestRequest_StaleRefreshTokenIsNotReplayed(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	before, _ := h.state.Get()

	if _, err := h.mgr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// A caller still holding the spent token must not reach the backend with it.
	if _, err := h.mgr.refreshWith(context.Background(), before.Refresh); !errors.Is(err, errSessionChanged) {
		t.Fatalf("expected errSessionChanged, got %v", err)
	}
	if got := h.srv.Calls("refresh"); got != 1 {
		t.Fatalf("expected 1 refresh call, got %d", got)
	}
	if _, ok := h.state.Get(); !ok {
		t.Fatalf("session must survive")
	}
}
