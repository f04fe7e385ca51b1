package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crowd/cmd/security/token"
)

// Persisted key names. Both are written and removed together.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// Backend is the durable key-value store holding the credential pair.
//
// Implementations must be safe for concurrent use. Store must persist all given keys or none.
type Backend interface {
	Load(ctx context.Context, keys ...string) (map[string]string, error)
	Store(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// Pair is the credential pair. Both fields are set, or the session is anonymous.
type Pair struct {
	Access  string
	Refresh string
}

func (p Pair) valid() bool {
	return strings.TrimSpace(p.Access) != "" && strings.TrimSpace(p.Refresh) != ""
}

// State is the single owner of the credential pair.
//
// Every mutation goes through Set, Clear or Reload, persists to the Backend and publishes an Event.
// The mutex is held across persistence so the in-memory pair and the stored pair never diverge.
type State struct {
	mu      sync.RWMutex
	pair    Pair
	backend Backend
	bus     *broadcaster
	log     *slog.Logger
	now     func() time.Time
}

// NewState loads the stored pair from backend.
//
// A half-present pair (one key without the other) is treated as anonymous and the stray key is removed.
func NewState(ctx context.Context, backend Backend, log *slog.Logger) (*State, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrConfig)
	}
	if log == nil {
		log = slog.Default()
	}

	s := &State{
		backend: backend,
		bus:     newBroadcaster(),
		log:     log,
		now:     time.Now,
	}

	pair, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.pair = pair
	return s, nil
}

func (s *State) load(ctx context.Context) (Pair, error) {
	vals, err := s.backend.Load(ctx, KeyAccessToken, KeyRefreshToken)
	if err != nil {
		return Pair{}, fmt.Errorf("load credentials: %w", err)
	}

	pair := Pair{Access: vals[KeyAccessToken], Refresh: vals[KeyRefreshToken]}
	if pair.valid() {
		return pair, nil
	}
	if pair.Access != "" || pair.Refresh != "" {
		s.log.Warn("session.state.partial", "has_access", pair.Access != "", "has_refresh", pair.Refresh != "")
		if err := s.backend.Delete(ctx, KeyAccessToken, KeyRefreshToken); err != nil {
			return Pair{}, fmt.Errorf("delete partial credentials: %w", err)
		}
	}
	return Pair{}, nil
}

// Get returns the current pair and whether the session is authenticated.
func (s *State) Get() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.pair.valid()
}

// Access returns the current access token, or "".
func (s *State) Access() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.Access
}

// Set persists pair and publishes an event of the given kind.
// The in-memory pair is only replaced once the backend accepted the write.
func (s *State) Set(ctx context.Context, pair Pair, kind EventKind) error {
	if !pair.valid() {
		return fmt.Errorf("%w: both tokens are required", ErrInvalidRequest)
	}

	s.mu.Lock()
	if err := s.persist(ctx, pair); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pair = pair
	s.mu.Unlock()

	s.emit(kind, true)
	return nil
}

// Clear removes both tokens and publishes an event of the given kind, even if no pair was stored.
//
// The in-memory pair is cleared even when the backend fails, so the process never keeps
// using credentials the caller asked to drop. The backend error is still returned.
func (s *State) Clear(ctx context.Context, kind EventKind) error {
	s.mu.Lock()
	s.pair = Pair{}
	err := s.backend.Delete(ctx, KeyAccessToken, KeyRefreshToken)
	s.mu.Unlock()

	s.emit(kind, false)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// Reload re-reads the backend, for when another process may have changed it.
// Emits EventExternal only if the pair actually changed.
func (s *State) Reload(ctx context.Context) error {
	s.mu.Lock()
	pair, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed := pair != s.pair
	s.pair = pair
	s.mu.Unlock()

	if changed {
		s.log.Info("session.state.external", "authenticated", pair.valid(), "access", token.Fingerprint(pair.Access))
		s.emit(EventExternal, pair.valid())
	}
	return nil
}

// Subscribe registers for session-changed events. buf <= 0 selects a small default.
func (s *State) Subscribe(buf int) *Subscription {
	return s.bus.subscribe(buf)
}

// Close detaches every subscriber.
func (s *State) Close() {
	s.bus.closeAll()
}

// swap replaces the pair only if the stored refresh token is still expectRefresh.
// It reports false (without error) if the session changed in the meantime.
func (s *State) swap(ctx context.Context, expectRefresh string, next Pair) (bool, error) {
	s.mu.Lock()
	if s.pair.Refresh != expectRefresh || !s.pair.valid() {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.persist(ctx, next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.pair = next
	s.mu.Unlock()

	s.emit(EventRefreshed, true)
	return true, nil
}

// clearIf clears the pair only if the stored refresh token is still expectRefresh.
func (s *State) clearIf(ctx context.Context, expectRefresh string, kind EventKind) (bool, error) {
	s.mu.Lock()
	if s.pair.Refresh != expectRefresh || !s.pair.valid() {
		s.mu.Unlock()
		return false, nil
	}
	s.pair = Pair{}
	err := s.backend.Delete(ctx, KeyAccessToken, KeyRefreshToken)
	s.mu.Unlock()

	s.emit(kind, false)
	if err != nil {
		return true, fmt.Errorf("delete credentials: %w", err)
	}
	return true, nil
}

func (s *State) persist(ctx context.Context, pair Pair) error {
	err := s.backend.Store(ctx, map[string]string{
		KeyAccessToken:  pair.Access,
		KeyRefreshToken: pair.Refresh,
	})
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

func (s *State) emit(kind EventKind, authenticated bool) {
	s.bus.publish(Event{Kind: kind, At: s.now().UTC(), Authenticated: authenticated})
}
