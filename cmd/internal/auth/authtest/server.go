// Package authtest provides an in-process fake of crowd's accounts and projects services.
//
// It issues real HS256 JWT access tokens and opaque rotating refresh tokens, counts calls per
// route and exposes hooks (ExpireAccess, FailRefresh, Inject) that drive the client through its
// refresh, retry and logout paths. It is meant for tests and local development only.
package authtest

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

const (
	accessTTL         = 5 * time.Minute
	refreshTokenBytes = 32
)

// Recorded is one request observed by the server.
type Recorded struct {
	Method        string
	Path          string
	Authorization string
	ContentType   string
}

type user struct {
	ID        int64
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	Active    bool
	Picture   string
}

type refreshState struct {
	userID int64
	family string
	used   bool
}

type injected struct {
	status int
	body   any
}

// Server is the fake backend. All methods are safe for concurrent use.
type Server struct {
	// URL is the root of the test server; AccountsURL and ProjectsURL are the service bases.
	URL         string
	AccountsURL string
	ProjectsURL string
	// FeedURL is the ws:// base for project feeds ("ws://host/ws/projects/").
	FeedURL string

	srv    *httptest.Server
	log    *slog.Logger
	secret []byte

	mu           sync.Mutex
	users        map[string]*user
	nextUserID   int64
	access       map[string]int64
	refresh      map[string]*refreshState
	activations  map[string]string
	resets       map[string]string
	rotate       bool
	failRefresh  int
	refreshDelay time.Duration
	inject       map[string][]injected
	calls        map[string]int
	requests     []Recorded

	catalog
	feed *fanout
}

// Option configures a Server.
type Option func(*Server)

// WithLogger routes server logs to log.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithoutRotation makes the refresh endpoint return only a new access token.
func WithoutRotation() Option {
	return func(s *Server) { s.rotate = false }
}

// WithPageSize sets the project list page size.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewServer starts a fake backend. Call Close when done.
func NewServer(opts ...Option) *Server {
	s := newServer(opts...)
	s.srv = httptest.NewServer(s.Handler())
	s.setURLs(s.srv.URL)
	return s
}

func newServer(opts ...Option) *Server {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(fmt.Sprintf("authtest: secret: %v", err))
	}

	s := &Server{
		log:         slog.New(slog.DiscardHandler),
		secret:      secret,
		users:       make(map[string]*user),
		access:      make(map[string]int64),
		refresh:     make(map[string]*refreshState),
		activations: make(map[string]string),
		resets:      make(map[string]string),
		rotate:      true,
		inject:      make(map[string][]injected),
		calls:       make(map[string]int),
		catalog:     newCatalog(),
		feed:        newFanout(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Server) setURLs(root string) {
	s.URL = root
	s.AccountsURL = root + "/api/accounts/"
	s.ProjectsURL = root + "/api/projects/"
	s.FeedURL = "ws" + strings.TrimPrefix(root, "http") + "/ws/projects/"
}

// Close shuts the server down and disconnects feed clients.
func (s *Server) Close() {
	s.feed.closeAll()
	if s.srv != nil {
		s.srv.CloseClientConnections()
		s.srv.Close()
	}
}

// Handler returns the full routing table, for mounting on a custom listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/accounts/token/{$}", s.handleLogin)
	mux.HandleFunc("POST /api/accounts/token/refresh/{$}", s.handleRefresh)
	mux.HandleFunc("POST /api/accounts/token/blacklist/{$}", s.handleBlacklist)
	mux.HandleFunc("POST /api/accounts/register/{$}", s.handleRegister)
	mux.HandleFunc("POST /api/accounts/activate/{$}", s.handleActivate)
	mux.HandleFunc("POST /api/accounts/password-reset/{$}", s.handlePasswordReset)
	mux.HandleFunc("POST /api/accounts/password-reset/confirm/{$}", s.handlePasswordResetConfirm)
	mux.HandleFunc("GET /api/accounts/profile/{$}", s.handleProfile)
	mux.HandleFunc("PATCH /api/accounts/profile/{$}", s.handleProfileUpdate)
	mux.HandleFunc("DELETE /api/accounts/profile/{$}", s.handleProfileDelete)

	mux.HandleFunc("GET /api/projects/{$}", s.handleProjectList)
	mux.HandleFunc("POST /api/projects/{$}", s.handleProjectCreate)
	mux.HandleFunc("GET /api/projects/{id}/{$}", s.handleProjectGet)
	mux.HandleFunc("PATCH /api/projects/{id}/{$}", s.handleProjectUpdate)
	mux.HandleFunc("POST /api/projects/{id}/cancel/{$}", s.handleProjectCancel)
	mux.HandleFunc("POST /api/projects/{id}/donate/{$}", s.handleDonate)
	mux.HandleFunc("POST /api/projects/{id}/comments/{$}", s.handleComment)
	mux.HandleFunc("POST /api/projects/{id}/rate/{$}", s.handleRate)
	mux.HandleFunc("POST /api/projects/{id}/report/{$}", s.handleReportProject)
	mux.HandleFunc("POST /api/projects/comments/{id}/report/{$}", s.handleReportComment)

	mux.HandleFunc("GET /ws/projects/{id}/{$}", s.handleFeed)

	return s.record(mux)
}

// record logs every request and serves one-shot injected responses.
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Recorded{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
		})
		key := r.Method + " " + r.URL.Path
		var inj injected
		queue := s.inject[key]
		ok := len(queue) > 0
		if ok {
			inj = queue[0]
			if len(queue) == 1 {
				delete(s.inject, key)
			} else {
				s.inject[key] = queue[1:]
			}
		}
		s.mu.Unlock()

		s.log.Debug("authtest.request", "method", r.Method, "path", r.URL.Path)

		if ok {
			if inj.body == nil {
				w.WriteHeader(inj.status)
				return
			}
			if raw, isRaw := inj.body.(string); isRaw {
				w.WriteHeader(inj.status)
				_, _ = w.Write([]byte(raw))
				return
			}
			writeJSON(w, inj.status, inj.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- users & tokens ----

// AddUser registers an active user and returns its id.
func (s *Server) AddUser(email, password string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(email, password, true).ID
}

func (s *Server) addUserLocked(email, password string, active bool) *user {
	s.nextUserID++
	u := &user{ID: s.nextUserID, Email: strings.ToLower(strings.TrimSpace(email)), Password: password, Active: active}
	s.users[u.Email] = u
	return u
}

// IssuePair mints a fresh pair for userID as if the user had just logged in.
func (s *Server) IssuePair(userID int64) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, refresh, err := s.issueLocked(userID, ulid.Make().String())
	if err != nil {
		panic(fmt.Sprintf("authtest: issue: %v", err))
	}
	return access, refresh
}

func (s *Server) issueLocked(userID int64, family string) (string, string, error) {
	access, err := s.mintAccessLocked(userID)
	if err != nil {
		return "", "", err
	}
	refresh, err := newOpaqueRefreshToken(refreshTokenBytes)
	if err != nil {
		return "", "", err
	}
	s.refresh[refresh] = &refreshState{userID: userID, family: family}
	return access, refresh, nil
}

func (s *Server) mintAccessLocked(userID int64) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"token_type": "access",
		"user_id":    userID,
		"jti":        ulid.Make().String(),
		"iat":        now.Unix(),
		"exp":        now.Add(accessTTL).Unix(),
	}
	for _, u := range s.users {
		if u.ID == userID {
			claims["email"] = u.Email
			break
		}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", err
	}
	s.access[signed] = userID
	return signed, nil
}

func newOpaqueRefreshToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// URL-safe, no padding.
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// authenticate resolves the bearer token to a user id.
func (s *Server) authenticate(r *http.Request) (int64, bool) {
	raw := bearerToken(r)
	if raw == "" {
		return 0, false
	}

	_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.access[raw]
	return id, ok
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"detail": "Given token not valid for any token type",
		"code":   "token_not_valid",
	})
}

// ---- hooks ----

// ExpireAccess invalidates every access token issued so far. Refresh tokens stay valid.
func (s *Server) ExpireAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]int64)
}

// FailRefresh makes the refresh endpoint answer with status (0 restores normal behavior).
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = status
}

// SetRefreshDelay delays refresh responses, to widen race windows in tests.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// Inject queues a canned answer for the next "METHOD /path" request. Repeated calls queue
// answers in order. A string body is written verbatim; nil writes no body.
func (s *Server) Inject(method, path string, status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToUpper(method) + " " + path
	s.inject[key] = append(s.inject[key], injected{status: status, body: body})
}

// Calls returns how many times the named route handled a request
// ("login", "refresh", "blacklist", "profile", ...).
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Requests returns a copy of every request seen so far.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Recorded, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsTo filters Requests by path.
func (s *Server) RequestsTo(path string) []Recorded {
	var out []Recorded
	for _, r := range s.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// ActivationLink returns the uid/token pair a registration email would carry.
func (s *Server) ActivationLink(email string) (uid, token string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, found := s.users[strings.ToLower(email)]
	if !found {
		return "", "", false
	}
	uid = encodeUID(u.ID)
	token, ok = s.activations[uid]
	return uid, token, ok
}

// ResetLink returns the uid/token pair a password-reset email would carry.
func (s *Server) ResetLink(email string) (uid, token string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, found := s.users[strings.ToLower(email)]
	if !found {
		return "", "", false
	}
	uid = encodeUID(u.ID)
	token, ok = s.resets[uid]
	return uid, token, ok
}

func (s *Server) count(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func encodeUID(id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprint(id)))
}

func (s *Server) userByUIDLocked(uid string) (*user, error) {
	raw, err := base64.RawURLEncoding.DecodeString(uid)
	if err != nil {
		return nil, errors.New("bad uid")
	}
	for _, u := range s.users {
		if fmt.Sprint(u.ID) == string(raw) {
			return u, nil
		}
	}
	return nil, errors.New("unknown uid")
}

func (s *Server) userByIDLocked(id int64) *user {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}
