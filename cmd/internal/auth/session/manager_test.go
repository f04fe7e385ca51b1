package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"crowd/cmd/internal/auth/authtest"
)

func TestRequest_AnonymousSendsNoAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.AddProject(h.userID, "Clean water", 1000)

	resp, err := h.mgr.Request(context.Background(), Request{Service: ServiceProjects, Method: http.MethodGet})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	reqs := h.srv.RequestsTo("/api/projects/")
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Authorization != "" {
		t.Fatalf("expected no Authorization header, got %q", reqs[0].Authorization)
	}
}

func TestRequest_AttachesBearerWhenLoggedIn(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	pair, _ := h.state.Get()

	if _, err := h.mgr.Request(context.Background(), profileRequest()); err != nil {
		t.Fatalf("Request: %v", err)
	}

	reqs := h.srv.RequestsTo(profilePath)
	if len(reqs) != 1 || reqs[0].Authorization != "Bearer "+pair.Access {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestRequest_RefreshesOnceAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	before, _ := h.state.Get()

	sub := h.mgr.Subscribe(4)
	defer sub.Close()

	h.srv.ExpireAccess()

	resp, err := h.mgr.Request(context.Background(), profileRequest())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var profile struct {
		ID    int64  `json:"id"`
		Email string `json:"email"`
	}
	if err := resp.Decode(&profile); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if profile.ID != h.userID || profile.Email != testEmail {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	if got := h.srv.Calls("refresh"); got != 1 {
		t.Fatalf("expected exactly 1 refresh, got %d", got)
	}
	reqs := h.srv.RequestsTo(profilePath)
	if len(reqs) != 2 {
		t.Fatalf("expected original + 1 retry, got %d", len(reqs))
	}
	if reqs[0].Authorization == reqs[1].Authorization {
		t.Fatalf("retry must carry the refreshed token")
	}

	after, ok := h.state.Get()
	if !ok || after.Access == before.Access || after.Refresh == before.Refresh {
		t.Fatalf("expected rotated pair, before=%v after=%v", before, after)
	}
	if reqs[1].Authorization != "Bearer "+after.Access {
		t.Fatalf("retry used %q, stored %q", reqs[1].Authorization, after.Access)
	}
	stored := h.stored(t)
	if stored[KeyAccessToken] != after.Access || stored[KeyRefreshToken] != after.Refresh {
		t.Fatalf("backend not updated: %v", stored)
	}

	if ev := nextEvent(t, sub); ev.Kind != EventRefreshed || !ev.Authenticated {
		t.Fatalf("expected refreshed event, got %+v", ev)
	}
}

func TestRequest_RefreshWithoutRotationKeepsRefreshToken(t *testing.T) {
	h := newHarness(t, nil, authtest.WithoutRotation())
	h.login(t)
	before, _ := h.state.Get()

	h.srv.ExpireAccess()
	if _, err := h.mgr.Request(context.Background(), profileRequest()); err != nil {
		t.Fatalf("Request: %v", err)
	}

	after, _ := h.state.Get()
	if after.Refresh != before.Refresh {
		t.Fatalf("refresh token must be kept when the backend does not rotate")
	}
	if after.Access == before.Access {
		t.Fatalf("access token must be replaced")
	}
}

func TestRequest_RefreshFailureForcesLogout(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	sub := h.mgr.Subscribe(4)
	defer sub.Close()

	h.srv.ExpireAccess()
	h.srv.FailRefresh(http.StatusUnauthorized)

	_, err := h.mgr.Request(context.Background(), profileRequest())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	var expired *ExpiredError
	if !errors.As(err, &expired) || expired.Op != "Could not load profile" {
		t.Fatalf("expected ExpiredError with op, got %#v", err)
	}

	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected pair cleared")
	}
	if got := h.stored(t); len(got) != 0 {
		t.Fatalf("expected backend cleared, got %v", got)
	}
	if got := len(h.srv.RequestsTo(profilePath)); got != 1 {
		t.Fatalf("request must not be retried after a failed refresh, got %d dispatches", got)
	}
	if diff := cmp.Diff([]string{h.mgr.Config().ExpiredNotice}, h.nav.calls()); diff != "" {
		t.Fatalf("navigator calls (-want +got):\n%s", diff)
	}

	if ev := nextEvent(t, sub); ev.Kind != EventExpired || ev.Authenticated {
		t.Fatalf("expected expired event, got %+v", ev)
	}
	if extra := drained(sub); len(extra) != 0 {
		t.Fatalf("expected a single event, got extra %+v", extra)
	}
}

func TestRequest_RefreshServerErrorClearsPair(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.srv.ExpireAccess()
	h.srv.FailRefresh(http.StatusBadGateway)

	_, err := h.mgr.Request(context.Background(), profileRequest())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected pair cleared")
	}
}

func TestRequest_AnonymousUnauthorizedSkipsRefresh(t *testing.T) {
	h := newHarness(t, nil)

	sub := h.mgr.Subscribe(4)
	defer sub.Close()

	_, err := h.mgr.Request(context.Background(), profileRequest())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if got := h.srv.Calls("refresh"); got != 0 {
		t.Fatalf("expected no refresh call without a refresh token, got %d", got)
	}
	if got := len(h.nav.calls()); got != 1 {
		t.Fatalf("expected 1 redirect, got %d", got)
	}
	if ev := nextEvent(t, sub); ev.Kind != EventExpired || ev.Authenticated {
		t.Fatalf("expected expired event, got %+v", ev)
	}
	if extra := drained(sub); len(extra) != 0 {
		t.Fatalf("expected a single event, got extra %+v", extra)
	}
}

func TestRequest_RetryUnauthorizedIsNotRetriedAgain(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.srv.Inject(http.MethodGet, profilePath, http.StatusUnauthorized, map[string]string{"detail": "nope"})
	h.srv.Inject(http.MethodGet, profilePath, http.StatusUnauthorized, map[string]string{"detail": "still nope"})

	_, err := h.mgr.Request(context.Background(), profileRequest())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if got := h.srv.Calls("refresh"); got != 1 {
		t.Fatalf("expected 1 refresh, got %d", got)
	}
	if got := len(h.srv.RequestsTo(profilePath)); got != 2 {
		t.Fatalf("expected exactly 2 dispatches, got %d", got)
	}
	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected pair cleared after second 401")
	}
	if got := len(h.nav.calls()); got != 1 {
		t.Fatalf("expected 1 redirect, got %d", got)
	}
}

func TestRequest_RetryOtherErrorKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.srv.Inject(http.MethodGet, profilePath, http.StatusUnauthorized, map[string]string{"detail": "expired"})
	h.srv.Inject(http.MethodGet, profilePath, http.StatusNotFound, map[string]string{"detail": "Not found."})

	_, err := h.mgr.Request(context.Background(), profileRequest())
	var re *ResponseError
	if !errors.As(err, &re) || re.Status != http.StatusNotFound {
		t.Fatalf("expected 404 ResponseError, got %v", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatalf("404 on retry must not expire the session")
	}
	if _, ok := h.state.Get(); !ok {
		t.Fatalf("expected session kept")
	}
	if got := len(h.nav.calls()); got != 0 {
		t.Fatalf("expected no redirect, got %d", got)
	}
}

func TestRequest_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	h.srv.SetRefreshDelay(150 * time.Millisecond)
	h.srv.ExpireAccess()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.Request(context.Background(), profileRequest())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
	}
	if got := h.srv.Calls("refresh"); got != 1 {
		t.Fatalf("expected exactly 1 refresh for %d concurrent 401s, got %d", n, got)
	}
	if _, ok := h.state.Get(); !ok {
		t.Fatalf("expected session kept")
	}
}

func TestRequest_CallerCancelDuringRefreshKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	before, _ := h.state.Get()

	h.srv.SetRefreshDelay(300 * time.Millisecond)
	h.srv.ExpireAccess()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.mgr.Request(ctx, profileRequest())
	if !errors.Is(err, ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transport error wrapping the caller deadline, got %v", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatalf("caller cancellation must not expire the session")
	}

	// The shared refresh keeps running and lands.
	deadline := time.Now().Add(3 * time.Second)
	for {
		cur, ok := h.state.Get()
		if ok && cur.Access != before.Access {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh did not complete in the background")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := len(h.nav.calls()); got != 0 {
		t.Fatalf("expected no redirect, got %d", got)
	}
}

func TestRequest_TimeoutIsTransportFailure(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	h := newHarness(t, func(c *Config) {
		c.ProjectsURL = slow.URL + "/api/projects/"
		c.RequestTimeout = 50 * time.Millisecond
	})

	_, err := h.mgr.Request(context.Background(), Request{Service: ServiceProjects, Method: http.MethodGet, Op: "Could not load projects"})
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected timeout transport error, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "Could not load projects" {
		t.Fatalf("expected TransportError with op, got %#v", err)
	}
}

func TestRequest_UnreachableIsTransportFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	h := newHarness(t, func(c *Config) { c.ProjectsURL = url + "/api/projects/" })
	h.login(t)

	_, err := h.mgr.Request(context.Background(), Request{Service: ServiceProjects, Method: http.MethodGet})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatalf("transport failure must not expire the session")
	}
	if _, ok := h.state.Get(); !ok {
		t.Fatalf("expected session kept")
	}
}

func TestRequest_ServerErrorHasNoPayload(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.Inject(http.MethodGet, "/api/projects/", http.StatusInternalServerError, map[string]string{"detail": "Traceback ..."})

	_, err := h.mgr.Request(context.Background(), Request{Service: ServiceProjects, Method: http.MethodGet, Op: "Could not load projects"})
	var re *ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	if !re.ServerError() || re.Payload != nil {
		t.Fatalf("5xx must not carry a payload: %+v", re)
	}
	if got := re.Message(); got != "Could not load projects" {
		t.Fatalf("expected generic message, got %q", got)
	}
}

func TestRequest_NonJSONClientErrorHasNoPayload(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.Inject(http.MethodGet, "/api/projects/", http.StatusBadRequest, "<html>bad</html>")

	_, err := h.mgr.Request(context.Background(), Request{Service: ServiceProjects, Method: http.MethodGet})
	var re *ResponseError
	if !errors.As(err, &re) || re.Payload != nil {
		t.Fatalf("expected payload-less ResponseError, got %#v", err)
	}
	if got := re.Message(); got != "Request failed" {
		t.Fatalf("expected default op message, got %q", got)
	}
}

func TestRequest_MultipartValidationErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	_, err := h.mgr.Request(context.Background(), Request{
		Service: ServiceProjects,
		Method:  http.MethodPost,
		Form:    map[string][]string{"title": {""}, "total_target": {"0"}},
		Files:   []File{{Field: "images", Name: "cover.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}},
		Op:      "Could not create project",
	})
	var re *ResponseError
	if !errors.As(err, &re) || re.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 ResponseError, got %v", err)
	}
	want := map[string][]string{
		"title":        {"This field may not be blank."},
		"total_target": {"Ensure this value is greater than 0."},
	}
	if diff := cmp.Diff(want, re.Fields()); diff != "" {
		t.Fatalf("Fields (-want +got):\n%s", diff)
	}

	reqs := h.srv.RequestsTo("/api/projects/")
	if len(reqs) != 1 || !strings.HasPrefix(reqs[0].ContentType, "multipart/form-data; boundary=") {
		t.Fatalf("expected multipart content type, got %+v", reqs)
	}
}

func TestLogin_WrongPasswordReturnsPayloadAndStoresNothing(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.mgr.Subscribe(4)
	defer sub.Close()

	_, err := h.mgr.Login(context.Background(), Credentials{Email: testEmail, Password: "wrong"})
	var re *ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	if re.Status != http.StatusBadRequest || re.Op != "Login failed" {
		t.Fatalf("unexpected error: %+v", re)
	}

	var payload map[string]any
	if err := json.Unmarshal(re.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"detail": "Invalid credentials"}, payload); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}
	if got := re.Message(); got != "Invalid credentials" {
		t.Fatalf("Message = %q", got)
	}

	if _, ok := h.state.Get(); ok {
		t.Fatalf("failed login must not store a pair")
	}
	if got := h.stored(t); len(got) != 0 {
		t.Fatalf("failed login must not touch the backend, got %v", got)
	}
	if evs := drained(sub); len(evs) != 0 {
		t.Fatalf("failed login must not emit, got %+v", evs)
	}
	if auth := h.srv.RequestsTo("/api/accounts/token/")[0].Authorization; auth != "" {
		t.Fatalf("login must be sent without a bearer, got %q", auth)
	}
}

func TestLogin_StoresPairAndDecodesIdentity(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.mgr.Subscribe(4)
	defer sub.Close()

	id := h.login(t)
	if id.Subject != strconv.FormatInt(h.userID, 10) {
		t.Fatalf("Subject = %q, want %d", id.Subject, h.userID)
	}

	cur, ok := h.mgr.CurrentUser()
	if !ok || cur.Subject != id.Subject || cur.Claim("email") != testEmail {
		t.Fatalf("CurrentUser = %+v, %v", cur, ok)
	}
	if cur.Expired(time.Now()) {
		t.Fatalf("fresh token reported expired")
	}

	stored := h.stored(t)
	if stored[KeyAccessToken] == "" || stored[KeyRefreshToken] == "" {
		t.Fatalf("expected both keys stored, got %v", stored)
	}
	if ev := nextEvent(t, sub); ev.Kind != EventLogin || !ev.Authenticated {
		t.Fatalf("expected login event, got %+v", ev)
	}
}

func TestLogin_MalformedSuccessStoresNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.Inject(http.MethodPost, "/api/accounts/token/", http.StatusOK, map[string]string{"access": "a.b.c"})

	_, err := h.mgr.Login(context.Background(), Credentials{Email: testEmail, Password: testPassword})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected no pair")
	}
}

func TestLogout_ClearsAndNextRequestIsAnonymous(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	sub := h.mgr.Subscribe(4)
	defer sub.Close()

	h.mgr.Logout(context.Background())

	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected pair cleared")
	}
	if _, ok := h.mgr.CurrentUser(); ok {
		t.Fatalf("expected no current user")
	}
	if got := h.stored(t); len(got) != 0 {
		t.Fatalf("expected backend cleared, got %v", got)
	}
	if ev := nextEvent(t, sub); ev.Kind != EventLogout || ev.Authenticated {
		t.Fatalf("expected logout event, got %+v", ev)
	}
	if got := h.srv.Calls("blacklist"); got != 0 {
		t.Fatalf("revoke is off by default, got %d calls", got)
	}

	if _, err := h.mgr.Request(context.Background(), Request{Service: ServiceProjects, Method: http.MethodGet}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	reqs := h.srv.RequestsTo("/api/projects/")
	if reqs[len(reqs)-1].Authorization != "" {
		t.Fatalf("expected anonymous request after logout")
	}
}

func TestLogout_WhenAnonymousStillNotifies(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.mgr.Subscribe(4)
	defer sub.Close()

	h.mgr.Logout(context.Background())

	if ev := nextEvent(t, sub); ev.Kind != EventLogout {
		t.Fatalf("expected logout event, got %+v", ev)
	}
}

func TestLogout_RevokesRefreshTokenWhenEnabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RevokeOnLogout = true })
	h.login(t)
	pair, _ := h.state.Get()

	h.mgr.Logout(context.Background())

	if got := h.srv.Calls("blacklist"); got != 1 {
		t.Fatalf("expected 1 revoke call, got %d", got)
	}

	// The revoked token is dead server-side.
	if err := h.state.Set(context.Background(), pair, EventLogin); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := h.mgr.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh with revoked token to fail")
	}
}

func TestLogout_RevokeFailureStillClears(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RevokeOnLogout = true })
	h.login(t)
	h.srv.Inject(http.MethodPost, "/api/accounts/token/blacklist/", http.StatusInternalServerError, nil)

	h.mgr.Logout(context.Background())

	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected pair cleared despite revoke failure")
	}
}

func TestForceLogout_RedirectsWithNotice(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ExpiredNotice = "Please sign in again." })
	h.login(t)

	sub := h.mgr.Subscribe(4)
	defer sub.Close()

	h.mgr.ForceLogout(context.Background())

	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected pair cleared")
	}
	if diff := cmp.Diff([]string{"Please sign in again."}, h.nav.calls()); diff != "" {
		t.Fatalf("navigator calls (-want +got):\n%s", diff)
	}
	if ev := nextEvent(t, sub); ev.Kind != EventExpired {
		t.Fatalf("expected expired event, got %+v", ev)
	}
}

func TestRefresh_WithoutPairMakesNoCall(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.mgr.Refresh(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if got := h.srv.Calls("refresh"); got != 0 {
		t.Fatalf("expected no refresh call, got %d", got)
	}
}

func TestRefresh_TimeoutClearsPair(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequestTimeout = 100 * time.Millisecond })
	h.login(t)
	h.srv.SetRefreshDelay(time.Second)

	_, err := h.mgr.Refresh(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected pair cleared after failed refresh")
	}
}

func TestRefresh_CallerDeadlineIsTransportFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	before, _ := h.state.Get()
	h.srv.SetRefreshDelay(300 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.mgr.Refresh(ctx)
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected *TransportError wrapping the caller deadline, got %v (%T)", err, err)
	}

	// The shared refresh still lands.
	deadline := time.Now().Add(3 * time.Second)
	for {
		cur, ok := h.state.Get()
		if ok && cur.Access != before.Access {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh did not complete in the background")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRefresh_MissingAccessIsMalformed(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)
	h.srv.Inject(http.MethodPost, "/api/accounts/token/refresh/", http.StatusOK, map[string]string{"refresh": "r2"})

	if _, err := h.mgr.Refresh(context.Background()); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if _, ok := h.state.Get(); ok {
		t.Fatalf("expected pair cleared")
	}
}

func TestManager_RecordsMetrics(t *testing.T) {
	h := newHarness(t, nil)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h.mgr.metrics = metrics

	h.login(t)
	h.srv.ExpireAccess()
	if _, err := h.mgr.Request(context.Background(), profileRequest()); err != nil {
		t.Fatalf("Request: %v", err)
	}

	h.srv.ExpireAccess()
	h.srv.FailRefresh(http.StatusUnauthorized)
	_, _ = h.mgr.Request(context.Background(), profileRequest())

	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("accounts", "ok")); got != 1 {
		t.Fatalf("ok requests = %v", got)
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("accounts", "expired")); got != 1 {
		t.Fatalf("expired requests = %v", got)
	}
	if got := testutil.ToFloat64(metrics.refreshes.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok refreshes = %v", got)
	}
	if got := testutil.ToFloat64(metrics.refreshes.WithLabelValues("fail")); got != 1 {
		t.Fatalf("failed refreshes = %v", got)
	}
	if got := testutil.ToFloat64(metrics.retries); got != 1 {
		t.Fatalf("retries = %v", got)
	}
	if got := testutil.ToFloat64(metrics.forcedLogouts); got != 1 {
		t.Fatalf("forced logouts = %v", got)
	}
}

func TestNewManager_RejectsBadInput(t *testing.T) {
	if _, err := NewManager(DefaultConfig(), nil, Options{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for nil state, got %v", err)
	}

	cfg := DefaultConfig()
	cfg.AccountsURL = ""
	if _, err := NewManager(cfg, &State{}, Options{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for bad config, got %v", err)
	}
}
