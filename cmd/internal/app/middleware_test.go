package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelDebug, wantResult: "success", wantClass: "2xx"},
		{status: 101, wantLevel: slog.LevelDebug, wantResult: "upgrade", wantClass: "1xx"},
		{status: 302, wantLevel: slog.LevelDebug, wantResult: "redirect", wantClass: "3xx"},
		{status: 401, wantLevel: slog.LevelDebug, wantResult: "unauthorized", wantClass: "4xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
	if got := statusClass(42); got != "unknown" {
		t.Fatalf("statusClass(42)=%q", got)
	}
}

func TestWithRequestLogging_NeverLogsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := &http.Client{Transport: WithRequestLogging(srv.Client().Transport, log)}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/projects/9/", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret-access-token")
	req.Header.Set("X-Request-ID", "01HZZZ")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()

	if strings.Contains(buf.String(), "secret-access-token") {
		t.Fatalf("bearer token leaked into logs: %s", buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "http.request" || rec["path"] != "/api/projects/9/" || rec["result"] != "client_error" || rec["request_id"] != "01HZZZ" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["status"] != float64(404) || rec["level"] != "WARN" {
		t.Fatalf("unexpected status/level: %v", rec)
	}
}

type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, f.err }

func TestWithRequestLogging_TransportError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	boom := errors.New("connection refused")
	rt := WithRequestLogging(failingTransport{err: boom}, log)

	req := httptest.NewRequest(http.MethodPost, "http://127.0.0.1:1/api/accounts/token/", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(buf.String(), `"result":"transport_error"`) {
		t.Fatalf("transport error not logged: %s", buf.String())
	}
}
