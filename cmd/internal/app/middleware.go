package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// WithRequestLogging wraps an http.RoundTripper and logs every outgoing request.
//
// Headers are never logged: they carry bearer tokens.
func WithRequestLogging(next http.RoundTripper, log *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{next: next, log: log}
}

type loggingTransport struct {
	next http.RoundTripper
	log  *slog.Logger
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(r)
	elapsed := time.Since(start).Milliseconds()

	attrs := []any{
		"method", r.Method,
		"host", r.URL.Host,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-ID"),
		"duration_ms", elapsed,
	}
	if err != nil {
		t.log.Warn("http.request", append(attrs, "result", "transport_error", "err", err)...)
		return nil, err
	}

	level, result := requestLogMeta(resp.StatusCode)
	t.log.Log(r.Context(), level, "http.request",
		append(attrs, "status", resp.StatusCode, "status_class", statusClass(resp.StatusCode), "result", result)...)
	return resp, nil
}

// requestLogMeta picks the log level and outcome label for a status code.
// 401 is expected traffic (it drives the refresh path) and stays at debug.
func requestLogMeta(status int) (slog.Level, string) {
	switch {
	case status == http.StatusUnauthorized:
		return slog.LevelDebug, "unauthorized"
	case status >= 500:
		return slog.LevelError, "server_error"
	case status >= 400:
		return slog.LevelWarn, "client_error"
	case status >= 300:
		return slog.LevelDebug, "redirect"
	case status == http.StatusSwitchingProtocols:
		return slog.LevelDebug, "upgrade"
	default:
		return slog.LevelDebug, "success"
	}
}

func statusClass(status int) string {
	switch {
	case status >= 100 && status < 600:
		return strconv.Itoa(status/100) + "xx"
	default:
		return "unknown"
	}
}
