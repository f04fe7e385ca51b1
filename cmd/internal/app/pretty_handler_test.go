package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("service", "accounts").WithGroup("req").Info("http.request",
		"method", "get",
		"status", 401,
		"duration_ms", int64(12),
		"detail", "token expired",
	)

	line := buf.String()
	for _, want := range []string{
		"[INFO] http.request",
		"service=accounts",
		"req.method=GET",
		"req.status=401",
		`req.detail="token expired"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but found escape codes: %q", line)
	}
}

func TestPrettyHandler_TopLevelKeysAreColored(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("session.refresh.fail", "status", 503, "duration_ms", int64(1500))

	line := buf.String()
	if !strings.Contains(line, ansiYellow+"[WARN]"+ansiReset) {
		t.Fatalf("warn tag not colored: %q", line)
	}
	if !strings.Contains(line, "status="+ansiRed+"503"+ansiReset) {
		t.Fatalf("5xx status not red: %q", line)
	}
	plain := stripANSI(line)
	if !strings.Contains(plain, "duration=1500ms") {
		t.Fatalf("duration not remapped: %q", plain)
	}
}

func TestPrettyHandler_Enabled(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(t.Context(), slog.LevelInfo) {
		t.Fatalf("info must be filtered at warn level")
	}
	if !h.Enabled(t.Context(), slog.LevelError) {
		t.Fatalf("error must pass at warn level")
	}
}

func TestValueToString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   slog.Value
		want string
	}{
		{slog.StringValue("x"), "x"},
		{slog.StringValue("\x1b[31mred\x1b[0m"), "red"},
		{slog.Int64Value(-3), "-3"},
		{slog.BoolValue(true), "true"},
		{slog.DurationValue(1500 * time.Millisecond), "1.5s"},
		{slog.Float64Value(0.25), "0.25"},
	}
	for _, tc := range cases {
		if got := valueToString(tc.in); got != tc.want {
			t.Fatalf("valueToString(%v)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
