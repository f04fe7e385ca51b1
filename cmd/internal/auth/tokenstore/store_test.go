package tokenstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"crowd/cmd/security/sealing"
)

const (
	keyAccess  = "access_token"
	keyRefresh = "refresh_token"
)

func cheapSealing() sealing.Config {
	return sealing.Config{Params: sealing.Argon2idParams{
		MemoryKiB:   8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
	}}
}

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			f, err := NewFile(filepath.Join(t.TempDir(), "crowd", "credentials.json"))
			if err != nil {
				t.Fatalf("NewFile: %v", err)
			}
			return f
		},
		"file-sealed": func(t *testing.T) Store {
			f, err := NewFile(filepath.Join(t.TempDir(), "credentials.json"), WithPassphrase("correct horse", cheapSealing()))
			if err != nil {
				t.Fatalf("NewFile: %v", err)
			}
			return f
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "crowd.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return s
		},
	}
}

func TestStores_RoundTripAndClear(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t)
			t.Cleanup(func() { _ = st.Close() })

			got, err := st.Load(ctx, keyAccess, keyRefresh)
			if err != nil {
				t.Fatalf("Load empty: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("expected empty store, got %v", got)
			}

			want := map[string]string{keyAccess: "a.b.c", keyRefresh: "r-1"}
			if err := st.Store(ctx, want); err != nil {
				t.Fatalf("Store: %v", err)
			}
			got, err = st.Load(ctx, keyAccess, keyRefresh)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Load mismatch (-want +got):\n%s", diff)
			}

			// Overwrite one key, keep the other.
			if err := st.Store(ctx, map[string]string{keyAccess: "a2"}); err != nil {
				t.Fatalf("Store overwrite: %v", err)
			}
			got, _ = st.Load(ctx, keyAccess, keyRefresh)
			if got[keyAccess] != "a2" || got[keyRefresh] != "r-1" {
				t.Fatalf("unexpected after overwrite: %v", got)
			}

			if err := st.Delete(ctx, keyAccess, keyRefresh); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			got, err = st.Load(ctx, keyAccess, keyRefresh)
			if err != nil {
				t.Fatalf("Load after delete: %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("expected both keys cleared, got %v", got)
			}
		})
	}
}

func TestFile_AtomicWriteMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "credentials.json")
	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	if err := f.Store(context.Background(), map[string]string{keyAccess: "a", keyRefresh: "r"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the credential file, got %d entries", len(entries))
	}
}

func TestFile_SealedRequiresPassphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.json")

	sealed, err := NewFile(path, WithPassphrase("s3cret", cheapSealing()))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := sealed.Store(ctx, map[string]string{keyAccess: "a", keyRefresh: "r"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !sealing.IsSealed(raw) {
		t.Fatalf("expected sealed envelope on disk")
	}

	plain, _ := NewFile(path)
	if _, err := plain.Load(ctx, keyAccess); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}

	wrong, _ := NewFile(path, WithPassphrase("nope", cheapSealing()))
	if _, err := wrong.Load(ctx, keyAccess); !errors.Is(err, sealing.ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase, got %v", err)
	}

	// Logout must still be able to clear what it cannot read.
	if err := wrong.Delete(ctx, keyAccess, keyRefresh); err != nil {
		t.Fatalf("Delete unreadable: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
}

func TestFile_WatchReportsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	watcher, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	writer, _ := NewFile(path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Watch(ctx, func() { changed <- struct{}{} })
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := writer.Store(context.Background(), map[string]string{keyAccess: "a", keyRefresh: "r"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected change notification")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}

func TestClosedStoresReject(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Close()
	if _, err := m.Load(ctx, keyAccess); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	f, _ := NewFile(filepath.Join(t.TempDir(), "c.json"))
	_ = f.Close()
	if err := f.Store(ctx, map[string]string{keyAccess: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestParseLocation(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg")

	cases := []struct {
		in   string
		want Location
	}{
		{in: "", want: Location{Kind: KindFile, Path: "/tmp/xdg/crowd/credentials.json"}},
		{in: "memory:", want: Location{Kind: KindMemory}},
		{in: "file:/var/lib/crowd/creds.json", want: Location{Kind: KindFile, Path: "/var/lib/crowd/creds.json"}},
		{in: "file:", want: Location{Kind: KindFile, Path: "/tmp/xdg/crowd/credentials.json"}},
		{in: "sqlite:/tmp/crowd.db", want: Location{Kind: KindSQLite, Path: "/tmp/crowd.db"}},
		{in: "postgres://u:p@db:5432/crowd", want: Location{Kind: KindPostgres, DSN: "postgres://u:p@db:5432/crowd"}},
	}

	for _, tc := range cases {
		got, err := ParseLocation(tc.in)
		if err != nil {
			t.Fatalf("ParseLocation(%q): %v", tc.in, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("ParseLocation(%q) (-want +got):\n%s", tc.in, diff)
		}
	}

	for _, bad := range []string{"redis://x", "nocolon", "sqlite:"} {
		if _, err := ParseLocation(bad); !errors.Is(err, ErrStoreConfig) {
			t.Fatalf("ParseLocation(%q): expected ErrStoreConfig, got %v", bad, err)
		}
	}
}

func TestLocationString_RedactsPassword(t *testing.T) {
	loc := Location{Kind: KindPostgres, DSN: "postgres://crowd:hunter2@db:5432/crowd"}
	if got := loc.String(); got != "postgres://crowd:xxxxx@db:5432/crowd" {
		t.Fatalf("unexpected redaction: %q", got)
	}
}
