// Package tokenstore persists crowd's credential pair.
//
// Every backend is a tiny string key-value store. Store writes all given keys or none,
// so the access and refresh tokens never get out of step.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrStoreConfig is returned for unusable store URLs or options.
	ErrStoreConfig = errors.New("invalid token store config")

	// ErrSealed is returned when a sealed credential file is opened without a passphrase.
	ErrSealed = errors.New("credential file is sealed")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("token store closed")
)

// Store is the contract every backend satisfies.
type Store interface {
	Load(ctx context.Context, keys ...string) (map[string]string, error)
	Store(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Kind names a backend.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindFile     Kind = "file"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// Location is a parsed CROWD_STORE value.
type Location struct {
	Kind Kind
	// Path is the file or database path for file and sqlite stores.
	Path string
	// DSN is the full connection string for postgres.
	DSN string
}

// ParseLocation parses "memory:", "file:<path>", "sqlite:<path>" or "postgres://...".
// An empty value selects the default credential file.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		p, err := DefaultPath()
		if err != nil {
			return Location{}, err
		}
		return Location{Kind: KindFile, Path: p}, nil
	}

	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Location{}, fmt.Errorf("%w: missing scheme in %q", ErrStoreConfig, raw)
	}

	switch strings.ToLower(scheme) {
	case "memory":
		return Location{Kind: KindMemory}, nil
	case "file", "sqlite":
		p := strings.TrimPrefix(rest, "//")
		if strings.TrimSpace(p) == "" {
			if scheme == "sqlite" {
				return Location{}, fmt.Errorf("%w: sqlite path is required", ErrStoreConfig)
			}
			def, err := DefaultPath()
			if err != nil {
				return Location{}, err
			}
			p = def
		}
		return Location{Kind: Kind(strings.ToLower(scheme)), Path: filepath.Clean(p)}, nil
	case "postgres", "postgresql":
		if _, err := url.Parse(raw); err != nil {
			return Location{}, fmt.Errorf("%w: %v", ErrStoreConfig, err)
		}
		return Location{Kind: KindPostgres, DSN: raw}, nil
	default:
		return Location{}, fmt.Errorf("%w: unsupported scheme %q", ErrStoreConfig, scheme)
	}
}

// String renders the location without credentials, for logs.
func (l Location) String() string {
	switch l.Kind {
	case KindMemory:
		return "memory:"
	case KindPostgres:
		u, err := url.Parse(l.DSN)
		if err != nil {
			return "postgres://(invalid)"
		}
		return u.Redacted()
	default:
		return string(l.Kind) + ":" + l.Path
	}
}

// DefaultPath returns $XDG_STATE_HOME/crowd/credentials.json (falling back to ~/.local/state).
func DefaultPath() (string, error) {
	base := strings.TrimSpace(os.Getenv("XDG_STATE_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: resolve home dir: %v", ErrStoreConfig, err)
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "crowd", "credentials.json"), nil
}

func pick(all map[string]string, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out
}
