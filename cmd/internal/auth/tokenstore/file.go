package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"crowd/cmd/security/sealing"
)

const (
	fileMode = 0o600
	dirMode  = 0o700

	watchDebounce = 150 * time.Millisecond
)

// File stores the pair in a JSON document, optionally sealed with a passphrase.
//
// Writes go to a temp file in the same directory followed by rename, so readers in other
// processes see either the old or the new document, never a partial one.
type File struct {
	path       string
	passphrase string
	seal       sealing.Config
	log        *slog.Logger

	mu     sync.Mutex
	closed bool
}

// FileOption configures a File store.
type FileOption func(*File)

// WithPassphrase seals the document with an argon2id-derived key.
func WithPassphrase(passphrase string, cfg sealing.Config) FileOption {
	return func(f *File) {
		f.passphrase = passphrase
		f.seal = cfg
	}
}

// WithFileLogger sets the logger used by Watch.
func WithFileLogger(log *slog.Logger) FileOption {
	return func(f *File) {
		if log != nil {
			f.log = log
		}
	}
}

// NewFile constructs a File store at path. The file is created lazily on first Store.
func NewFile(path string, opts ...FileOption) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrStoreConfig)
	}
	f := &File{path: filepath.Clean(path), log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Path returns the document path.
func (f *File) Path() string { return f.path }

func (f *File) Load(ctx context.Context, keys ...string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	all, err := f.read()
	if err != nil {
		return nil, err
	}
	return pick(all, keys), nil
}

func (f *File) Store(ctx context.Context, values map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	all, err := f.read()
	if err != nil {
		return err
	}
	maps.Copy(all, values)
	return f.write(all)
}

func (f *File) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	all, err := f.read()
	if err != nil {
		// An unreadable document (sealed, corrupt) is dropped entirely so logout always clears.
		f.log.Warn("tokenstore.file.drop_unreadable", "path", f.path, "err", err)
		return f.remove()
	}

	for _, k := range keys {
		delete(all, k)
	}
	if len(all) == 0 {
		return f.remove()
	}
	return f.write(all)
}

// Close closes the store (idempotent).
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *File) read() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	if sealing.IsSealed(raw) {
		if f.passphrase == "" {
			return nil, ErrSealed
		}
		raw, err = f.seal.Open(f.passphrase, raw)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.path, err)
		}
	}

	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return out, nil
}

func (f *File) write(all map[string]string) error {
	raw, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if f.passphrase != "" {
		raw, err = f.seal.Seal(f.passphrase, raw)
		if err != nil {
			return fmt.Errorf("seal: %w", err)
		}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *File) remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.path, err)
	}
	return nil
}

// Watch calls onChange after the document is created, rewritten or removed by anyone
// (including this process). Bursts are debounced. It blocks until ctx is done.
//
// The parent directory is watched rather than the file because atomic renames replace the inode.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		pending bool
		timer   = time.NewTimer(time.Hour)
	)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending = true
			timer.Reset(watchDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("tokenstore.watch.error", "path", f.path, "err", err)

		case <-timer.C:
			if pending {
				pending = false
				onChange()
			}
		}
	}
}
