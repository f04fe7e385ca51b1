package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"crowd/cmd/internal/auth/tokenstore"
	"crowd/cmd/security/sealing"
)

// credentialStore owns the selected backend and whatever it depends on.
type credentialStore struct {
	backend tokenstore.Store

	loc  tokenstore.Location
	pool *pgxpool.Pool
	// file is set for file-backed stores, which can be watched for changes by other processes.
	file *tokenstore.File
}

// Close releases the backend, then the pool it borrowed.
func (s *credentialStore) Close() error {
	err := s.backend.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// openStore decides between the memory, file, sqlite and postgres backends.
func openStore(ctx context.Context, cfg Config, log Logger) (*credentialStore, error) {
	loc, err := tokenstore.ParseLocation(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg, loc); err != nil {
		return nil, err
	}

	switch loc.Kind {
	case tokenstore.KindMemory:
		log.Debug("store.open", "kind", loc.Kind)
		return &credentialStore{backend: tokenstore.NewMemory(), loc: loc}, nil

	case tokenstore.KindFile:
		opts := []tokenstore.FileOption{tokenstore.WithFileLogger(log)}
		if cfg.StorePassphrase != "" {
			sc, err := sealing.FromEnv()
			if err != nil {
				return nil, err
			}
			opts = append(opts, tokenstore.WithPassphrase(cfg.StorePassphrase, sc))
		}
		f, err := tokenstore.NewFile(loc.Path, opts...)
		if err != nil {
			return nil, err
		}
		log.Debug("store.open", "kind", loc.Kind, "path", loc.Path, "sealed", cfg.StorePassphrase != "")
		return &credentialStore{backend: f, loc: loc, file: f}, nil

	case tokenstore.KindSQLite:
		db, err := tokenstore.OpenSQLite(ctx, loc.Path)
		if err != nil {
			return nil, err
		}
		log.Debug("store.open", "kind", loc.Kind, "path", loc.Path)
		return &credentialStore{backend: db, loc: loc}, nil

	case tokenstore.KindPostgres:
		pool, err := NewDBPool(ctx, loc.DSN, cfg)
		if err != nil {
			return nil, fmt.Errorf("credential store %s: %w", loc, err)
		}

		// Ownership model: the app owns the pool; Postgres.Close is a no-op.
		pg, err := tokenstore.NewPostgres(pool, tokenstore.WithProfile(cfg.Profile))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Debug("store.open", "kind", loc.Kind, "dsn", loc.String(), "profile", cfg.Profile)
		return &credentialStore{backend: pg, loc: loc, pool: pool}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported store kind %q", tokenstore.ErrStoreConfig, loc.Kind)
	}
}
