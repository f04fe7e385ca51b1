package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps credential pairs for named profiles in a shared database.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type Postgres struct {
	pool    *pgxpool.Pool
	schema  string
	profile string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this store (default: "crowd").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("%w: empty schema", ErrStoreConfig)
		}
		if !isValidPGIdent(schema) {
			return fmt.Errorf("%w: invalid schema identifier", ErrStoreConfig)
		}
		s.schema = schema
		return nil
	}
}

// WithProfile selects the row set (default: "default").
func WithProfile(profile string) PostgresOption {
	return func(s *Postgres) error {
		profile = strings.TrimSpace(profile)
		if profile == "" {
			return fmt.Errorf("%w: empty profile", ErrStoreConfig)
		}
		s.profile = profile
		return nil
	}
}

// NewPostgres constructs a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	st := &Postgres{
		pool:    pool,
		schema:  "crowd",
		profile: "default",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrStoreConfig)
	}
	return st, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+s.table()+` (
  profile    TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (profile, key)
)`); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *Postgres) Close() error { return nil }

func (s *Postgres) Load(ctx context.Context, keys ...string) (map[string]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("tokenstore: nil store")
	}
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM `+s.table()+` WHERE profile = $1 AND key = ANY($2)`,
		s.profile, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	return out, nil
}

// Store writes every key in one transaction.
func (s *Postgres) Store(ctx context.Context, values map[string]string) error {
	if s == nil || s.pool == nil {
		return errors.New("tokenstore: nil store")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for k, v := range values {
		batch.Queue(
			`INSERT INTO `+s.table()+` (profile, key, value, updated_at) VALUES ($1, $2, $3, now())
			 ON CONFLICT (profile, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			s.profile, k, v,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store keys: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.pool == nil {
		return errors.New("tokenstore: nil store")
	}
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE profile = $1 AND key = ANY($2)`,
		s.profile, keys,
	); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

func (s *Postgres) table() string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, "credentials"}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
