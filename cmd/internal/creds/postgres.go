package creds

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps credential state in <schema>.session_credentials.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "sessiond").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("creds: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("creds: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "sessiond",
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
		return nil, ErrNilStore
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and credentials table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()+`;

CREATE TABLE IF NOT EXISTS `+s.table()+` (
  session_id TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      BYTEA NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (session_id, key)
);`)
	if err != nil {
		return fmt.Errorf("creds: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "session_credentials"}.Sanitize()
}

// Load reads every row of the session.
func (s *PostgresStore) Load(ctx context.Context, sessionID string) (State, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return State{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM `+s.table()+` WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return State{}, err
	}
	defer rows.Close()

	var st State
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return State{}, err
		}
		if key == CredsKey {
			st.Creds = value
			continue
		}
		if st.Keys == nil {
			st.Keys = make(map[string][]byte)
		}
		st.Keys[key] = value
	}
	if err := rows.Err(); err != nil {
		return State{}, err
	}
	return st, nil
}

// SaveCreds upserts the creds row.
func (s *PostgresStore) SaveCreds(ctx context.Context, sessionID string, creds []byte) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	if creds == nil {
		creds = []byte{}
	}
	_, err := s.pool.Exec(ctx, s.upsertSQL(), sessionID, CredsKey, creds)
	return err
}

// SetKeys applies a key update in one transaction.
func (s *PostgresStore) SetKeys(ctx context.Context, sessionID string, keys map[string][]byte) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	if err := checkKeys(keys); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
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
	for _, k := range sortedKeys(keys) {
		v := keys[k]
		if v == nil {
			batch.Queue(`DELETE FROM `+s.table()+` WHERE session_id = $1 AND key = $2`, sessionID, k)
			continue
		}
		batch.Queue(s.upsertSQL(), sessionID, k, v)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("set keys: %w", err)
	}
	return tx.Commit(ctx)
}

// Delete removes every row of the session.
func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE session_id = $1`, sessionID)
	return err
}

// Exists reports whether any row is stored for the session.
func (s *PostgresStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return false, err
	}
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table()+` WHERE session_id = $1)`,
		sessionID,
	).Scan(&ok)
	return ok, err
}

// List returns every session id with stored rows.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT session_id FROM `+s.table()+` ORDER BY session_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) upsertSQL() string {
	return `INSERT INTO ` + s.table() + ` (session_id, key, value, updated_at)
	        VALUES ($1, $2, $3, now())
	        ON CONFLICT (session_id, key)
	        DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
