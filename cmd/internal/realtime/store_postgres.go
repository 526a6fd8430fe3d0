package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Appends of one session are serialized by a transactional advisory lock, so
//   duplicates never consume a seq and seq stays strictly monotonic.
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
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
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

// Migrate creates the archive tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	cursors := pgIdent(s.schema, "archive_cursors")
	archive := pgIdent(s.schema, "message_archive")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  session_id TEXT PRIMARY KEY,
  next_seq   BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  session_id  TEXT NOT NULL,
  seq         BIGINT NOT NULL,
  archive_id  TEXT NOT NULL,
  message_id  TEXT NOT NULL,
  remote_jid  TEXT NOT NULL DEFAULT '',
  author      TEXT NOT NULL DEFAULT '',
  from_me     BOOLEAN NOT NULL DEFAULT false,
  mime_type   TEXT NOT NULL DEFAULT '',
  body        JSONB,
  archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (session_id, seq),
  CONSTRAINT uq_message_archive_message UNIQUE (session_id, message_id),
  CONSTRAINT uq_message_archive_id UNIQUE (archive_id)
);
`, pgx.Identifier{s.schema}.Sanitize(), cursors, archive)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("realtime: migrate: %w", err)
	}
	return nil
}

// Append archives a message with idempotency and monotonic seq allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, ErrNilStore
	}
	if !in.valid() {
		return AppendResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "archive_cursors")
	archive := pgIdent(s.schema, "message_archive")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "archive:"+in.SessionID); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readArchivedByMessageID(ctx, tx, archive, in.SessionID, in.MessageID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+cursors+` AS c (session_id, next_seq)
		 VALUES ($1, 2)
		 ON CONFLICT (session_id)
		 DO UPDATE SET next_seq = c.next_seq + 1, updated_at = now()
		 RETURNING (next_seq - 1)`,
		in.SessionID,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	archiveID, err := NewArchiveID(now)
	if err != nil {
		return AppendResult{}, err
	}

	var body any
	if len(in.Body) > 0 {
		body = string(in.Body)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+archive+` (
		     session_id, seq, archive_id, message_id, remote_jid, author, from_me, mime_type, body, archived_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
		in.SessionID, seq, archiveID, in.MessageID, in.RemoteJID, in.Author, in.FromMe, in.MimeType, body, now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert archive row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{Stored: ArchivedMessage{
		SessionID:  in.SessionID,
		MessageID:  in.MessageID,
		ArchiveID:  archiveID,
		Seq:        seq,
		RemoteJID:  in.RemoteJID,
		Author:     in.Author,
		FromMe:     in.FromMe,
		MimeType:   in.MimeType,
		Body:       in.Body,
		ArchivedAt: now,
	}}, nil
}

// History returns messages ordered by seq ASC, paged by AfterSeq.
func (s *PostgresStore) History(ctx context.Context, in HistoryQuery) (HistoryPage, error) {
	if s == nil || s.pool == nil {
		return HistoryPage{}, ErrNilStore
	}
	if in.SessionID == "" {
		return HistoryPage{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+archiveColumns+`
		   FROM `+pgIdent(s.schema, "message_archive")+`
		  WHERE session_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.SessionID, after, fetch,
	)
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	msgs := make([]ArchivedMessage, 0, fetch)
	for rows.Next() {
		m, err := scanArchived(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryPage{Messages: msgs, HasMore: hasMore}, nil
}

// Purge deletes the session's rows and its seq cursor in one transaction.
func (s *PostgresStore) Purge(ctx context.Context, sessionID string) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "archive:"+sessionID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "message_archive")+` WHERE session_id = $1`, sessionID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "archive_cursors")+` WHERE session_id = $1`, sessionID)
		return err
	})
}

const archiveColumns = `session_id, seq, archive_id, message_id, remote_jid, author, from_me, mime_type, body::text, archived_at`

func scanArchived(row pgx.Row) (ArchivedMessage, error) {
	var (
		m    ArchivedMessage
		body *string
	)
	err := row.Scan(&m.SessionID, &m.Seq, &m.ArchiveID, &m.MessageID, &m.RemoteJID,
		&m.Author, &m.FromMe, &m.MimeType, &body, &m.ArchivedAt)
	if err != nil {
		return ArchivedMessage{}, err
	}
	if body != nil {
		m.Body = []byte(*body)
	}
	return m, nil
}

func readArchivedByMessageID(ctx context.Context, tx pgx.Tx, table, sessionID, messageID string) (ArchivedMessage, error) {
	return scanArchived(tx.QueryRow(ctx,
		`SELECT `+archiveColumns+` FROM `+table+` WHERE session_id = $1 AND message_id = $2`,
		sessionID, messageID,
	))
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
