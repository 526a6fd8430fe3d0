package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when SESSIOND_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_AppendDedupeNoSeqWaste(t *testing.T) {
	t.Parallel()

	store, pool, schema := mustNewTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sessionID := "it-dedupe-" + uuid.NewString()[:8]
	now := time.Now().UTC()

	first, err := store.Append(ctx, AppendInput{
		SessionID: sessionID,
		MessageID: "M1",
		RemoteJID: "15550001111@s.whatsapp.net",
		Body:      []byte(`{"key":{"id":"M1"}}`),
		Now:       now,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated || first.Stored.Seq != 1 {
		t.Fatalf("first=%+v want seq=1", first)
	}

	second, err := store.Append(ctx, AppendInput{SessionID: sessionID, MessageID: "M1", Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !second.Duplicated || second.Stored.Seq != 1 || second.Stored.ArchiveID != first.Stored.ArchiveID {
		t.Fatalf("duplicate=%+v want first row", second)
	}
	if !strings.Contains(string(second.Stored.Body), `"M1"`) {
		t.Fatalf("stored body=%s", second.Stored.Body)
	}

	third, err := store.Append(ctx, AppendInput{SessionID: sessionID, MessageID: "M2", Now: now})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}
	if third.Stored.Seq != 2 {
		t.Fatalf("third seq=%d want=2", third.Stored.Seq)
	}

	if cnt := mustCountArchive(t, pool, schema, sessionID); cnt != 2 {
		t.Fatalf("rows=%d want=2", cnt)
	}
}

func TestPostgresStore_HistoryAndPurge(t *testing.T) {
	t.Parallel()

	store, _, _ := mustNewTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sessionID := "it-history-" + uuid.NewString()[:8]
	for i := range 3 {
		if _, err := store.Append(ctx, AppendInput{SessionID: sessionID, MessageID: fmt.Sprintf("M%d", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	page, err := store.History(ctx, HistoryQuery{SessionID: sessionID, Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !page.HasMore || len(page.Messages) != 2 || page.Messages[0].Seq != 1 {
		t.Fatalf("page1=%+v", page)
	}

	after := int64(2)
	page, err = store.History(ctx, HistoryQuery{SessionID: sessionID, AfterSeq: &after})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.HasMore || len(page.Messages) != 1 || page.Messages[0].Seq != 3 || page.Messages[0].Body != nil {
		t.Fatalf("page2=%+v", page)
	}

	if err := store.Purge(ctx, sessionID); err != nil {
		t.Fatalf("purge: %v", err)
	}
	res, err := store.Append(ctx, AppendInput{SessionID: sessionID, MessageID: "M0"})
	if err != nil || res.Duplicated || res.Stored.Seq != 1 {
		t.Fatalf("append after purge res=%+v err=%v", res, err)
	}
}

func TestPostgresStore_ConcurrentAppendsAreGapless(t *testing.T) {
	t.Parallel()

	store, _, _ := mustNewTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionID := "it-concurrency-" + uuid.NewString()[:8]
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := range n {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Append(ctx, AppendInput{SessionID: sessionID, MessageID: fmt.Sprintf("M%d", i)}); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	page, err := store.History(ctx, HistoryQuery{SessionID: sessionID, Limit: maxHistoryLimit})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != n {
		t.Fatalf("rows=%d want=%d", len(page.Messages), n)
	}
	for i, m := range page.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %d", i, m.Seq)
		}
	}
}

func TestNewPostgresStore_Options(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	if _, err := NewPostgresStore(nil, WithSchema("bad;schema")); err == nil {
		t.Fatalf("expected error for invalid schema")
	}
}

// ---- helpers ----

func mustNewTestStore(t *testing.T) (*PostgresStore, *pgxpool.Pool, string) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("SESSIOND_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SESSIOND_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	schema := "sessiond_it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store, pool, schema
}

func mustCountArchive(t *testing.T, pool *pgxpool.Pool, schema, sessionID string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "message_archive")+` WHERE session_id = $1`,
		sessionID,
	).Scan(&cnt); err != nil {
		t.Fatalf("count archive: %v", err)
	}
	return cnt
}
