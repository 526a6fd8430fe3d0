package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryStore_AppendDedupeNoSeqWaste(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	first, err := st.Append(ctx, AppendInput{SessionID: "s1", MessageID: "m1", RemoteJID: "1@s.whatsapp.net", Body: []byte(`{"a":1}`), Now: now})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Duplicated || first.Stored.Seq != 1 {
		t.Fatalf("first=%+v want seq=1 not duplicated", first)
	}
	if len(first.Stored.ArchiveID) != 26 {
		t.Fatalf("archive id=%q want ULID", first.Stored.ArchiveID)
	}

	dup, err := st.Append(ctx, AppendInput{SessionID: "s1", MessageID: "m1", Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("append duplicate: %v", err)
	}
	if !dup.Duplicated || dup.Stored.Seq != 1 || dup.Stored.ArchiveID != first.Stored.ArchiveID {
		t.Fatalf("dup=%+v want the first row", dup)
	}

	second, err := st.Append(ctx, AppendInput{SessionID: "s1", MessageID: "m2", Now: now})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Stored.Seq != 2 {
		t.Fatalf("second seq=%d want=2", second.Stored.Seq)
	}

	other, err := st.Append(ctx, AppendInput{SessionID: "s2", MessageID: "m1", Now: now})
	if err != nil {
		t.Fatalf("append other session: %v", err)
	}
	if other.Duplicated || other.Stored.Seq != 1 {
		t.Fatalf("other=%+v want independent seq", other)
	}
}

func TestInMemoryStore_AppendInvalid(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	for _, in := range []AppendInput{{MessageID: "m"}, {SessionID: "s"}, {SessionID: " ", MessageID: "m"}} {
		if _, err := st.Append(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Append(%+v) err=%v want ErrInvalidInput", in, err)
		}
	}
}

func TestInMemoryStore_HistoryPaging(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	for i := range 5 {
		if _, err := st.Append(ctx, AppendInput{SessionID: "s1", MessageID: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	page, err := st.History(ctx, HistoryQuery{SessionID: "s1", Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !page.HasMore || len(page.Messages) != 2 || page.Messages[0].Seq != 1 || page.Messages[1].Seq != 2 {
		t.Fatalf("page1=%+v", page)
	}

	after := page.Messages[1].Seq
	page, err = st.History(ctx, HistoryQuery{SessionID: "s1", AfterSeq: &after, Limit: 10})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if page.HasMore || len(page.Messages) != 3 || page.Messages[0].Seq != 3 {
		t.Fatalf("page2=%+v", page)
	}

	after = 5
	page, err = st.History(ctx, HistoryQuery{SessionID: "s1", AfterSeq: &after})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 0 || page.HasMore {
		t.Fatalf("page3=%+v want empty", page)
	}

	page, err = st.History(ctx, HistoryQuery{SessionID: "unknown"})
	if err != nil || len(page.Messages) != 0 {
		t.Fatalf("unknown session page=%+v err=%v", page, err)
	}
}

func TestInMemoryStore_Purge(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	if _, err := st.Append(ctx, AppendInput{SessionID: "s1", MessageID: "m1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Purge(ctx, "s1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	page, err := st.History(ctx, HistoryQuery{SessionID: "s1"})
	if err != nil || len(page.Messages) != 0 {
		t.Fatalf("after purge page=%+v err=%v", page, err)
	}
	res, err := st.Append(ctx, AppendInput{SessionID: "s1", MessageID: "m1"})
	if err != nil || res.Duplicated || res.Stored.Seq != 1 {
		t.Fatalf("append after purge res=%+v err=%v", res, err)
	}
}

func TestClampHistoryLimit(t *testing.T) {
	t.Parallel()

	cases := map[int]int{-1: defaultHistoryLimit, 0: defaultHistoryLimit, 10: 10, maxHistoryLimit + 1: maxHistoryLimit}
	for in, want := range cases {
		if got := clampHistoryLimit(in); got != want {
			t.Fatalf("clampHistoryLimit(%d)=%d want=%d", in, got, want)
		}
	}
}
