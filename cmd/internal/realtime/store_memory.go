package realtime

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerSession = 10_000

// InMemoryStore keeps the archive in process memory. History is bounded per session.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memArchive
}

type memArchive struct {
	seq    int64
	dedupe map[string]ArchivedMessage // message_id -> row
	msgs   []ArchivedMessage          // ordered by seq
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*memArchive)}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// Append archives a message with idempotency and monotonic seq allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.sessions[in.SessionID]
	if a == nil {
		a = &memArchive{
			dedupe: make(map[string]ArchivedMessage),
			msgs:   make([]ArchivedMessage, 0, 64),
		}
		s.sessions[in.SessionID] = a
	}

	if existing, ok := a.dedupe[in.MessageID]; ok {
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	archiveID, err := NewArchiveID(now)
	if err != nil {
		return AppendResult{}, err
	}

	a.seq++
	msg := ArchivedMessage{
		SessionID:  in.SessionID,
		MessageID:  in.MessageID,
		ArchiveID:  archiveID,
		Seq:        a.seq,
		RemoteJID:  in.RemoteJID,
		Author:     in.Author,
		FromMe:     in.FromMe,
		MimeType:   in.MimeType,
		Body:       append([]byte(nil), in.Body...),
		ArchivedAt: now,
	}
	a.dedupe[in.MessageID] = msg
	a.msgs = append(a.msgs, msg)

	if len(a.msgs) > memMaxMessagesPerSession {
		for _, old := range a.msgs[:len(a.msgs)-memMaxMessagesPerSession] {
			delete(a.dedupe, old.MessageID)
		}
		a.msgs = slices.Clone(a.msgs[len(a.msgs)-memMaxMessagesPerSession:])
	}

	return AppendResult{Stored: msg}, nil
}

// History returns messages ordered by seq ASC, paged by AfterSeq.
func (s *InMemoryStore) History(ctx context.Context, in HistoryQuery) (HistoryPage, error) {
	if in.SessionID == "" {
		return HistoryPage{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return HistoryPage{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	var snap []ArchivedMessage
	if a := s.sessions[in.SessionID]; a != nil {
		snap = slices.Clone(a.msgs)
	}
	s.mu.Unlock()

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	if start >= len(snap) {
		return HistoryPage{}, nil
	}

	out := snap[start:]
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return HistoryPage{Messages: out, HasMore: hasMore}, nil
}

// Purge drops the session's archive. Seq numbering restarts at 1.
func (s *InMemoryStore) Purge(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}
