package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ArchivedMessage is the persisted form of an incoming message.
type ArchivedMessage struct {
	SessionID string
	MessageID string
	ArchiveID string
	Seq       int64
	RemoteJID string
	Author    string
	FromMe    bool
	MimeType  string
	// Body is the engine's message document.
	Body       json.RawMessage
	ArchivedAt time.Time
}

// MessageStore archives messages per session.
//
// Requirements:
//   - Idempotency per (session_id, message_id)
//   - Monotonic seq per session, no gaps for duplicates
//   - History ordered by seq ASC
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	History(ctx context.Context, in HistoryQuery) (HistoryPage, error)
	// Purge drops every archived message of the session.
	Purge(ctx context.Context, sessionID string) error
	Close() error
}

// AppendInput describes an archive append.
type AppendInput struct {
	SessionID string
	MessageID string
	RemoteJID string
	Author    string
	FromMe    bool
	MimeType  string
	Body      json.RawMessage
	Now       time.Time
}

func (in AppendInput) valid() bool {
	return strings.TrimSpace(in.SessionID) != "" && strings.TrimSpace(in.MessageID) != ""
}

// AppendResult is the append outcome. Duplicated is true when the message was
// already archived; Stored is then the earlier row.
type AppendResult struct {
	Stored     ArchivedMessage
	Duplicated bool
}

// HistoryQuery selects messages with seq > AfterSeq (all when nil).
type HistoryQuery struct {
	SessionID string
	AfterSeq  *int64
	Limit     int
}

// HistoryPage is one window of history.
type HistoryPage struct {
	Messages []ArchivedMessage
	HasMore  bool
}
