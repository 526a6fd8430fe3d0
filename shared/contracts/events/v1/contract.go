// Package v1 defines the sessiond events protocol v1 spoken on the realtime gateway.
//
// The package depends only on the standard library so clients can import it without
// pulling in the server.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol both sides must negotiate.
const Subprotocol = "sessiond.events.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts the handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSessionSubscribe subscribes to one session's events (client -> server) and is echoed back.
	TypeSessionSubscribe = "session_subscribe"
	// TypeSessionUnsubscribe drops a subscription (client -> server) and is echoed back.
	TypeSessionUnsubscribe = "session_unsubscribe"

	// TypeHistoryFetch requests archived messages of a session (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a window of archived messages (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeEvent carries one session event (server -> subscribers).
	TypeEvent = "event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TS        time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation of an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSessionSubscribe,
		TypeSessionUnsubscribe,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloPayload is sent by the client. Client is a free-form label used in logs.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the server-assigned connection id.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	Subject      string `json:"subject,omitempty"`
}

// SessionSubscribePayload names the session to (un)subscribe.
type SessionSubscribePayload struct {
	SessionID string `json:"session_id"`
}

// HistoryFetchPayload requests archived messages with seq > AfterSeq.
type HistoryFetchPayload struct {
	SessionID string `json:"session_id"`
	AfterSeq  *int64 `json:"after_seq,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ArchivedMessage is one archived incoming message.
type ArchivedMessage struct {
	SessionID  string          `json:"session_id"`
	MessageID  string          `json:"message_id"`
	ArchiveID  string          `json:"archive_id"`
	Seq        int64           `json:"seq"`
	RemoteJID  string          `json:"remote_jid"`
	Author     string          `json:"author,omitempty"`
	FromMe     bool            `json:"from_me"`
	MimeType   string          `json:"mime_type,omitempty"`
	Message    json.RawMessage `json:"message"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// HistoryChunkPayload is a window of archived messages ordered by seq.
type HistoryChunkPayload struct {
	SessionID string            `json:"session_id"`
	Messages  []ArchivedMessage `json:"messages"`
	HasMore   bool              `json:"has_more"`
}

// EventPayload wraps one session event. Data is the event body as JSON.
// Seq is set for message_received events that were archived.
type EventPayload struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Seq       int64           `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// ErrorPayload is returned for invalid client requests.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
