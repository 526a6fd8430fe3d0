package events

import (
	"time"

	"sessiond/cmd/internal/socket"
)

// Event is implemented by every payload type.
type Event interface {
	Kind() Kind
	Session() string
	Time() time.Time
}

// Header carries the fields every event shares.
type Header struct {
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

func (h Header) Session() string { return h.SessionID }
func (h Header) Time() time.Time { return h.At }

// QR is a fresh QR code to scan.
type QR struct {
	Header
	QR string `json:"qr"`
}

// PairingCode is a code to type on the phone to link the session.
type PairingCode struct {
	Header
	Code        string `json:"code"`
	PhoneNumber string `json:"phone_number"`
}

// Connecting reports that the engine started connecting. Attempt is non-zero while reconnecting.
type Connecting struct {
	Header
	Attempt int `json:"attempt,omitempty"`
}

// Connected reports an open connection.
type Connected struct {
	Header
	User string `json:"user,omitempty"`
}

// DisconnectReason explains a final disconnect.
type DisconnectReason string

const (
	ReasonLoggedOut        DisconnectReason = "logged_out"
	ReasonRetriesExhausted DisconnectReason = "retries_exhausted"
	ReasonDeleted          DisconnectReason = "deleted"
	ReasonRevoked          DisconnectReason = "revoked"
)

// DeletesCredentials reports whether a stop for r also deletes the session's stored
// credentials. Only a revoke leaves storage alone.
func (r DisconnectReason) DeletesCredentials() bool {
	switch r {
	case ReasonLoggedOut, ReasonRetriesExhausted, ReasonDeleted:
		return true
	}
	return false
}

// Disconnected reports that a session stopped for good.
type Disconnected struct {
	Header
	Reason DisconnectReason `json:"reason"`
	// Code is the last disconnect status reported by the engine, 0 if none.
	Code int `json:"code,omitempty"`
}

// Media is a message's media part. Data is base64 and empty unless downloading is enabled.
type Media struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data,omitempty"`
}

// MessageReceived is a new message.
type MessageReceived struct {
	Header
	// Type is the upsert type: "notify" for new messages, "append" for history.
	Type    string         `json:"type"`
	Author  string         `json:"author"`
	Message socket.Message `json:"message"`
	Media   *Media         `json:"media,omitempty"`
}

// MessageUpdated is a status change of a known message.
type MessageUpdated struct {
	Header
	Key        socket.MessageKey    `json:"key"`
	Status     socket.MessageStatus `json:"status"`
	StatusText string               `json:"status_text"`
	Media      *Media               `json:"media,omitempty"`
}

// GroupMemberUpdated reports participants added, removed, promoted or demoted.
type GroupMemberUpdated struct {
	Header
	GroupJID     string                   `json:"group_jid"`
	Author       string                   `json:"author,omitempty"`
	Participants []string                 `json:"participants"`
	Action       socket.ParticipantAction `json:"action"`
}

func (QR) Kind() Kind                 { return KindQR }
func (PairingCode) Kind() Kind        { return KindPairingCode }
func (Connecting) Kind() Kind         { return KindConnecting }
func (Connected) Kind() Kind          { return KindConnected }
func (Disconnected) Kind() Kind       { return KindDisconnected }
func (MessageReceived) Kind() Kind    { return KindMessageReceived }
func (MessageUpdated) Kind() Kind     { return KindMessageUpdated }
func (GroupMemberUpdated) Kind() Kind { return KindGroupMemberUpdated }
