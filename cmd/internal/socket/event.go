package socket

import "encoding/json"

// Event is one item of a socket's event stream. The concrete types are
// ConnectionUpdate, CredsUpdate, MessagesUpsert, MessagesUpdate and
// GroupParticipantsUpdate.
type Event interface {
	socketEvent()
}

// ConnectionState is the engine's coarse connection state.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// ConnectionUpdate reports a connection transition and/or a fresh QR code.
// Connection is empty for QR-only updates.
type ConnectionUpdate struct {
	Connection     ConnectionState  `json:"connection,omitempty"`
	QR             string           `json:"qr,omitempty"`
	LastDisconnect *DisconnectError `json:"last_disconnect,omitempty"`
	IsNewLogin     bool             `json:"is_new_login,omitempty"`
}

// CredsUpdate carries credential state to persist. A nil Creds leaves the stored
// document untouched; nil values in Keys delete the key.
type CredsUpdate struct {
	Creds json.RawMessage   `json:"creds,omitempty"`
	Keys  map[string][]byte `json:"keys,omitempty"`
}

// MessagesUpsert delivers new messages ("notify") or history ("append").
type MessagesUpsert struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// MessagesUpdate delivers status changes of known messages.
type MessagesUpdate struct {
	Updates []MessageUpdate `json:"updates"`
}

// ParticipantAction is what happened to group participants.
type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
	ParticipantModify  ParticipantAction = "modify"
)

// GroupParticipantsUpdate reports membership changes of a group.
type GroupParticipantsUpdate struct {
	GroupJID     string            `json:"id"`
	Author       string            `json:"author,omitempty"`
	Participants []string          `json:"participants"`
	Action       ParticipantAction `json:"action"`
}

func (ConnectionUpdate) socketEvent()        {}
func (CredsUpdate) socketEvent()             {}
func (MessagesUpsert) socketEvent()          {}
func (MessagesUpdate) socketEvent()          {}
func (GroupParticipantsUpdate) socketEvent() {}
