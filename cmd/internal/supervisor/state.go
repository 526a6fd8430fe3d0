package supervisor

import (
	"fmt"
	"time"

	"sessiond/cmd/internal/events"
)

// Mode selects how a fresh session authenticates.
type Mode int

const (
	ModeQR Mode = iota
	ModePairingCode
)

func (m Mode) String() string {
	switch m {
	case ModeQR:
		return "qr"
	case ModePairingCode:
		return "pairing_code"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "qr" (or "") and "pairing_code".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "qr":
		return ModeQR, nil
	case "pairing_code":
		return ModePairingCode, nil
	default:
		return 0, ErrInvalidMode
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// State is a session's position in its lifecycle.
type State int

const (
	StateConnecting State = iota + 1
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time snapshot of one session.
type Status struct {
	ID    string `json:"id"`
	Mode  Mode   `json:"mode"`
	State State  `json:"state"`
	// Attempt is the current reconnect attempt; 0 unless State is StateReconnecting.
	Attempt   int       `json:"attempt"`
	User      string    `json:"user,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StartOptions configures one session. The callbacks run in addition to bus subscribers.
type StartOptions struct {
	Mode Mode
	// PhoneNumber is required in ModePairingCode.
	PhoneNumber string
	PrintQR     bool

	OnQR                func(qr string)
	OnPairingCode       func(code string)
	OnConnecting        func()
	OnConnected         func()
	OnDisconnected      func(reason events.DisconnectReason)
	OnMessageReceived   func(events.MessageReceived)
	OnMessageUpdated    func(events.MessageUpdated)
	OnGroupMemberUpdate func(events.GroupMemberUpdated)
}
