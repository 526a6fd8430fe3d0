package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"sessiond/cmd/internal/creds"
	"sessiond/cmd/internal/socket"
)

const (
	frameStart         = "start"
	framePairingCode   = "pairing_code"
	frameDownloadMedia = "download_media"
	frameLogout        = "logout"
	frameEvent         = "event"
	frameResponse      = "response"
)

// Engine event names.
const (
	EventConnectionUpdate  = "connection.update"
	EventCredsUpdate       = "creds.update"
	EventMessagesUpsert    = "messages.upsert"
	EventMessagesUpdate    = "messages.update"
	EventGroupParticipants = "group-participants.update"
)

type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *EngineError    `json:"error,omitempty"`
}

type startAuth struct {
	Creds json.RawMessage   `json:"creds,omitempty"`
	Keys  map[string][]byte `json:"keys,omitempty"`
}

type startRequest struct {
	SessionID           string         `json:"session_id"`
	Auth                startAuth      `json:"auth"`
	PrintQR             bool           `json:"print_qr"`
	Browser             socket.Browser `json:"browser"`
	MarkOnlineOnConnect bool           `json:"mark_online_on_connect"`
}

type startResponse struct {
	Registered bool         `json:"registered"`
	User       *socket.User `json:"user,omitempty"`
}

type pairingCodeRequest struct {
	Phone string `json:"phone"`
}

type pairingCodeResponse struct {
	Code string `json:"code"`
}

type downloadMediaRequest struct {
	Message socket.Message `json:"message"`
}

type downloadMediaResponse struct {
	Data []byte `json:"data"`
}

// connectionUpdate is socket.ConnectionUpdate plus the account the engine logged in as.
type connectionUpdate struct {
	socket.ConnectionUpdate
	User *socket.User `json:"user,omitempty"`
}

func newStartRequest(cfg socket.Config) startRequest {
	return startRequest{
		SessionID:           cfg.SessionID,
		Auth:                authOf(cfg.Auth),
		PrintQR:             cfg.PrintQR,
		Browser:             cfg.Browser,
		MarkOnlineOnConnect: cfg.MarkOnlineOnConnect,
	}
}

func authOf(st creds.State) startAuth {
	a := startAuth{Keys: st.Keys}
	if len(st.Creds) > 0 {
		a.Creds = json.RawMessage(st.Creds)
	}
	return a
}

// decodeEvent maps an event frame onto the socket event union. The user field of
// connection updates is returned separately.
func decodeEvent(f frame) (socket.Event, *socket.User, error) {
	switch f.Event {
	case EventConnectionUpdate:
		var u connectionUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return nil, nil, err
		}
		return u.ConnectionUpdate, u.User, nil
	case EventCredsUpdate:
		var u socket.CredsUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return nil, nil, err
		}
		return u, nil, nil
	case EventMessagesUpsert:
		var u socket.MessagesUpsert
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return nil, nil, err
		}
		return u, nil, nil
	case EventMessagesUpdate:
		var ups []socket.MessageUpdate
		if err := json.Unmarshal(f.Data, &ups); err != nil {
			return nil, nil, err
		}
		return socket.MessagesUpdate{Updates: ups}, nil, nil
	case EventGroupParticipants:
		var u socket.GroupParticipantsUpdate
		if err := json.Unmarshal(f.Data, &u); err != nil {
			return nil, nil, err
		}
		return u, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn) (frame, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return frame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return frame{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
