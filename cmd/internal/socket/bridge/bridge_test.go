package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"sessiond/cmd/internal/creds"
	"sessiond/cmd/internal/socket"
)

// fakeEngine accepts one connection per test, answers the start request and then runs script.
func fakeEngine(t *testing.T, startReply frame, script func(ctx context.Context, conn *websocket.Conn)) (*httptest.Server, <-chan startRequest) {
	t.Helper()

	starts := make(chan startRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

		ctx := r.Context()
		f, err := readFrame(ctx, conn)
		if err != nil || f.Type != frameStart {
			return
		}
		var req startRequest
		_ = json.Unmarshal(f.Data, &req)
		starts <- req

		startReply.Type = frameResponse
		startReply.ID = f.ID
		if err := writeFrame(ctx, conn, startReply, time.Second); err != nil {
			return
		}
		if script != nil {
			script(ctx, conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, starts
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendEvent(ctx context.Context, conn *websocket.Conn, name, data string) error {
	return writeFrame(ctx, conn, frame{Type: frameEvent, Event: name, Data: json.RawMessage(data)}, time.Second)
}

func nextEvent(t *testing.T, s socket.Socket) (socket.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil, false
	}
}

func dial(t *testing.T, srv *httptest.Server, cfg socket.Config) socket.Socket {
	t.Helper()
	f, err := NewFactory(wsURL(srv))
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.NewSocket(ctx, cfg)
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSocket_RequestsAndEvents(t *testing.T) {
	t.Parallel()

	srv, starts := fakeEngine(t, frame{Data: json.RawMessage(`{"registered":false}`)}, func(ctx context.Context, conn *websocket.Conn) {
		if err := sendEvent(ctx, conn, EventConnectionUpdate, `{"qr":"2@qr"}`); err != nil {
			return
		}
		for {
			f, err := readFrame(ctx, conn)
			if err != nil {
				return
			}
			reply := frame{Type: frameResponse, ID: f.ID}
			switch f.Type {
			case framePairingCode:
				var req pairingCodeRequest
				_ = json.Unmarshal(f.Data, &req)
				reply.Data = json.RawMessage(`{"code":"CODE-` + req.Phone + `"}`)
			case frameDownloadMedia:
				reply.Data = json.RawMessage(`{"data":"aGk="}`)
			case frameLogout:
				reply.Data = json.RawMessage(`{}`)
				_ = writeFrame(ctx, conn, reply, time.Second)
				_ = sendEvent(ctx, conn, EventConnectionUpdate, `{"connection":"close","last_disconnect":{"code":401}}`)
				return
			default:
				reply.Error = &EngineError{Code: "unsupported", Message: f.Type}
			}
			if err := writeFrame(ctx, conn, reply, time.Second); err != nil {
				return
			}
		}
	})

	s := dial(t, srv, socket.Config{
		SessionID: "alpha",
		Auth:      creds.State{Creds: []byte(`{"me":1}`), Keys: map[string][]byte{"pre-key-1": []byte("k")}},
		PrintQR:   true,
		Browser:   socket.DefaultBrowser,
	})

	req := <-starts
	if req.SessionID != "alpha" || !req.PrintQR || string(req.Auth.Creds) != `{"me":1}` || string(req.Auth.Keys["pre-key-1"]) != "k" {
		t.Fatalf("unexpected start request %+v", req)
	}
	if s.Registered() {
		t.Fatalf("Registered=true")
	}

	ev, ok := nextEvent(t, s)
	if u, isUpdate := ev.(socket.ConnectionUpdate); !ok || !isUpdate || u.QR != "2@qr" {
		t.Fatalf("first event=%#v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := s.RequestPairingCode(ctx, "628123")
	if err != nil || code != "CODE-628123" {
		t.Fatalf("RequestPairingCode=(%q,%v)", code, err)
	}
	data, err := s.DownloadMedia(ctx, socket.Message{Key: socket.MessageKey{ID: "m"}})
	if err != nil || string(data) != "hi" {
		t.Fatalf("DownloadMedia=(%q,%v)", data, err)
	}
	if err := s.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	ev, ok = nextEvent(t, s)
	u, isUpdate := ev.(socket.ConnectionUpdate)
	if !ok || !isUpdate || u.Connection != socket.ConnectionClose || u.LastDisconnect == nil || u.LastDisconnect.Code != socket.LoggedOut {
		t.Fatalf("close event=%#v", ev)
	}
	if ev, ok := nextEvent(t, s); ok {
		t.Fatalf("extra event after engine close: %#v", ev)
	}
}

func TestSocket_SyntheticCloseWhenEngineVanishes(t *testing.T) {
	t.Parallel()

	srv, _ := fakeEngine(t, frame{Data: json.RawMessage(`{"registered":true}`)}, func(ctx context.Context, conn *websocket.Conn) {
		_ = sendEvent(ctx, conn, EventConnectionUpdate, `{"connection":"open","user":{"id":"628:1@s.whatsapp.net"}}`)
		_ = sendEvent(ctx, conn, EventMessagesUpdate, `[{"key":{"id":"m1"},"update":{"status":4}}]`)
	})

	s := dial(t, srv, socket.Config{SessionID: "beta"})
	if !s.Registered() {
		t.Fatalf("Registered=false")
	}

	ev, _ := nextEvent(t, s)
	if u, ok := ev.(socket.ConnectionUpdate); !ok || u.Connection != socket.ConnectionOpen {
		t.Fatalf("open event=%#v", ev)
	}
	if s.User().ID != "628:1@s.whatsapp.net" {
		t.Fatalf("User=%+v", s.User())
	}

	ev, _ = nextEvent(t, s)
	up, ok := ev.(socket.MessagesUpdate)
	if !ok || len(up.Updates) != 1 || up.Updates[0].Update.Status == nil || *up.Updates[0].Update.Status != socket.StatusRead {
		t.Fatalf("update event=%#v", ev)
	}

	ev, _ = nextEvent(t, s)
	cl, ok := ev.(socket.ConnectionUpdate)
	if !ok || cl.Connection != socket.ConnectionClose || cl.LastDisconnect.Code != socket.ConnectionLost {
		t.Fatalf("synthetic close=%#v", ev)
	}
	if _, ok := nextEvent(t, s); ok {
		t.Fatalf("Events not closed after synthetic close")
	}
}

func TestSocket_CloseLocally(t *testing.T) {
	t.Parallel()

	srv, _ := fakeEngine(t, frame{Data: json.RawMessage(`{}`)}, func(ctx context.Context, conn *websocket.Conn) {
		for {
			if _, err := readFrame(ctx, conn); err != nil {
				return
			}
		}
	})

	s := dial(t, srv, socket.Config{SessionID: "gamma"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ev, ok := nextEvent(t, s); ok {
		t.Fatalf("event after local close: %#v", ev)
	}
	if _, err := s.RequestPairingCode(context.Background(), "628"); !errors.Is(err, socket.ErrClosed) {
		t.Fatalf("request after close err=%v", err)
	}
}

func TestFactory_StartRejected(t *testing.T) {
	t.Parallel()

	srv, _ := fakeEngine(t, frame{Error: &EngineError{Code: "bad_session", Message: "unknown credentials"}}, nil)

	f, err := NewFactory(wsURL(srv))
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = f.NewSocket(ctx, socket.Config{SessionID: "delta"})
	if !errors.Is(err, ErrStartRejected) {
		t.Fatalf("err=%v want ErrStartRejected", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != "bad_session" {
		t.Fatalf("engine error=%v", err)
	}
}

func TestNewFactory_RequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := NewFactory("  "); !errors.Is(err, ErrEmptyURL) {
		t.Fatalf("err=%v", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		event string
		data  string
		check func(socket.Event) bool
	}{
		{
			name: "creds", event: EventCredsUpdate, data: `{"creds":{"a":1},"keys":{"k":"eA==","gone":null}}`,
			check: func(ev socket.Event) bool {
				u, ok := ev.(socket.CredsUpdate)
				v, present := u.Keys["gone"]
				return ok && string(u.Creds) == `{"a":1}` && string(u.Keys["k"]) == "x" && present && v == nil
			},
		},
		{
			name: "upsert", event: EventMessagesUpsert, data: `{"type":"notify","messages":[{"key":{"remoteJid":"1@g.us","id":"m","participant":"2@s.whatsapp.net"}}]}`,
			check: func(ev socket.Event) bool {
				u, ok := ev.(socket.MessagesUpsert)
				return ok && u.Type == "notify" && len(u.Messages) == 1 && u.Messages[0].Key.Participant == "2@s.whatsapp.net"
			},
		},
		{
			name: "group", event: EventGroupParticipants, data: `{"id":"1@g.us","participants":["2@s.whatsapp.net"],"action":"add"}`,
			check: func(ev socket.Event) bool {
				u, ok := ev.(socket.GroupParticipantsUpdate)
				return ok && u.GroupJID == "1@g.us" && u.Action == socket.ParticipantAdd
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, _, err := decodeEvent(frame{Type: frameEvent, Event: tc.event, Data: json.RawMessage(tc.data)})
			if err != nil {
				t.Fatalf("decodeEvent: %v", err)
			}
			if !tc.check(ev) {
				t.Fatalf("unexpected event %#v", ev)
			}
		})
	}

	if _, _, err := decodeEvent(frame{Event: "presence.update"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("unknown event err=%v", err)
	}
}
