package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sessiond/cmd/internal/events"
	"sessiond/cmd/internal/socket"
	v1 "sessiond/shared/contracts/events/v1"
)

func received(sessionID, msgID string) events.MessageReceived {
	return events.MessageReceived{
		Header: events.Header{SessionID: sessionID, At: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
		Type:   "notify",
		Author: "15550001111@s.whatsapp.net",
		Message: socket.Message{
			Key:     socket.MessageKey{RemoteJID: "15550001111@s.whatsapp.net", ID: msgID},
			Content: json.RawMessage(`{"conversation":"hi"}`),
		},
		Media: &events.Media{MimeType: "image/jpeg"},
	}
}

func drain(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no envelope queued")
		return v1.Envelope{}
	}
}

func TestRelay_ArchivesAndBroadcasts(t *testing.T) {
	t.Parallel()

	log := quietLogger()
	hub := NewHub(log)
	store := NewInMemoryStore()
	relay := NewRelay(log, hub, store)

	bus := events.NewBus(log)
	detach := relay.Attach(bus)
	defer detach()

	c := NewClient("conn-1", "", 8)
	hub.Join("s1", c)

	bus.Publish(received("s1", "M1"))

	env := drain(t, c)
	if env.Type != v1.TypeEvent || env.SessionID != "s1" || env.V != v1.Version {
		t.Fatalf("env=%+v", env)
	}
	var p v1.EventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Kind != "message_received" || p.Seq != 1 || p.SessionID != "s1" {
		t.Fatalf("payload=%+v", p)
	}
	var data struct {
		Author  string `json:"author"`
		Message struct {
			Key struct {
				ID string `json:"id"`
			} `json:"key"`
		} `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if data.Message.Key.ID != "M1" || data.Author == "" {
		t.Fatalf("data=%+v", data)
	}

	page, err := store.History(context.Background(), HistoryQuery{SessionID: "s1"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].MimeType != "image/jpeg" || page.Messages[0].MessageID != "M1" {
		t.Fatalf("archive=%+v", page.Messages)
	}
}

func TestRelay_DuplicateIsNotRebroadcast(t *testing.T) {
	t.Parallel()

	log := quietLogger()
	hub := NewHub(log)
	relay := NewRelay(log, hub, NewInMemoryStore())

	c := NewClient("conn-1", "", 8)
	hub.Join("s1", c)

	relay.Handle(received("s1", "M1"))
	relay.Handle(received("s1", "M1"))

	_ = drain(t, c)
	select {
	case env := <-c.Send:
		t.Fatalf("duplicate broadcast: %+v", env)
	default:
	}
}

func TestRelay_ArchivesWithoutSubscribers(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	relay := NewRelay(quietLogger(), nil, store)
	relay.Handle(received("s1", "M1"))
	relay.Handle(events.QR{Header: events.Header{SessionID: "s1"}, QR: "qr"})

	page, err := store.History(context.Background(), HistoryQuery{SessionID: "s1"})
	if err != nil || len(page.Messages) != 1 {
		t.Fatalf("page=%+v err=%v", page, err)
	}
}

func TestRelay_DeletedSessionPurgesArchive(t *testing.T) {
	t.Parallel()

	log := quietLogger()
	hub := NewHub(log)
	store := NewInMemoryStore()
	relay := NewRelay(log, hub, store)

	c := NewClient("conn-1", "", 8)
	hub.Join("s1", c)

	relay.Handle(received("s1", "M1"))
	relay.Handle(events.Disconnected{Header: events.Header{SessionID: "s1"}, Reason: events.ReasonRevoked})

	page, _ := store.History(context.Background(), HistoryQuery{SessionID: "s1"})
	if len(page.Messages) != 1 {
		t.Fatalf("revoke purged the archive")
	}

	relay.Handle(events.Disconnected{Header: events.Header{SessionID: "s1"}, Reason: events.ReasonDeleted})
	page, _ = store.History(context.Background(), HistoryQuery{SessionID: "s1"})
	if len(page.Messages) != 0 {
		t.Fatalf("delete kept %d archived messages", len(page.Messages))
	}

	kinds := []string{}
	for range 3 {
		var p v1.EventPayload
		if err := json.Unmarshal(drain(t, c).Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		kinds = append(kinds, p.Kind)
	}
	want := []string{"message_received", "disconnected", "disconnected"}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds=%v want=%v", kinds, want)
		}
	}
}

func TestRelay_TeardownPurgesArchive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reason events.DisconnectReason
		purged bool
	}{
		{events.ReasonLoggedOut, true},
		{events.ReasonRetriesExhausted, true},
		{events.ReasonDeleted, true},
		{events.ReasonRevoked, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			log := quietLogger()
			store := NewInMemoryStore()
			relay := NewRelay(log, NewHub(log), store)

			relay.Handle(received("s1", "M1"))
			relay.Handle(events.Disconnected{Header: events.Header{SessionID: "s1"}, Reason: tc.reason})

			page, _ := store.History(context.Background(), HistoryQuery{SessionID: "s1"})
			if got := len(page.Messages) == 0; got != tc.purged {
				t.Fatalf("purged=%v want=%v", got, tc.purged)
			}
		})
	}
}

func TestRelay_NilStoreStillBroadcasts(t *testing.T) {
	t.Parallel()

	log := quietLogger()
	hub := NewHub(log)
	relay := NewRelay(log, hub, nil)

	c := NewClient("conn-1", "", 8)
	hub.Join("s1", c)
	relay.Handle(received("s1", "M1"))

	var p v1.EventPayload
	if err := json.Unmarshal(drain(t, c).Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Seq != 0 {
		t.Fatalf("seq=%d want=0 without archive", p.Seq)
	}
}
