package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"sessiond/cmd/internal/events"
	v1 "sessiond/shared/contracts/events/v1"
)

// Relay turns bus events into envelopes for the session rooms and archives
// incoming messages on the way.
type Relay struct {
	log   *slog.Logger
	hub   *Hub
	store MessageStore
	now   func() time.Time
}

// NewRelay constructs a Relay. A nil store disables archiving.
func NewRelay(log *slog.Logger, hub *Hub, store MessageStore) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	return &Relay{
		log:   log,
		hub:   hub,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Attach subscribes the relay to every event on bus and returns the unsubscribe function.
func (r *Relay) Attach(bus *events.Bus) (detach func()) {
	return bus.SubscribeAll(r.Handle)
}

// Handle processes one event. It runs on the publisher's goroutine.
func (r *Relay) Handle(ev events.Event) {
	if ev == nil {
		return
	}
	sessionID := ev.Session()

	var seq int64
	switch e := ev.(type) {
	case events.MessageReceived:
		stored, dup, ok := r.archive(e)
		if dup {
			return
		}
		if ok {
			seq = stored.Seq
		}
	case events.Disconnected:
		if e.Reason.DeletesCredentials() {
			r.purge(sessionID)
		}
	}

	room := r.hub.Room(sessionID)
	if room == nil || room.Len() == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("relay.marshal.fail", "session_id", sessionID, "kind", ev.Kind().String(), "err", err)
		return
	}
	payload, err := json.Marshal(v1.EventPayload{
		SessionID: sessionID,
		Kind:      ev.Kind().String(),
		Seq:       seq,
		Data:      data,
	})
	if err != nil {
		r.log.Error("relay.marshal.fail", "session_id", sessionID, "kind", ev.Kind().String(), "err", err)
		return
	}

	env := newEnvelope(v1.TypeEvent, payload, r.now())
	env.SessionID = sessionID
	room.Broadcast(env)
}

func (r *Relay) archive(e events.MessageReceived) (ArchivedMessage, bool, bool) {
	if r.store == nil || e.Message.Key.ID == "" {
		return ArchivedMessage{}, false, false
	}

	body, err := json.Marshal(e.Message)
	if err != nil {
		archiveAppends.WithLabelValues("error").Inc()
		r.log.Error("archive.append.fail", "session_id", e.SessionID, "message_id", e.Message.Key.ID, "err", err)
		return ArchivedMessage{}, false, false
	}

	in := AppendInput{
		SessionID: e.SessionID,
		MessageID: e.Message.Key.ID,
		RemoteJID: e.Message.Key.RemoteJID,
		Author:    e.Author,
		FromMe:    e.Message.Key.FromMe,
		Body:      body,
		Now:       e.At,
	}
	if e.Media != nil {
		in.MimeType = e.Media.MimeType
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	res, err := r.store.Append(ctx, in)
	if err != nil {
		archiveAppends.WithLabelValues("error").Inc()
		r.log.Error("archive.append.fail", "session_id", e.SessionID, "message_id", in.MessageID, "err", err)
		return ArchivedMessage{}, false, false
	}
	if res.Duplicated {
		archiveAppends.WithLabelValues("duplicate").Inc()
		r.log.Debug("archive.append.duplicate", "session_id", e.SessionID, "message_id", in.MessageID, "seq", res.Stored.Seq)
		return res.Stored, true, true
	}
	archiveAppends.WithLabelValues("stored").Inc()
	return res.Stored, false, true
}

func (r *Relay) purge(sessionID string) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	if err := r.store.Purge(ctx, sessionID); err != nil {
		r.log.Error("archive.purge.fail", "session_id", sessionID, "err", err)
		return
	}
	r.log.Info("archive.purge", "session_id", sessionID)
}
