package realtime

import (
	"log/slog"
	"sync"

	v1 "sessiond/shared/contracts/events/v1"
)

// Room holds the subscribers of one session.
//
// Join and Leave are safe under concurrent Broadcast. Broadcast never blocks:
// envelopes for full or closing clients are dropped.
type Room struct {
	log       *slog.Logger
	SessionID string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs an empty room.
func NewRoom(log *slog.Logger, sessionID string) *Room {
	if log == nil {
		log = slog.Default()
	}
	return &Room{
		log:       log,
		SessionID: sessionID,
		members:   make(map[string]*Client),
	}
}

// Join adds a client. Joining twice is a no-op.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.ConnectionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.ConnectionID] = client
	r.mu.Unlock()

	r.log.Info("room.join", "session_id", r.SessionID, "connection_id", client.ConnectionID)
}

// Leave removes a client and reports how many members remain.
func (r *Room) Leave(connectionID string) int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	_, had := r.members[connectionID]
	delete(r.members, connectionID)
	n := len(r.members)
	r.mu.Unlock()

	if had {
		r.log.Info("room.leave", "session_id", r.SessionID, "connection_id", connectionID)
	}
	return n
}

// Len returns the number of members.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast offers env to every member and returns how many accepted it.
func (r *Room) Broadcast(env v1.Envelope) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, m := range r.members {
		if m == nil {
			continue
		}
		if m.offer(env) {
			delivered++
			continue
		}
		wsDropped.Inc()
	}
	return delivered
}
