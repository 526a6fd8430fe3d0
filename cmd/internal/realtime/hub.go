package realtime

import (
	"log/slog"
	"sync"

	v1 "sessiond/shared/contracts/events/v1"
)

// Hub owns the per-session rooms. Rooms are created on first subscribe and
// dropped when their last member leaves.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join adds client to the room of sessionID, creating it if needed.
func (h *Hub) Join(sessionID string, client *Client) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sessionID]
	if !ok {
		r = NewRoom(h.log, sessionID)
		h.rooms[sessionID] = r
	}
	r.Join(client)
	return r
}

// Leave removes the connection from the room of sessionID.
func (h *Hub) Leave(sessionID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	if r.Leave(connectionID) == 0 {
		delete(h.rooms, sessionID)
	}
}

// Room returns the room of sessionID, or nil when nobody is subscribed.
func (h *Hub) Room(sessionID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[sessionID]
}

// Broadcast sends env to the subscribers of sessionID and returns how many accepted it.
func (h *Hub) Broadcast(sessionID string, env v1.Envelope) int {
	return h.Room(sessionID).Broadcast(env)
}

// Len returns the number of live rooms.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
