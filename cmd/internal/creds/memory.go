package creds

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps credential state in process memory (dev and tests).
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]State
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]State)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (State, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return State{}, err
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID].Clone(), nil
}

// SaveCreds replaces the creds document.
func (s *MemoryStore) SaveCreds(ctx context.Context, sessionID string, creds []byte) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sessions[sessionID]
	st.Creds = append([]byte(nil), creds...)
	s.sessions[sessionID] = st
	return nil
}

// SetKeys applies a key update.
func (s *MemoryStore) SetKeys(ctx context.Context, sessionID string, keys map[string][]byte) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	if err := checkKeys(keys); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sessions[sessionID]
	st.Apply(keys)
	s.sessions[sessionID] = st
	return nil
}

// Delete drops the session's state.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return ctx.Err()
}

// Exists reports whether non-empty state is stored for the session.
func (s *MemoryStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	return ok && !st.Empty(), ctx.Err()
}

// List returns the ids with non-empty state.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.sessions))
	for id, st := range s.sessions {
		if !st.Empty() {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}
