package creds

import (
	"context"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// CredsKey is the reserved key under which the creds document is stored.
const CredsKey = "creds"

// State is the persisted authentication state of one session.
type State struct {
	// Creds is the engine's creds document (noise/identity keys, registration flag, ...).
	Creds []byte
	// Keys holds named signal key blobs ("pre-key-1", "session-<jid>", ...).
	Keys map[string][]byte
}

// Empty reports whether no state has been stored.
func (s State) Empty() bool {
	return len(s.Creds) == 0 && len(s.Keys) == 0
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{}
	if s.Creds != nil {
		out.Creds = append([]byte(nil), s.Creds...)
	}
	if s.Keys != nil {
		out.Keys = make(map[string][]byte, len(s.Keys))
		for k, v := range s.Keys {
			out.Keys[k] = append([]byte(nil), v...)
		}
	}
	return out
}

// Apply merges a key update into the state: nil values delete, others replace.
func (s *State) Apply(keys map[string][]byte) {
	if len(keys) == 0 {
		return
	}
	if s.Keys == nil {
		s.Keys = make(map[string][]byte, len(keys))
	}
	for k, v := range keys {
		if v == nil {
			delete(s.Keys, k)
			continue
		}
		s.Keys[k] = append([]byte(nil), v...)
	}
}

// Store persists per-session credential state.
//
// Requirements:
//   - Load of an unknown session returns an empty State and no error.
//   - SetKeys treats nil values as deletions.
//   - Delete of an unknown session is not an error.
//   - List returns session ids with stored state, sorted ascending.
type Store interface {
	Load(ctx context.Context, sessionID string) (State, error)
	SaveCreds(ctx context.Context, sessionID string, creds []byte) error
	SetKeys(ctx context.Context, sessionID string, keys map[string][]byte) error
	Delete(ctx context.Context, sessionID string) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

var sessionIDRE = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,63}$`)

// ValidSessionID reports whether id can be used as a session identifier.
func ValidSessionID(id string) bool {
	return sessionIDRE.MatchString(id)
}

// CheckSessionID returns ErrInvalidSessionID for ids rejected by ValidSessionID.
func CheckSessionID(id string) error {
	if !ValidSessionID(id) {
		return ErrInvalidSessionID
	}
	return nil
}

func checkKeys(keys map[string][]byte) error {
	for k := range keys {
		if strings.TrimSpace(k) == "" || k == CredsKey {
			return ErrInvalidKey
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
