package realtime

import (
	"time"

	"github.com/google/uuid"

	"sessiond/cmd/internal/ids"
)

// NewConnectionID returns the id assigned to one websocket connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a ULID used as envelope id. ULIDs keep envelopes ordered in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// NewArchiveID returns the id of an archived message row.
func NewArchiveID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
