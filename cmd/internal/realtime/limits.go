package realtime

import "time"

const (
	// Max bytes per inbound websocket frame. Clients only send small control frames.
	maxFrameBytes = 64 << 10

	// Max rooms one connection may subscribe to.
	maxSubscriptions = 32

	// Archive paging.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (inbound frames per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Bound on archive writes made from the bus listener.
	archiveTimeout = 5 * time.Second
)

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
