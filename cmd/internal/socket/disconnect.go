package socket

import (
	"errors"
	"fmt"
	"strconv"
)

// DisconnectReason is the status code attached to a closed connection.
type DisconnectReason int

const (
	ConnectionClosed    DisconnectReason = 428
	ConnectionLost      DisconnectReason = 408
	ConnectionReplaced  DisconnectReason = 440
	TimedOut            DisconnectReason = 408
	LoggedOut           DisconnectReason = 401
	BadSession          DisconnectReason = 500
	RestartRequired     DisconnectReason = 515
	MultideviceMismatch DisconnectReason = 411
	Forbidden           DisconnectReason = 403
	UnavailableService  DisconnectReason = 503
)

func (r DisconnectReason) String() string {
	switch r {
	case ConnectionClosed:
		return "connection_closed"
	case ConnectionLost:
		return "connection_lost"
	case ConnectionReplaced:
		return "connection_replaced"
	case LoggedOut:
		return "logged_out"
	case BadSession:
		return "bad_session"
	case RestartRequired:
		return "restart_required"
	case MultideviceMismatch:
		return "multidevice_mismatch"
	case Forbidden:
		return "forbidden"
	case UnavailableService:
		return "unavailable_service"
	default:
		return strconv.Itoa(int(r))
	}
}

// DisconnectError explains why a connection closed.
type DisconnectError struct {
	Code    DisconnectReason `json:"code"`
	Message string           `json:"message,omitempty"`
}

func (e *DisconnectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("socket: disconnected (%d %s)", int(e.Code), e.Code)
	}
	return fmt.Sprintf("socket: disconnected (%d %s): %s", int(e.Code), e.Code, e.Message)
}

// DisconnectCode extracts the status code from err; 0 when err carries none.
func DisconnectCode(err error) DisconnectReason {
	var de *DisconnectError
	if errors.As(err, &de) && de != nil {
		return de.Code
	}
	return 0
}
