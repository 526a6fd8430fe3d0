package supervisor

import (
	"errors"

	"sessiond/cmd/internal/creds"
	"sessiond/cmd/internal/socket"
)

var (
	ErrSessionExists = errors.New("supervisor: session already exists")
	ErrClosed        = errors.New("supervisor: closed")
	ErrInvalidMode   = errors.New("supervisor: invalid start mode")
	ErrNoFactory     = errors.New("supervisor: no socket factory")

	ErrInvalidSessionID = creds.ErrInvalidSessionID
	ErrInvalidPhone     = socket.ErrInvalidPhone
)
