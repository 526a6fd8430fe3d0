package socket

import "errors"

var (
	ErrClosed       = errors.New("socket: closed")
	ErrInvalidPhone = errors.New("socket: invalid phone number")
	ErrNoMedia      = errors.New("socket: message carries no media")
)
