package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing   = errors.New("token key missing")
	ErrKeyTooShort  = errors.New("token key too short")
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySubject = errors.New("token subject required")
)
