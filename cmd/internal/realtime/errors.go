package realtime

import "errors"

var (
	// ErrInvalidInput is returned by stores for missing ids.
	ErrInvalidInput = errors.New("realtime: invalid input")
	// ErrNilStore is returned when a store is used without its backing pool.
	ErrNilStore = errors.New("realtime: nil store")
	// ErrUnauthorized is returned by the gateway's token check.
	ErrUnauthorized = errors.New("realtime: unauthorized")
)
