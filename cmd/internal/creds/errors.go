package creds

import "errors"

var (
	// ErrInvalidSessionID is returned for ids that are unsafe as a directory or key component.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrInvalidKey is returned for empty or reserved key names.
	ErrInvalidKey = errors.New("invalid credential key")

	// ErrSealedNoPassphrase is returned when sealed files are found but no sealer is configured.
	ErrSealedNoPassphrase = errors.New("credentials are sealed but no passphrase is configured")

	// ErrNilStore is returned by backends constructed without their client/pool.
	ErrNilStore = errors.New("creds: nil store")
)
