package app

import "errors"

var (
	// ErrUnknownCredsBackend is returned for SESSIOND_CREDS_BACKEND values other than
	// file, postgres, redis or memory.
	ErrUnknownCredsBackend = errors.New("unknown credentials backend")

	// ErrDatabaseRequired is returned when the postgres backend is selected without a database URL.
	ErrDatabaseRequired = errors.New("credentials backend postgres requires SESSIOND_DATABASE_URL")

	// ErrEmptyCredsDir is returned when the file backend has no directory.
	ErrEmptyCredsDir = errors.New("credentials backend file requires SESSIOND_CREDS_DIR")

	// ErrNoEngine is returned when no engine URL is configured and no socket factory was injected.
	ErrNoEngine = errors.New("no engine configured: set SESSIOND_ENGINE_URL")
)
