package socket

import (
	"context"

	"sessiond/cmd/internal/creds"
)

// User is the account a socket is logged in as.
type User struct {
	// ID is the device JID, e.g. "6281234567890:12@s.whatsapp.net".
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Browser is the client description presented to the service.
type Browser struct {
	OS      string `json:"os"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultBrowser identifies sessiond as Chrome on Ubuntu.
var DefaultBrowser = Browser{OS: "Ubuntu", Name: "Chrome", Version: "22.04.4"}

// Config is what a Factory needs to build one socket generation.
type Config struct {
	SessionID string
	// Auth is the stored credential state; empty for a fresh login.
	Auth                creds.State
	PrintQR             bool
	Browser             Browser
	MarkOnlineOnConnect bool
}

// Socket is one live protocol-client instance.
//
// Requirements:
//   - Events is closed once the socket ends. Engines should deliver a ConnectionUpdate
//     with Connection == ConnectionClose before closing it.
//   - Close is idempotent and safe to call concurrently with Events consumers.
type Socket interface {
	Events() <-chan Event
	// User returns the logged in account; the zero value before login.
	User() User
	// Registered reports whether Auth already held a completed registration.
	Registered() bool
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	DownloadMedia(ctx context.Context, msg Message) ([]byte, error)
	Logout(ctx context.Context) error
	Close() error
}

// Factory builds sockets.
type Factory interface {
	NewSocket(ctx context.Context, cfg Config) (Socket, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, cfg Config) (Socket, error)

func (f FactoryFunc) NewSocket(ctx context.Context, cfg Config) (Socket, error) {
	return f(ctx, cfg)
}
