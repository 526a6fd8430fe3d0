// Package sockettest provides a scriptable in-memory socket engine for tests.
package sockettest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sessiond/cmd/internal/socket"
)

const eventBuffer = 256

// Socket is a fake socket. Tests drive it with Emit and inspect the calls it received.
type Socket struct {
	cfg    socket.Config
	events chan socket.Event

	mu          sync.Mutex
	closed      bool
	user        socket.User
	registered  bool
	pairingCode string
	pairingErr  error
	media       map[string][]byte
	mediaErr    error
	logoutErr   error

	pairingPhones []string
	logouts       int
	closes        int
}

// NewSocket returns an open fake socket built for cfg.
func NewSocket(cfg socket.Config) *Socket {
	return &Socket{
		cfg:         cfg,
		events:      make(chan socket.Event, eventBuffer),
		pairingCode: "ABCD-EFGH",
		media:       make(map[string][]byte),
	}
}

// Config returns the config the socket was built with.
func (s *Socket) Config() socket.Config { return s.cfg }

// Emit queues ev on the event stream. It reports false once the socket is closed.
func (s *Socket) Emit(ev socket.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		panic("sockettest: event buffer full")
	}
}

// EmitClose emits a close update carrying code.
func (s *Socket) EmitClose(code socket.DisconnectReason) bool {
	return s.Emit(socket.ConnectionUpdate{
		Connection:     socket.ConnectionClose,
		LastDisconnect: &socket.DisconnectError{Code: code},
	})
}

// EmitOpen emits an open update.
func (s *Socket) EmitOpen() bool {
	return s.Emit(socket.ConnectionUpdate{Connection: socket.ConnectionOpen})
}

func (s *Socket) SetUser(u socket.User) {
	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
}

func (s *Socket) SetRegistered(v bool) {
	s.mu.Lock()
	s.registered = v
	s.mu.Unlock()
}

// SetPairingCode scripts the RequestPairingCode result.
func (s *Socket) SetPairingCode(code string, err error) {
	s.mu.Lock()
	s.pairingCode, s.pairingErr = code, err
	s.mu.Unlock()
}

// SetMedia scripts the DownloadMedia result for a message id.
func (s *Socket) SetMedia(messageID string, data []byte) {
	s.mu.Lock()
	s.media[messageID] = data
	s.mu.Unlock()
}

func (s *Socket) SetMediaErr(err error) {
	s.mu.Lock()
	s.mediaErr = err
	s.mu.Unlock()
}

func (s *Socket) SetLogoutErr(err error) {
	s.mu.Lock()
	s.logoutErr = err
	s.mu.Unlock()
}

// PairingPhones returns the phone numbers pairing codes were requested for.
func (s *Socket) PairingPhones() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pairingPhones...)
}

func (s *Socket) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) Events() <-chan socket.Event { return s.events }

func (s *Socket) User() socket.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Socket) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Socket) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", socket.ErrClosed
	}
	s.pairingPhones = append(s.pairingPhones, phone)
	return s.pairingCode, s.pairingErr
}

func (s *Socket) DownloadMedia(ctx context.Context, msg socket.Message) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaErr != nil {
		return nil, s.mediaErr
	}
	data, ok := s.media[msg.Key.ID]
	if !ok {
		return nil, socket.ErrNoMedia
	}
	return append([]byte(nil), data...), nil
}

func (s *Socket) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	if s.closed {
		return socket.ErrClosed
	}
	return s.logoutErr
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Factory hands out fake sockets and records every one it built.
type Factory struct {
	// Configure, when set, runs on each socket before it is returned.
	Configure func(n int, s *Socket)
	// Err, when set, decides whether build n (1-based) fails.
	Err func(n int) error

	mu      sync.Mutex
	sockets []*Socket
	calls   int
	created chan *Socket
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{created: make(chan *Socket, eventBuffer)}
}

func (f *Factory) NewSocket(ctx context.Context, cfg socket.Config) (socket.Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls++
	n := f.calls
	errFn, configure := f.Err, f.Configure
	f.mu.Unlock()

	if errFn != nil {
		if err := errFn(n); err != nil {
			return nil, err
		}
	}

	s := NewSocket(cfg)
	if configure != nil {
		configure(n, s)
	}

	f.mu.Lock()
	f.sockets = append(f.sockets, s)
	f.mu.Unlock()

	f.created <- s
	return s, nil
}

// Calls returns how many sockets were requested, including failed builds.
func (f *Factory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Sockets returns every socket built so far.
func (f *Factory) Sockets() []*Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Socket(nil), f.sockets...)
}

// ErrTimeout is returned by TryNext when no socket is built in time.
var ErrTimeout = errors.New("sockettest: timed out waiting for socket")

// TryNext waits for the next socket built by the factory.
func (f *Factory) TryNext(timeout time.Duration) (*Socket, error) {
	select {
	case s := <-f.created:
		return s, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Next waits up to five seconds for the next socket and fails the test otherwise.
func (f *Factory) Next(tb testing.TB) *Socket {
	tb.Helper()
	s, err := f.TryNext(5 * time.Second)
	if err != nil {
		tb.Fatalf("%v", err)
	}
	return s
}
