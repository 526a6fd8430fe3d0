package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/eapache/queue"

	"sessiond/cmd/internal/socket"
)

// Subprotocol is negotiated with the engine.
const Subprotocol = "sessiond.engine.v1"

const (
	defaultReadLimit    = 32 << 20
	defaultWriteTimeout = 10 * time.Second
)

// Factory dials one engine connection per socket.
type Factory struct {
	url          string
	header       http.Header
	readLimit    int64
	writeTimeout time.Duration
	log          *slog.Logger
}

// Option configures a Factory.
type Option func(*Factory)

// WithHeader adds headers to the websocket handshake (e.g. engine credentials).
func WithHeader(h http.Header) Option {
	return func(f *Factory) { f.header = h.Clone() }
}

// WithReadLimit caps the size of a single engine frame.
func WithReadLimit(n int64) Option {
	return func(f *Factory) {
		if n > 0 {
			f.readLimit = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(f *Factory) {
		if log != nil {
			f.log = log
		}
	}
}

// NewFactory returns a Factory dialing url (ws:// or wss://).
func NewFactory(url string, opts ...Option) (*Factory, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrEmptyURL
	}
	f := &Factory{
		url:          url,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// NewSocket dials the engine and starts a session on it. ctx bounds the handshake and the
// start request only; the connection outlives it.
func (f *Factory) NewSocket(ctx context.Context, cfg socket.Config) (socket.Socket, error) {
	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   f.header,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: dial: %w", err)
	}
	conn.SetReadLimit(f.readLimit)

	s := newSocket(conn, cfg.SessionID, f.writeTimeout, f.log)
	go s.readLoop()
	go s.deliverLoop()

	data, err := s.call(ctx, frameStart, newStartRequest(cfg))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", ErrStartRejected, err)
	}
	var resp startResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", ErrStartRejected, err)
	}

	s.mu.Lock()
	s.registered = resp.Registered
	if resp.User != nil {
		s.user = *resp.User
	}
	s.mu.Unlock()

	f.log.Debug("bridge.start", "session_id", cfg.SessionID, "registered", resp.Registered)
	return s, nil
}

// Socket is one engine connection.
type Socket struct {
	conn         *websocket.Conn
	sessionID    string
	writeTimeout time.Duration
	log          *slog.Logger

	// ctx is cancelled by Close and bounds every blocking operation of the socket.
	ctx    context.Context
	cancel context.CancelFunc

	events chan socket.Event

	qmu      sync.Mutex
	qcond    *sync.Cond
	pending  *queue.Queue
	ended    bool
	sawClose bool

	nextID atomic.Uint64

	mu         sync.Mutex
	calls      map[string]chan frame
	user       socket.User
	registered bool

	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, sessionID string, writeTimeout time.Duration, log *slog.Logger) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		conn:         conn,
		sessionID:    sessionID,
		writeTimeout: writeTimeout,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan socket.Event),
		pending:      queue.New(),
		calls:        make(map[string]chan frame),
	}
	s.qcond = sync.NewCond(&s.qmu)
	return s
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
	data, err := s.call(ctx, framePairingCode, pairingCodeRequest{Phone: phone})
	if err != nil {
		return "", err
	}
	var resp pairingCodeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("bridge: pairing code response: %w", err)
	}
	return resp.Code, nil
}

func (s *Socket) DownloadMedia(ctx context.Context, msg socket.Message) ([]byte, error) {
	data, err := s.call(ctx, frameDownloadMedia, downloadMediaRequest{Message: msg})
	if err != nil {
		return nil, err
	}
	var resp downloadMediaResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bridge: media response: %w", err)
	}
	return resp.Data, nil
}

func (s *Socket) Logout(ctx context.Context) error {
	_, err := s.call(ctx, frameLogout, struct{}{})
	return err
}

// Close ends the connection. Events is closed once pending events are abandoned.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.qmu.Lock()
		s.ended = true
		s.qmu.Unlock()
		s.qcond.Broadcast()

		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
		s.cancel()
	})
	return nil
}

// call sends a request frame and waits for the matching response.
func (s *Socket) call(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := strconv.FormatUint(s.nextID.Add(1), 10)
	ch := make(chan frame, 1)

	s.mu.Lock()
	s.calls[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.calls, id)
		s.mu.Unlock()
	}()

	if err := writeFrame(ctx, s.conn, frame{Type: typ, ID: id, Data: b}, s.writeTimeout); err != nil {
		if s.ctx.Err() != nil {
			return nil, socket.ErrClosed
		}
		return nil, fmt.Errorf("bridge: write %s: %w", typ, err)
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			return nil, f.Error
		}
		return f.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, socket.ErrClosed
	}
}

func (s *Socket) readLoop() {
	defer s.endStream()

	for {
		f, err := readFrame(s.ctx, s.conn)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Debug("bridge.read.end", "session_id", s.sessionID, "err", err)
			}
			return
		}

		switch f.Type {
		case frameResponse:
			s.mu.Lock()
			ch, ok := s.calls[f.ID]
			s.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case ch <- f:
			default:
			}
		case frameEvent:
			ev, user, err := decodeEvent(f)
			if err != nil {
				s.log.Warn("bridge.event.decode", "session_id", s.sessionID, "event", f.Event, "err", err)
				continue
			}
			if user != nil {
				s.mu.Lock()
				s.user = *user
				s.mu.Unlock()
			}
			s.push(ev)
		default:
			s.log.Warn("bridge.frame.unknown", "session_id", s.sessionID, "type", f.Type)
		}
	}
}

func (s *Socket) push(ev socket.Event) {
	s.qmu.Lock()
	if u, ok := ev.(socket.ConnectionUpdate); ok && u.Connection == socket.ConnectionClose {
		s.sawClose = true
	}
	s.pending.Add(ev)
	s.qmu.Unlock()
	s.qcond.Signal()
}

// endStream runs when the connection is gone. Unless the socket was closed locally or the
// engine already sent a close update, a synthetic ConnectionLost close is queued.
func (s *Socket) endStream() {
	s.qmu.Lock()
	if !s.sawClose && !s.ended {
		s.pending.Add(socket.ConnectionUpdate{
			Connection:     socket.ConnectionClose,
			LastDisconnect: &socket.DisconnectError{Code: socket.ConnectionLost, Message: "engine connection ended"},
		})
		s.sawClose = true
	}
	s.ended = true
	s.qmu.Unlock()
	s.qcond.Broadcast()
}

func (s *Socket) deliverLoop() {
	defer close(s.events)

	for {
		s.qmu.Lock()
		for s.pending.Length() == 0 && !s.ended {
			s.qcond.Wait()
		}
		if s.pending.Length() == 0 {
			s.qmu.Unlock()
			return
		}
		ev := s.pending.Remove().(socket.Event)
		s.qmu.Unlock()

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

var _ socket.Socket = (*Socket)(nil)
