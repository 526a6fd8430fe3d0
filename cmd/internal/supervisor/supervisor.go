package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"sessiond/cmd/internal/creds"
	"sessiond/cmd/internal/events"
	"sessiond/cmd/internal/socket"
)

// Supervisor owns every running session of the process.
type Supervisor struct {
	log     *slog.Logger
	factory socket.Factory
	store   creds.Store
	bus     *events.Bus
	cfg     Config
	now     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*entry
	// removed holds when the supervisor itself last deleted a session's credentials.
	removed map[string]time.Time
	closed  bool
}

// New wires a Supervisor. A nil bus gets a private one; a nil store keeps credentials in memory.
func New(log *slog.Logger, factory socket.Factory, store creds.Store, bus *events.Bus, cfg Config) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = creds.NewMemoryStore()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	RegisterMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		log:        log,
		factory:    factory,
		store:      store,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		baseCtx:    ctx,
		cancelBase: cancel,
		sessions:   make(map[string]*entry),
		removed:    make(map[string]time.Time),
	}
}

// Bus returns the bus events are published on.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Store returns the credential store.
func (s *Supervisor) Store() creds.Store { return s.store }

// StartWithQR starts a session that authenticates by QR code.
func (s *Supervisor) StartWithQR(ctx context.Context, id string, opts StartOptions) (Status, error) {
	opts.Mode = ModeQR
	return s.Start(ctx, id, opts)
}

// StartWithPairingCode starts a session that authenticates with a pairing code sent to phone.
func (s *Supervisor) StartWithPairingCode(ctx context.Context, id, phone string, opts StartOptions) (Status, error) {
	opts.Mode = ModePairingCode
	opts.PhoneNumber = phone
	return s.Start(ctx, id, opts)
}

// Start registers a session and connects its first socket generation.
func (s *Supervisor) Start(ctx context.Context, id string, opts StartOptions) (Status, error) {
	if err := creds.CheckSessionID(id); err != nil {
		return Status{}, err
	}
	if s.factory == nil {
		return Status{}, ErrNoFactory
	}

	switch opts.Mode {
	case ModeQR:
	case ModePairingCode:
		phone, err := socket.NormalizePhone(opts.PhoneNumber)
		if err != nil {
			return Status{}, err
		}
		opts.PhoneNumber = phone
	default:
		return Status{}, ErrInvalidMode
	}

	e, err := s.reserve(id, opts)
	if err != nil {
		return Status{}, err
	}

	sock, err := s.open(ctx, e)
	if err != nil {
		s.release(e)
		return Status{}, fmt.Errorf("supervisor: start %s: %w", id, err)
	}

	code, err := s.requestPairingCode(ctx, e, sock)
	if err != nil {
		_ = sock.Close()
		s.release(e)
		return Status{}, fmt.Errorf("supervisor: pairing code %s: %w", id, err)
	}

	st, ok := s.install(e, sock)
	if !ok {
		_ = sock.Close()
		return Status{}, ErrClosed
	}
	s.log.Info("session.start", "session_id", id, "mode", opts.Mode.String(), "registered", sock.Registered())

	s.announcePairingCode(e, code)

	go s.run(e, sock, st.gen)
	return st.Status, nil
}

// Delete logs the session out (errors ignored), closes it, drops it from the registry and
// deletes its stored credentials. Unknown ids still get their stored credentials deleted.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	if err := creds.CheckSessionID(id); err != nil {
		return err
	}

	e, sock := s.detach(id, nil)
	if e != nil {
		s.stopSocket(sock, true)
	}

	err := s.deleteCreds(ctx, e, id)

	if e != nil {
		s.log.Info("session.delete", "session_id", id)
		s.finish(e, events.ReasonDeleted, 0)
	}
	if err != nil {
		return fmt.Errorf("supervisor: delete %s: %w", id, err)
	}
	return nil
}

// Revoke stops a session whose credentials were removed out-of-band. Storage is not touched.
// It reports whether a session was running.
func (s *Supervisor) Revoke(id string) bool {
	e, sock := s.detach(id, nil)
	if e == nil {
		return false
	}
	s.stopSocket(sock, false)
	s.log.Warn("session.revoked", "session_id", id)
	s.finish(e, events.ReasonRevoked, 0)
	return true
}

// RevokeRemoved handles a credential removal reported by a store watcher. Removals the
// supervisor made itself within Config.RemovalGrace are ignored, as are reports for
// credentials that exist again. It reports whether a session was revoked.
func (s *Supervisor) RevokeRemoved(ctx context.Context, id string) bool {
	s.mu.Lock()
	s.pruneRemovedLocked(s.now())
	_, own := s.removed[id]
	s.mu.Unlock()

	if own {
		s.log.Debug("session.revoke.skip", "session_id", id, "cause", "own_delete")
		return false
	}
	if ok, err := s.store.Exists(ctx, id); err == nil && ok {
		s.log.Debug("session.revoke.skip", "session_id", id, "cause", "creds_present")
		return false
	}
	return s.Revoke(id)
}

// Get returns the status of a registered session.
func (s *Supervisor) Get(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return Status{}, false
	}
	return e.status(), true
}

// List returns every registered session sorted by id.
func (s *Supervisor) List() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.status())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// IDs returns every registered session id, sorted.
func (s *Supervisor) IDs() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	s.mu.Unlock()

	slices.Sort(out)
	return out
}

// Socket returns the live socket of a session. It is absent while reconnecting.
func (s *Supervisor) Socket(id string) (socket.Socket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || e.sock == nil {
		return nil, false
	}
	return e.sock, true
}

// Resume starts, in QR mode, every session with stored credentials that is not running.
func (s *Supervisor) Resume(ctx context.Context) (int, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("supervisor: resume: %w", err)
	}

	var (
		started int
		errs    []error
	)
	for _, id := range ids {
		if _, running := s.Get(id); running {
			continue
		}
		if _, err := s.StartWithQR(ctx, id, StartOptions{}); err != nil {
			if errors.Is(err, ErrSessionExists) {
				continue
			}
			if errors.Is(err, ErrClosed) {
				return started, err
			}
			s.log.Warn("session.resume.fail", "session_id", id, "err", err)
			errs = append(errs, err)
			continue
		}
		started++
	}
	s.log.Info("session.resume", "stored", len(ids), "started", started)
	return started, errors.Join(errs...)
}

// Close stops every session without logging out or deleting credentials, so they can be
// resumed later. Start fails with ErrClosed afterwards.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	socks := make([]socket.Socket, 0, len(s.sessions))
	for id, e := range s.sessions {
		delete(s.sessions, id)
		e.gen++
		e.setState(StateClosed, s.now())
		if e.sock != nil {
			socks = append(socks, e.sock)
			e.sock = nil
		}
	}
	s.mu.Unlock()

	s.cancelBase()
	for _, sock := range socks {
		_ = sock.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("supervisor.closed", "sessions", len(socks))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) reserve(id string, opts StartOptions) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, exists := s.sessions[id]; exists {
		return nil, ErrSessionExists
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	now := s.now()
	e := &entry{
		id:        id,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: now,
	}
	e.setState(StateConnecting, now)
	s.sessions[id] = e
	return e, nil
}

func (s *Supervisor) release(e *entry) {
	s.mu.Lock()
	if s.sessions[e.id] == e {
		delete(s.sessions, e.id)
		e.setState(StateClosed, s.now())
	}
	s.mu.Unlock()
	e.cancel()
}

type installed struct {
	Status
	gen uint64
}

func (s *Supervisor) install(e *entry, sock socket.Socket) (installed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.sessions[e.id] != e {
		return installed{}, false
	}
	e.gen++
	e.sock = sock
	e.updatedAt = s.now()
	s.wg.Add(1)
	return installed{Status: e.status(), gen: e.gen}, true
}

// detach removes a session from the registry. With gen non-nil the session is only
// detached while that generation is current.
func (s *Supervisor) detach(id string, gen *uint64) (*entry, socket.Socket) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || (gen != nil && e.gen != *gen) {
		s.mu.Unlock()
		return nil, nil
	}
	delete(s.sessions, id)
	e.gen++
	e.setState(StateClosed, s.now())
	sock := e.sock
	e.sock = nil
	s.mu.Unlock()

	e.cancel()
	return e, sock
}

func (s *Supervisor) open(ctx context.Context, e *entry) (socket.Socket, error) {
	st, err := s.store.Load(ctx, e.id)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return s.factory.NewSocket(ctx, socket.Config{
		SessionID:           e.id,
		Auth:                st,
		PrintQR:             e.opts.PrintQR && e.opts.Mode == ModeQR,
		Browser:             s.cfg.Browser,
		MarkOnlineOnConnect: false,
	})
}

// requestPairingCode asks sock for a pairing code when e authenticates by phone and
// sock is not registered yet. It returns "" otherwise.
func (s *Supervisor) requestPairingCode(ctx context.Context, e *entry, sock socket.Socket) (string, error) {
	if e.opts.Mode != ModePairingCode || sock.Registered() {
		return "", nil
	}
	return sock.RequestPairingCode(ctx, e.opts.PhoneNumber)
}

func (s *Supervisor) announcePairingCode(e *entry, code string) {
	if code == "" {
		return
	}
	s.emit(events.PairingCode{Header: s.header(e), Code: code, PhoneNumber: e.opts.PhoneNumber})
	s.callback(e, "pairing_code", func() {
		if e.opts.OnPairingCode != nil {
			e.opts.OnPairingCode(code)
		}
	})
}

func (s *Supervisor) stopSocket(sock socket.Socket, logout bool) {
	if sock == nil {
		return
	}
	if logout {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
		if err := sock.Logout(ctx); err != nil {
			s.log.Debug("session.logout.fail", "err", err)
		}
		cancel()
	}
	_ = sock.Close()
}

func (s *Supervisor) deleteCreds(ctx context.Context, e *entry, id string) error {
	if e != nil {
		e.persistMu.Lock()
		defer e.persistMu.Unlock()
	}
	s.mu.Lock()
	now := s.now()
	s.pruneRemovedLocked(now)
	s.removed[id] = now
	s.mu.Unlock()
	return s.store.Delete(ctx, id)
}

func (s *Supervisor) pruneRemovedLocked(now time.Time) {
	for id, at := range s.removed {
		if now.Sub(at) > s.cfg.RemovalGrace {
			delete(s.removed, id)
		}
	}
}

// finish records a final stop and emits Disconnected.
func (s *Supervisor) finish(e *entry, reason events.DisconnectReason, code socket.DisconnectReason) {
	teardowns.WithLabelValues(string(reason)).Inc()
	s.emit(events.Disconnected{Header: s.header(e), Reason: reason, Code: int(code)})
	s.callback(e, "disconnected", func() {
		if e.opts.OnDisconnected != nil {
			e.opts.OnDisconnected(reason)
		}
	})
}

func (s *Supervisor) header(e *entry) events.Header {
	return events.Header{SessionID: e.id, At: s.now()}
}

func (s *Supervisor) emit(ev events.Event) {
	eventsTotal.WithLabelValues(ev.Kind().String()).Inc()
	s.bus.Publish(ev)
}

// callback runs a per-session callback, recovering panics.
func (s *Supervisor) callback(e *entry, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session.callback.panic", "session_id", e.id, "callback", name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
}
