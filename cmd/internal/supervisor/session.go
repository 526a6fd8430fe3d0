package supervisor

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"sessiond/cmd/internal/events"
	"sessiond/cmd/internal/socket"
)

// entry is one registered session. Fields below persistMu are guarded by Supervisor.mu.
type entry struct {
	id     string
	opts   StartOptions
	ctx    context.Context
	cancel context.CancelFunc

	// persistMu orders credential writes against deletion of the stored state.
	persistMu sync.Mutex

	sock      socket.Socket
	gen       uint64
	state     State
	attempt   int
	user      string
	lastCode  socket.DisconnectReason
	startedAt time.Time
	updatedAt time.Time
}

func (e *entry) setState(st State, now time.Time) {
	recordState(e.state, st)
	e.state = st
	e.updatedAt = now
	if st != StateReconnecting {
		e.attempt = 0
	}
}

func (e *entry) status() Status {
	return Status{
		ID:        e.id,
		Mode:      e.opts.Mode,
		State:     e.state,
		Attempt:   e.attempt,
		User:      e.user,
		StartedAt: e.startedAt,
		UpdatedAt: e.updatedAt,
	}
}

// current reports whether gen is still the live generation of a registered e.
func (s *Supervisor) current(e *entry, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[e.id] == e && e.gen == gen
}

// run drives one session across socket generations until it stops.
func (s *Supervisor) run(e *entry, sock socket.Socket, gen uint64) {
	defer s.wg.Done()

	for {
		if !s.pump(e, sock, gen) {
			return
		}
		var ok bool
		sock, gen, ok = s.reconnect(e)
		if !ok {
			return
		}
	}
}

// pump consumes one socket generation. It reports whether a reconnect should follow.
func (s *Supervisor) pump(e *entry, sock socket.Socket, gen uint64) bool {
	for ev := range sock.Events() {
		if !s.current(e, gen) {
			return false
		}

		switch ev := ev.(type) {
		case socket.ConnectionUpdate:
			if ev.QR != "" {
				s.onQR(e, ev.QR)
			}
			switch ev.Connection {
			case socket.ConnectionConnecting:
				s.onConnecting(e, gen)
			case socket.ConnectionOpen:
				s.onOpen(e, sock, gen)
			case socket.ConnectionClose:
				return s.onClose(e, sock, gen, ev.LastDisconnect)
			}
		case socket.CredsUpdate:
			s.onCredsUpdate(e, gen, ev)
		case socket.MessagesUpsert:
			s.onMessagesUpsert(e, sock, ev)
		case socket.MessagesUpdate:
			s.onMessagesUpdate(e, sock, ev)
		case socket.GroupParticipantsUpdate:
			s.onGroupParticipants(e, ev)
		default:
			s.log.Debug("session.event.ignored", "session_id", e.id)
		}
	}

	if !s.current(e, gen) {
		return false
	}
	return s.onClose(e, sock, gen, &socket.DisconnectError{
		Code:    socket.ConnectionLost,
		Message: "event stream ended",
	})
}

func (s *Supervisor) onQR(e *entry, qr string) {
	s.emit(events.QR{Header: s.header(e), QR: qr})
	s.callback(e, "qr", func() {
		if e.opts.OnQR != nil {
			e.opts.OnQR(qr)
		}
	})
}

func (s *Supervisor) onConnecting(e *entry, gen uint64) {
	s.mu.Lock()
	if s.sessions[e.id] != e || e.gen != gen {
		s.mu.Unlock()
		return
	}
	if e.state != StateReconnecting {
		e.setState(StateConnecting, s.now())
	}
	attempt := e.attempt
	s.mu.Unlock()

	s.emit(events.Connecting{Header: s.header(e), Attempt: attempt})
	s.callback(e, "connecting", func() {
		if e.opts.OnConnecting != nil {
			e.opts.OnConnecting()
		}
	})
}

func (s *Supervisor) onOpen(e *entry, sock socket.Socket, gen uint64) {
	user := sock.User().ID

	s.mu.Lock()
	if s.sessions[e.id] != e || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.setState(StateOpen, s.now())
	e.user = user
	e.lastCode = 0
	s.mu.Unlock()

	s.log.Info("session.open", "session_id", e.id, "user", user)
	s.emit(events.Connected{Header: s.header(e), User: user})
	s.callback(e, "connected", func() {
		if e.opts.OnConnected != nil {
			e.opts.OnConnected()
		}
	})
}

// onClose decides between reconnect and teardown. It reports whether to reconnect.
func (s *Supervisor) onClose(e *entry, sock socket.Socket, gen uint64, last *socket.DisconnectError) bool {
	var code socket.DisconnectReason
	if last != nil {
		code = last.Code
	}

	s.mu.Lock()
	if s.sessions[e.id] != e || e.gen != gen {
		s.mu.Unlock()
		return false
	}
	e.lastCode = code
	if code != socket.LoggedOut && e.attempt < s.cfg.MaxRetries {
		attempt := e.attempt + 1
		e.setState(StateReconnecting, s.now())
		e.attempt = attempt
		e.gen++
		e.sock = nil
		s.mu.Unlock()

		_ = sock.Close()
		reconnectAttempts.Inc()
		s.log.Warn("session.reconnect", "session_id", e.id, "attempt", attempt, "code", int(code))
		return true
	}
	s.mu.Unlock()

	reason := events.ReasonRetriesExhausted
	if code == socket.LoggedOut {
		reason = events.ReasonLoggedOut
	}
	s.teardown(e, gen, reason, code)
	return false
}

// reconnect waits out the backoff and builds the next socket generation. A failed build
// counts as another failed attempt.
func (s *Supervisor) reconnect(e *entry) (socket.Socket, uint64, bool) {
	for {
		s.mu.Lock()
		if s.sessions[e.id] != e {
			s.mu.Unlock()
			return nil, 0, false
		}
		gen, attempt := e.gen, e.attempt
		s.mu.Unlock()

		if !sleepCtx(e.ctx, s.backoff(attempt)) {
			return nil, 0, false
		}

		ctx, cancel := context.WithTimeout(e.ctx, s.cfg.OperationTimeout)
		sock, err := s.open(ctx, e)
		var code string
		if err == nil {
			if code, err = s.requestPairingCode(ctx, e, sock); err != nil {
				_ = sock.Close()
				err = fmt.Errorf("pairing code: %w", err)
			}
		}
		cancel()
		if err == nil {
			if s.adopt(e, gen, sock) {
				s.log.Info("session.reconnected", "session_id", e.id, "attempt", attempt)
				s.announcePairingCode(e, code)
				return sock, gen, true
			}
			_ = sock.Close()
			return nil, 0, false
		}
		s.log.Warn("session.reconnect.fail", "session_id", e.id, "attempt", attempt, "err", err)

		s.mu.Lock()
		if s.sessions[e.id] != e || e.gen != gen {
			s.mu.Unlock()
			return nil, 0, false
		}
		if e.attempt < s.cfg.MaxRetries {
			e.attempt++
			e.gen++
			e.updatedAt = s.now()
			s.mu.Unlock()
			reconnectAttempts.Inc()
			continue
		}
		code := e.lastCode
		s.mu.Unlock()

		s.teardown(e, gen, events.ReasonRetriesExhausted, code)
		return nil, 0, false
	}
}

func (s *Supervisor) adopt(e *entry, gen uint64, sock socket.Socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[e.id] != e || e.gen != gen {
		return false
	}
	e.sock = sock
	e.updatedAt = s.now()
	return true
}

// teardown stops a session for good: logout, close, unregister, delete credentials.
func (s *Supervisor) teardown(e *entry, gen uint64, reason events.DisconnectReason, code socket.DisconnectReason) {
	det, sock := s.detach(e.id, &gen)
	if det == nil {
		return
	}
	s.stopSocket(sock, true)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
	defer cancel()
	if err := s.deleteCreds(ctx, e, e.id); err != nil {
		s.log.Error("session.creds.delete.fail", "session_id", e.id, "err", err)
	}

	s.log.Warn("session.teardown", "session_id", e.id, "reason", string(reason), "code", int(code))
	s.finish(e, reason, code)
}

func (s *Supervisor) onCredsUpdate(e *entry, gen uint64, u socket.CredsUpdate) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if !s.current(e, gen) {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, s.cfg.OperationTimeout)
	defer cancel()

	if u.Creds != nil {
		if err := s.store.SaveCreds(ctx, e.id, u.Creds); err != nil {
			credsSaveErrors.Inc()
			s.log.Error("session.creds.save.fail", "session_id", e.id, "err", err)
		}
	}
	if len(u.Keys) > 0 {
		if err := s.store.SetKeys(ctx, e.id, u.Keys); err != nil {
			credsSaveErrors.Inc()
			s.log.Error("session.keys.save.fail", "session_id", e.id, "keys", len(u.Keys), "err", err)
		}
	}
}

func (s *Supervisor) onMessagesUpsert(e *entry, sock socket.Socket, u socket.MessagesUpsert) {
	if len(u.Messages) == 0 {
		return
	}
	msg := u.Messages[0]

	ev := events.MessageReceived{
		Header:  s.header(e),
		Type:    u.Type,
		Author:  messageAuthor(msg, sock.User()),
		Message: msg,
		Media:   s.media(e, sock, msg),
	}
	s.emit(ev)
	s.callback(e, "message_received", func() {
		if e.opts.OnMessageReceived != nil {
			e.opts.OnMessageReceived(ev)
		}
	})
}

// messageAuthor is the participant for group and status messages, our own JID for
// messages we sent, and the chat JID otherwise.
func messageAuthor(msg socket.Message, me socket.User) string {
	from := msg.Key.RemoteJID
	author := from
	if socket.IsGroupJID(from) || socket.IsStatusBroadcast(from) {
		author = msg.Key.Participant
	}
	if msg.Key.FromMe {
		author = socket.OwnJID(me)
	}
	return author
}

func (s *Supervisor) media(e *entry, sock socket.Socket, msg socket.Message) *events.Media {
	mime := msg.MediaMimeType()
	if mime == "" {
		return nil
	}
	m := &events.Media{MimeType: mime}
	if !s.cfg.DownloadMedia {
		return m
	}

	ctx, cancel := context.WithTimeout(e.ctx, s.cfg.OperationTimeout)
	defer cancel()

	data, err := sock.DownloadMedia(ctx, msg)
	if err != nil {
		s.log.Warn("session.media.fail", "session_id", e.id, "message_id", msg.Key.ID, "err", err)
		return m
	}
	if s.cfg.MaxMediaBytes > 0 && int64(len(data)) > s.cfg.MaxMediaBytes {
		s.log.Warn("session.media.too_large", "session_id", e.id, "message_id", msg.Key.ID, "bytes", len(data))
		return m
	}
	m.Data = base64.StdEncoding.EncodeToString(data)
	return m
}

func (s *Supervisor) onMessagesUpdate(e *entry, sock socket.Socket, u socket.MessagesUpdate) {
	if len(u.Updates) == 0 {
		return
	}
	up := u.Updates[0]

	status := socket.MessageStatus(-1)
	if up.Update.Status != nil {
		status = *up.Update.Status
	}
	ev := events.MessageUpdated{
		Header:     s.header(e),
		Key:        up.Key,
		Status:     status,
		StatusText: status.String(),
	}
	if len(up.Update.Content) > 0 {
		ev.Media = s.media(e, sock, socket.Message{Key: up.Key, Content: up.Update.Content})
	}
	s.emit(ev)
	s.callback(e, "message_updated", func() {
		if e.opts.OnMessageUpdated != nil {
			e.opts.OnMessageUpdated(ev)
		}
	})
}

func (s *Supervisor) onGroupParticipants(e *entry, u socket.GroupParticipantsUpdate) {
	ev := events.GroupMemberUpdated{
		Header:       s.header(e),
		GroupJID:     u.GroupJID,
		Author:       u.Author,
		Participants: append([]string(nil), u.Participants...),
		Action:       u.Action,
	}
	s.emit(ev)
	s.callback(e, "group_member_updated", func() {
		if e.opts.OnGroupMemberUpdate != nil {
			e.opts.OnGroupMemberUpdate(ev)
		}
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
