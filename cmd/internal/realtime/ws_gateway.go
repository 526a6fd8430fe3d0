package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"sessiond/cmd/internal/creds"
	"sessiond/cmd/security/token"
	v1 "sessiond/shared/contracts/events/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"

	wsEnvPrefix = "SESSIOND_WS_"

	// wsTokenQueryParam carries the bearer token for browser clients that cannot set headers.
	wsTokenQueryParam = "access_token"
)

// TokenVerifier checks bearer tokens presented on upgrade. *token.Manager implements it.
type TokenVerifier interface {
	Verify(raw string) (token.Claims, error)
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithTokenVerifier requires a valid bearer token on every upgrade.
func WithTokenVerifier(v TokenVerifier) GatewayOption {
	return func(g *WSGateway) { g.verifier = v }
}

// WSGateway is the websocket entrypoint for session events.
//
// It enforces origin policy, optional token auth, subprotocol selection, rate limits
// and heartbeats, and serves subscriptions from the Hub and history from the MessageStore.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	store    MessageStore
	verifier TokenVerifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Host patterns handed to websocket.Accept so its own origin check agrees with ours.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway configured from SESSIOND_WS_* variables.
// A nil hub or store falls back to in-memory implementations.
func NewWSGateway(log *slog.Logger, hub *Hub, store MessageStore, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &WSGateway{log: log, hub: hub, store: store}

	g.devInsecure = wsEnvBool("DEV_INSECURE", false)
	g.originRequired = wsEnvBool("ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = wsEnvCSV("ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = originPatterns(g.allowedOrigins)

	g.writeTimeout = wsEnvDuration("WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = wsEnvDuration("READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.sendQueueSize = max(wsEnvInt("SEND_QUEUE", wsDefaultSendQueueSize), wsMinSendQueueSize)

	g.heartbeatEvery = wsEnvDuration("HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = wsEnvDuration("HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = wsEnvInt("RATE_EVENTS", rateLimitEvents)
	g.rateWindow = wsEnvDuration("RATE_WINDOW", rateLimitWindow)

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// wsConn is the per-connection state of HandleWS.
type wsConn struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client
	ctx    context.Context

	mu   sync.Mutex
	subs map[string]struct{}
}

// HandleWS upgrades the request and runs the connection until either side goes away.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	subject, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		g:      g,
		conn:   conn,
		client: NewClient(NewConnectionID(), subject, g.sendQueueSize),
		ctx:    ctx,
		subs:   make(map[string]struct{}),
	}
	connID := c.client.ConnectionID

	wsConnections.Inc()
	defer wsConnections.Dec()
	g.log.Info("ws.open", "connection_id", connID, "subject", subject, "remote", r.RemoteAddr)

	var closeOnce sync.Once
	// shutdown leaves every room before closing the client so no broadcaster
	// holds a pointer to a half torn down connection.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.unsubscribeAll()
			c.client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.close", "connection_id", connID, "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.client.Done():
				return
			case env := <-c.client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err == nil {
					failures = 0
					continue
				}
				failures++
				g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				c.sendError("bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			c.sendError("rate_limited", "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			c.sendError("bad_envelope", err.Error())
			continue readLoop
		}

		var handleErr error
		switch env.Type {
		case v1.TypeHello:
			handleErr = c.onHello(env)
		case v1.TypeSessionSubscribe:
			handleErr = c.onSubscribe(env)
		case v1.TypeSessionUnsubscribe:
			handleErr = c.onUnsubscribe(env)
		case v1.TypeHistoryFetch:
			handleErr = c.onHistoryFetch(env)
		default:
			handleErr = requestError{"unsupported", fmt.Sprintf("unsupported type: %s", env.Type)}
		}
		if handleErr != nil {
			var re requestError
			if errors.As(handleErr, &re) {
				c.sendError(re.code, re.msg)
				continue readLoop
			}
			c.sendError("internal", handleErr.Error())
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

type requestError struct {
	code string
	msg  string
}

func (e requestError) Error() string { return e.code + ": " + e.msg }

// ---- handlers ----

func (c *wsConn) onHello(env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return requestError{"bad_payload", err.Error()}
		}
	}
	c.g.log.Info("ws.hello", "connection_id", c.client.ConnectionID, "client", p.Client)

	payload, _ := json.Marshal(v1.HelloAckPayload{
		ConnectionID: c.client.ConnectionID,
		Subject:      c.client.Subject,
	})
	if !c.enqueue(newEnvelope(v1.TypeHelloAck, payload, time.Now().UTC())) {
		return requestError{"backpressure", "hello_ack dropped"}
	}
	return nil
}

func (c *wsConn) onSubscribe(env v1.Envelope) error {
	sessionID, err := sessionIDFromPayload(env.Payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, already := c.subs[sessionID]
	if !already && len(c.subs) >= maxSubscriptions {
		c.mu.Unlock()
		return requestError{"too_many_subscriptions", fmt.Sprintf("max %d sessions per connection", maxSubscriptions)}
	}
	c.subs[sessionID] = struct{}{}
	c.mu.Unlock()

	if !already {
		c.g.hub.Join(sessionID, c.client)
	}

	payload, _ := json.Marshal(v1.SessionSubscribePayload{SessionID: sessionID})
	echo := newEnvelope(v1.TypeSessionSubscribe, payload, time.Now().UTC())
	echo.SessionID = sessionID
	if !c.enqueue(echo) {
		c.unsubscribe(sessionID)
		return requestError{"backpressure", "subscribe echo dropped"}
	}
	return nil
}

func (c *wsConn) onUnsubscribe(env v1.Envelope) error {
	sessionID, err := sessionIDFromPayload(env.Payload)
	if err != nil {
		return err
	}
	c.unsubscribe(sessionID)

	payload, _ := json.Marshal(v1.SessionSubscribePayload{SessionID: sessionID})
	echo := newEnvelope(v1.TypeSessionUnsubscribe, payload, time.Now().UTC())
	echo.SessionID = sessionID
	if !c.enqueue(echo) {
		return requestError{"backpressure", "unsubscribe echo dropped"}
	}
	return nil
}

func (c *wsConn) onHistoryFetch(env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return requestError{"bad_payload", err.Error()}
	}
	sessionID := strings.TrimSpace(p.SessionID)
	if !creds.ValidSessionID(sessionID) {
		return requestError{"invalid_session_id", "invalid session_id"}
	}
	if !c.subscribed(sessionID) {
		return requestError{"not_subscribed", "subscribe first"}
	}

	page, err := c.g.store.History(c.ctx, HistoryQuery{
		SessionID: sessionID,
		AfterSeq:  p.AfterSeq,
		Limit:     clampHistoryLimit(p.Limit),
	})
	if err != nil {
		c.g.log.Error("ws.history.fail", "connection_id", c.client.ConnectionID, "session_id", sessionID, "err", err)
		return requestError{"history_failed", "history unavailable"}
	}

	msgs := make([]v1.ArchivedMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, toWire(m))
	}

	payload, _ := json.Marshal(v1.HistoryChunkPayload{
		SessionID: sessionID,
		Messages:  msgs,
		HasMore:   page.HasMore,
	})
	chunk := newEnvelope(v1.TypeHistoryChunk, payload, time.Now().UTC())
	chunk.SessionID = sessionID
	if !c.enqueue(chunk) {
		return requestError{"backpressure", "history chunk dropped"}
	}
	return nil
}

func sessionIDFromPayload(raw json.RawMessage) (string, error) {
	var p v1.SessionSubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", requestError{"bad_payload", err.Error()}
	}
	id := strings.TrimSpace(p.SessionID)
	if !creds.ValidSessionID(id) {
		return "", requestError{"invalid_session_id", "invalid session_id"}
	}
	return id, nil
}

func toWire(m ArchivedMessage) v1.ArchivedMessage {
	return v1.ArchivedMessage{
		SessionID:  m.SessionID,
		MessageID:  m.MessageID,
		ArchiveID:  m.ArchiveID,
		Seq:        m.Seq,
		RemoteJID:  m.RemoteJID,
		Author:     m.Author,
		FromMe:     m.FromMe,
		MimeType:   m.MimeType,
		Message:    m.Body,
		ArchivedAt: m.ArchivedAt,
	}
}

// ---- subscriptions ----

func (c *wsConn) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

func (c *wsConn) unsubscribe(sessionID string) {
	c.mu.Lock()
	_, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()

	if ok {
		c.g.hub.Leave(sessionID, c.client.ConnectionID)
	}
}

func (c *wsConn) unsubscribeAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	clear(c.subs)
	c.mu.Unlock()

	for _, id := range ids {
		c.g.hub.Leave(id, c.client.ConnectionID)
	}
}

// ---- send helpers ----

func (c *wsConn) sendError(code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = c.enqueue(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

func (c *wsConn) enqueue(env v1.Envelope) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	return c.client.offer(env)
}

// ---- auth ----

func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	if g.verifier == nil {
		return "", nil
	}

	raw, ok := token.BearerFromHeader(r.Header.Get("Authorization"))
	if !ok {
		raw = strings.TrimSpace(r.URL.Query().Get(wsTokenQueryParam))
	}
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	claims, err := g.verifier.Verify(raw)
	if err != nil {
		return "", errors.Join(ErrUnauthorized, err)
	}
	return claims.Subject, nil
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	switch {
	case errors.As(err, &bad):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range g.allowedOrigins {
		switch {
		case a == "*":
			return nil
		case origin == a:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost returns the lower-cased host of a URL or host[:port] string.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(s)
}

// originPatterns derives the websocket.Accept host patterns from the allowlist.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// ---- env helpers ----

func wsEnv(name string) string {
	return strings.TrimSpace(os.Getenv(wsEnvPrefix + name))
}

func wsEnvBool(name string, def bool) bool {
	b, err := strconv.ParseBool(wsEnv(name))
	if err != nil {
		return def
	}
	return b
}

func wsEnvInt(name string, def int) int {
	n, err := strconv.Atoi(wsEnv(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func wsEnvDuration(name string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(wsEnv(name))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func wsEnvCSV(name, def string) []string {
	raw := wsEnv(name)
	if raw == "" {
		raw = def
	}
	var out []string
	for p := range strings.SplitSeq(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
