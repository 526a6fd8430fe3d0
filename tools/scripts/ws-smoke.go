// Package main provides a CI-friendly WebSocket smoke test for the sessiond event gateway.
//
// It validates:
//   - handshake + subprotocol selection (optionally with a bearer token)
//   - hello/ack connection establishment
//   - session_subscribe echo on two clients
//   - history_fetch returns a chunk for the subscribed session
//   - with -start: POST /sessions fans the first session event out to both clients
//   - session_unsubscribe echo
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "sessiond/shared/contracts/events/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		bearer    = flag.String("token", os.Getenv("SESSIOND_TOKEN"), "API bearer token (default $SESSIOND_TOKEN)")
		sessionID = flag.String("session", "smoke", "Session id to subscribe to")
		start     = flag.Bool("start", false, "Start the session through the HTTP API and wait for its first event")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *bearer, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *bearer, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.connectionID, b.connectionID, *origin)
	}

	mustSubscribe(root, a, *sessionID, *timeout)
	mustSubscribe(root, b, *sessionID, *timeout)

	n := mustHistoryFetch(root, a, *sessionID, 10, *timeout)
	if *verbose {
		fmt.Printf("history: %d archived message(s)\n", n)
	}

	if *start {
		mustStartSession(root, apiBaseURL(*wsURL), *bearer, *sessionID, *timeout)

		kindA := mustReadEvent(root, a, *sessionID, *timeout)
		kindB := mustReadEvent(root, b, *sessionID, *timeout)
		if *verbose {
			fmt.Printf("events: A=%s B=%s\n", kindA, kindB)
		}
	}

	mustUnsubscribe(root, a, *sessionID, *timeout)

	fmt.Printf("OK: A=%s B=%s session_id=%s history=%d\n", a.connectionID, b.connectionID, *sessionID, n)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// apiBaseURL maps ws(s)://host/ws to http(s)://host.
func apiBaseURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func mustConnect(parent context.Context, name, wsURL, origin, bearer string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearer) != "" {
		h.Set("Authorization", "Bearer "+strings.TrimSpace(bearer))
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Client: "ws-smoke"}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", name)
	}
	c.connectionID = p.ConnectionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSessionSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SessionSubscribePayload{SessionID: sessionID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeSessionSubscribe, stepTimeout, skipEvents)
	assertSessionPayload(c, echo, sessionID)
}

func mustUnsubscribe(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSessionUnsubscribe,
		ID:      fmt.Sprintf("%s-unsubscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SessionSubscribePayload{SessionID: sessionID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeSessionUnsubscribe, stepTimeout, skipEvents)
	assertSessionPayload(c, echo, sessionID)
}

func assertSessionPayload(c *smokeClient, env v1.Envelope, sessionID string) {
	var p v1.SessionSubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("%s session_id mismatch (%s): got=%q want=%q", env.Type, c.name, p.SessionID, sessionID)
	}
}

func mustHistoryFetch(parent context.Context, c *smokeClient, sessionID string, limit int, stepTimeout time.Duration) int {
	req := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHistoryFetch,
		ID:      fmt.Sprintf("%s-history-fetch", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{SessionID: sessionID, Limit: limit}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout, skipEvents)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history_chunk payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("history_chunk session_id mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	if len(p.Messages) > limit {
		fatalf("history_chunk exceeds limit (%s): got=%d limit=%d", c.name, len(p.Messages), limit)
	}
	var last int64
	for _, m := range p.Messages {
		if m.Seq <= last {
			fatalf("history_chunk not ordered by seq (%s): %d after %d", c.name, m.Seq, last)
		}
		last = m.Seq
	}
	return len(p.Messages)
}

func mustStartSession(parent context.Context, baseURL, bearer, sessionID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"session_id": sessionID, "mode": "qr"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		fatalf("start request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(bearer) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(bearer))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST /sessions: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fatalf("POST /sessions: status=%d body=%s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}

func mustReadEvent(parent context.Context, c *smokeClient, sessionID string, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypeEvent, stepTimeout, nil)

	var p v1.EventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal event payload (%s): %v", c.name, err)
	}
	if p.SessionID != sessionID {
		fatalf("event session_id mismatch (%s): got=%q want=%q", c.name, p.SessionID, sessionID)
	}
	if strings.TrimSpace(p.Kind) == "" {
		fatalf("event missing kind (%s)", c.name)
	}
	return p.Kind
}

var skipEvents = map[string]struct{}{v1.TypeEvent: {}}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
