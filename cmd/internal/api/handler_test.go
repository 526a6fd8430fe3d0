package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sessiond/cmd/internal/creds"
	"sessiond/cmd/internal/events"
	"sessiond/cmd/internal/socket/sockettest"
	"sessiond/cmd/internal/supervisor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, sessions Sessions) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(quietLogger(), sessions).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newSupervisor(t *testing.T) (*supervisor.Supervisor, *sockettest.Factory, *creds.MemoryStore) {
	t.Helper()
	log := quietLogger()
	f := sockettest.NewFactory()
	store := creds.NewMemoryStore()
	sup := supervisor.New(log, f, store, events.NewBus(log), supervisor.DefaultConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return sup, f, store
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	return er.Error.Code
}

func TestHandler_Lifecycle(t *testing.T) {
	t.Parallel()

	sup, f, store := newSupervisor(t)
	ts := newTestServer(t, sup)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/sessions", startRequest{SessionID: "alpha"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status=%d body=%s", resp.StatusCode, body)
	}
	if loc := resp.Header.Get("Location"); loc != "/sessions/alpha" {
		t.Fatalf("Location=%q", loc)
	}
	var started struct {
		Session struct {
			ID    string `json:"id"`
			Mode  string `json:"mode"`
			State string `json:"state"`
		} `json:"session"`
	}
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("start body: %v", err)
	}
	if started.Session.ID != "alpha" || started.Session.Mode != "qr" || started.Session.State != "connecting" {
		t.Fatalf("start body=%s", body)
	}

	f.Next(t).EmitOpen()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body = doJSON(t, http.MethodGet, ts.URL+"/sessions/alpha", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get status=%d body=%s", resp.StatusCode, body)
		}
		if bytes.Contains(body, []byte(`"state":"open"`)) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never opened: %s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/sessions", nil)
	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list status=%d body=%s err=%v", resp.StatusCode, body, err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != "alpha" {
		t.Fatalf("list=%+v", list)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/sessions", startRequest{SessionID: "alpha"})
	if resp.StatusCode != http.StatusConflict || errorCode(t, body) != "session_exists" {
		t.Fatalf("duplicate start status=%d body=%s", resp.StatusCode, body)
	}

	if err := store.SaveCreds(context.Background(), "alpha", []byte(`{}`)); err != nil {
		t.Fatalf("SaveCreds: %v", err)
	}
	resp, body = doJSON(t, http.MethodDelete, ts.URL+"/sessions/alpha", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d body=%s", resp.StatusCode, body)
	}
	if ok, _ := store.Exists(context.Background(), "alpha"); ok {
		t.Fatalf("credentials survived delete")
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/sessions/alpha", nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, body) != "not_found" {
		t.Fatalf("get after delete status=%d body=%s", resp.StatusCode, body)
	}
}

func TestHandler_StartWithPairingCode(t *testing.T) {
	t.Parallel()

	sup, f, _ := newSupervisor(t)
	f.Configure = func(_ int, s *sockettest.Socket) { s.SetPairingCode("WXYZ-1234", nil) }
	ts := newTestServer(t, sup)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/sessions", startRequest{
		SessionID:   "beta",
		Mode:        "pairing_code",
		PhoneNumber: "+1 555-000-1111",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status=%d body=%s", resp.StatusCode, body)
	}
	var out struct {
		PairingCode string `json:"pairing_code"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("body: %v", err)
	}
	if out.PairingCode != "WXYZ-1234" {
		t.Fatalf("pairing_code=%q", out.PairingCode)
	}
	if phones := f.Next(t).PairingPhones(); len(phones) != 1 || phones[0] != "15550001111" {
		t.Fatalf("pairing phones=%v", phones)
	}
}

// keepingSessions keeps the StartOptions of the last Start, as the supervisor does for reconnects.
type keepingSessions struct {
	stubSessions
	opts chan supervisor.StartOptions
}

func (k keepingSessions) Start(_ context.Context, id string, opts supervisor.StartOptions) (supervisor.Status, error) {
	opts.OnPairingCode("FIRST-CODE")
	k.opts <- opts
	return supervisor.Status{ID: id, Mode: opts.Mode}, nil
}

func TestHandler_StartPairingCodeLaterCodesDoNotLeak(t *testing.T) {
	t.Parallel()

	k := keepingSessions{opts: make(chan supervisor.StartOptions, 1)}
	ts := newTestServer(t, k)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/sessions", startRequest{
		SessionID:   "gamma",
		Mode:        "pairing_code",
		PhoneNumber: "15550001111",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status=%d body=%s", resp.StatusCode, body)
	}
	var out struct {
		PairingCode string `json:"pairing_code"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("body: %v", err)
	}
	if out.PairingCode != "FIRST-CODE" {
		t.Fatalf("pairing_code=%q", out.PairingCode)
	}

	// A reconnect issuing a new code after the response was written.
	opts := <-k.opts
	done := make(chan struct{})
	go func() {
		defer close(done)
		opts.OnPairingCode("LATE-CODE")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("late pairing callback blocked")
	}
}

func TestHandler_StartValidation(t *testing.T) {
	t.Parallel()

	sup, _, _ := newSupervisor(t)
	ts := newTestServer(t, sup)

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"bad json", `{"session_id":`, http.StatusBadRequest, "bad_request"},
		{"unknown field", `{"session_id":"a","extra":1}`, http.StatusBadRequest, "bad_request"},
		{"bad mode", startRequest{SessionID: "a", Mode: "sms"}, http.StatusBadRequest, "bad_request"},
		{"bad id", startRequest{SessionID: "../x"}, http.StatusBadRequest, "invalid_session_id"},
		{"bad phone", startRequest{SessionID: "a", Mode: "pairing_code", PhoneNumber: "12"}, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, ts.URL+"/sessions", tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status=%d want=%d body=%s", resp.StatusCode, tc.status, body)
			}
			if got := errorCode(t, body); got != tc.code {
				t.Fatalf("code=%q want=%q", got, tc.code)
			}
		})
	}
}

type stubSessions struct {
	startErr  error
	deleteErr error
}

func (s stubSessions) Start(context.Context, string, supervisor.StartOptions) (supervisor.Status, error) {
	return supervisor.Status{}, s.startErr
}
func (s stubSessions) Delete(context.Context, string) error { return s.deleteErr }
func (stubSessions) Get(string) (supervisor.Status, bool)   { return supervisor.Status{}, false }
func (stubSessions) List() []supervisor.Status              { return nil }

func TestHandler_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"closed", supervisor.ErrClosed, http.StatusServiceUnavailable, "supervisor_closed"},
		{"engine", errors.New("dial refused"), http.StatusBadGateway, "start_failed"},
		{"exists", supervisor.ErrSessionExists, http.StatusConflict, "session_exists"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, stubSessions{startErr: tc.err})
			resp, body := doJSON(t, http.MethodPost, ts.URL+"/sessions", startRequest{SessionID: "a"})
			if resp.StatusCode != tc.status || errorCode(t, body) != tc.code {
				t.Fatalf("status=%d body=%s want %d %s", resp.StatusCode, body, tc.status, tc.code)
			}
		})
	}

	ts := newTestServer(t, stubSessions{deleteErr: supervisor.ErrInvalidSessionID})
	resp, body := doJSON(t, http.MethodDelete, ts.URL+"/sessions/x", nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, body) != "invalid_session_id" {
		t.Fatalf("delete status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/sessions/x", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PUT status=%d want 405", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/sessions", nil)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"sessions":[]`)) {
		t.Fatalf("empty list status=%d body=%s", resp.StatusCode, body)
	}
}
