package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sessiond/cmd/internal/socket/sockettest"
	"sessiond/cmd/security/token"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://sessiond.example.com", want: "wss://sessiond.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *sockettest.Factory) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.CredsBackend = CredsBackendMemory
	cfg.ResumeOnStart = false
	if mutate != nil {
		mutate(&cfg)
	}

	f := sockettest.NewFactory()
	a, err := New(cfg, quietLogger(), WithSocketFactory(f))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, f
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, url, bearer string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestApp_Routes(t *testing.T) {
	t.Setenv(token.KeyEnv, "")

	a, f := newTestApp(t, nil)
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, body := get(t, ts.URL+path, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d body=%q", path, resp.StatusCode, body)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("%s missing security headers", path)
		}
	}

	resp, err := http.Post(ts.URL+"/sessions", "application/json", strings.NewReader(`{"session_id":"alpha"}`))
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status=%d", resp.StatusCode)
	}
	if sock := f.Next(t); sock.Config().SessionID != "alpha" {
		t.Fatalf("socket session=%q", sock.Config().SessionID)
	}

	resp, body := get(t, ts.URL+"/sessions/alpha", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"id":"alpha"`) {
		t.Fatalf("get status=%d body=%s", resp.StatusCode, body)
	}
	if _, ok := a.Supervisor().Get("alpha"); !ok {
		t.Fatalf("supervisor does not know alpha")
	}

	resp, body = get(t, ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "sessiond_ws_connections") {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
}

func TestApp_BearerAuth(t *testing.T) {
	t.Setenv(token.KeyEnv, "0123456789abcdef0123456789abcdef")

	a, _ := newTestApp(t, nil)
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	resp, body := get(t, ts.URL+"/sessions", "")
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(body, `"unauthorized"`) {
		t.Fatalf("no token status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = get(t, ts.URL+"/sessions", "garbage")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d", resp.StatusCode)
	}

	raw, _, err := a.tokens.Issue("ops", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	resp, body = get(t, ts.URL+"/sessions", raw)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"sessions":[]`) {
		t.Fatalf("with token status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = get(t, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", resp.StatusCode)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Setenv(token.KeyEnv, "")

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name: "no engine",
			mutate: func(c *Config) {
				c.CredsBackend = CredsBackendMemory
			},
			wantErr: ErrNoEngine,
		},
		{
			name: "unknown backend",
			mutate: func(c *Config) {
				c.CredsBackend = "etcd"
				c.EngineURL = "ws://127.0.0.1:1/engine"
			},
			wantErr: ErrUnknownCredsBackend,
		},
		{
			name: "postgres without database",
			mutate: func(c *Config) {
				c.CredsBackend = CredsBackendPostgres
				c.EngineURL = "ws://127.0.0.1:1/engine"
			},
			wantErr: ErrDatabaseRequired,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			_, err := New(cfg, quietLogger())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("New err=%v want %v", err, tc.wantErr)
			}
		})
	}
}

func TestNew_RequireAPIToken(t *testing.T) {
	t.Setenv(token.KeyEnv, "")

	cfg := DefaultConfig()
	cfg.CredsBackend = CredsBackendMemory
	cfg.RequireAPIToken = true
	if _, err := New(cfg, quietLogger(), WithSocketFactory(sockettest.NewFactory())); err == nil {
		t.Fatalf("expected policy error without key")
	}

	t.Setenv(token.KeyEnv, "short")
	cfg.RequireAPIToken = false
	if err := ValidateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected error for short key")
	}
}
