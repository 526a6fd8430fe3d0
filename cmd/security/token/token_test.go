package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testKey = []byte(strings.Repeat("k", MinKeyBytes))

func TestIssueVerify(t *testing.T) {
	t.Parallel()

	m, err := NewManager(testKey, "")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	now := time.Now().UTC()
	tok, exp, err := m.Issue("ops-dashboard", time.Hour, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := m.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ops-dashboard" || claims.Issuer != defaultIssuer {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestVerify_Rejects(t *testing.T) {
	t.Parallel()

	m, _ := NewManager(testKey, "sessiond")
	other, _ := NewManager([]byte(strings.Repeat("x", MinKeyBytes)), "sessiond")
	otherIssuer, _ := NewManager(testKey, "someone-else")

	past := time.Now().Add(-2 * time.Hour)
	expired, _, err := m.Issue("svc", time.Minute, past)
	if err != nil {
		t.Fatalf("Issue expired: %v", err)
	}
	foreign, _, _ := other.Issue("svc", time.Hour, time.Time{})
	wrongIss, _, _ := otherIssuer.Issue("svc", time.Hour, time.Time{})

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"expired":      expired,
		"wrong key":    foreign,
		"wrong issuer": wrongIss,
	}
	for name, tok := range cases {
		if _, err := m.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err=%v want ErrInvalidToken", name, err)
		}
	}
}

func TestNewManager_KeyPolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(nil, ""); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("nil key err=%v", err)
	}
	if _, err := NewManager([]byte("short"), ""); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("short key err=%v", err)
	}
}

func TestKeyFromEnv(t *testing.T) {
	t.Setenv(KeyEnv, "  ")
	if _, err := KeyFromEnv(MinKeyBytes); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("blank err=%v", err)
	}
	if Enabled() {
		t.Fatalf("Enabled=true for blank key")
	}

	t.Setenv(KeyEnv, "short")
	if _, err := KeyFromEnv(MinKeyBytes); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("short err=%v", err)
	}

	t.Setenv(KeyEnv, string(testKey))
	if _, err := NewManagerFromEnv(""); err != nil {
		t.Fatalf("NewManagerFromEnv: %v", err)
	}
}

func TestBearerFromHeader(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "Bearer abc", want: "abc", ok: true},
		{in: "bearer   abc  ", want: "abc", ok: true},
		{in: "Basic abc", ok: false},
		{in: "Bearer ", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := BearerFromHeader(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("BearerFromHeader(%q)=(%q,%v) want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
