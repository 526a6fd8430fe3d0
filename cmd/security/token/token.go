package token

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// KeyEnv is the env var name for the HS256 signing key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "SESSIOND_API_TOKEN_KEY"

	// MinKeyBytes is the minimum accepted key length for HMAC-SHA256.
	MinKeyBytes = 32

	defaultIssuer = "sessiond"
	defaultLeeway = 30 * time.Second
)

// Claims are the JWT claims carried by API tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager signs and verifies API tokens.
type Manager struct {
	key    []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// KeyFromEnv returns the configured key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrKeyMissing.
// If too short -> ErrKeyTooShort.
func KeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// Enabled reports whether the env key is present (non-empty after trim).
func Enabled() bool {
	return strings.TrimSpace(os.Getenv(KeyEnv)) != ""
}

// NewManager constructs a Manager for key.
func NewManager(key []byte, issuer string) (*Manager, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &Manager{
		key:    append([]byte(nil), key...),
		issuer: issuer,
		leeway: defaultLeeway,
		now:    time.Now,
	}, nil
}

// NewManagerFromEnv is NewManager with the key from SESSIOND_API_TOKEN_KEY.
func NewManagerFromEnv(issuer string) (*Manager, error) {
	key, err := KeyFromEnv(MinKeyBytes)
	if err != nil {
		return nil, err
	}
	return NewManager(key, issuer)
}

// Issue signs a token for subject valid for ttl from now.
func (m *Manager) Issue(subject string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, ErrEmptySubject
	}
	if now.IsZero() {
		now = m.now()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	exp := now.Add(ttl).UTC()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates a token, returning its claims.
// Every failure is reported as ErrInvalidToken (wrapping the parser error).
func (m *Manager) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// BearerFromHeader extracts the token from an "Authorization: Bearer <token>" header value.
func BearerFromHeader(v string) (string, bool) {
	v = strings.TrimSpace(v)
	const prefix = "bearer "
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(v[len(prefix):])
	return tok, tok != ""
}
