package app

import (
	"errors"
	"fmt"

	"sessiond/cmd/security/token"
)

const tokenIssuer = "sessiond"

// ValidateSecurityConfig enforces the startup security policy.
//
// - A configured but short API token key is always an error.
// - RequireAPIToken makes a missing key an error instead of running unauthenticated.
func ValidateSecurityConfig(cfg Config) error {
	_, err := token.KeyFromEnv(token.MinKeyBytes)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrKeyTooShort):
		return fmt.Errorf("security policy: %s is too short (min %d bytes)", token.KeyEnv, token.MinKeyBytes)
	case errors.Is(err, token.ErrKeyMissing):
		if cfg.RequireAPIToken {
			return fmt.Errorf("security policy: SESSIOND_REQUIRE_API_TOKEN=true but %s is missing", token.KeyEnv)
		}
		return nil
	default:
		return err
	}
}

// newTokenManager returns nil when no API token key is configured.
func newTokenManager() (*token.Manager, error) {
	if !token.Enabled() {
		return nil, nil
	}
	return token.NewManagerFromEnv(tokenIssuer)
}
