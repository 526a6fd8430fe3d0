// Package token issues and verifies the bearer tokens that guard sessiond's HTTP surfaces.
//
// Tokens are HS256 JWTs signed with a shared key taken from SESSIOND_API_TOKEN_KEY.
// When the key is not configured the API runs unauthenticated (dev mode); the app
// decides that policy, this package only enforces key length and claim validity.
package token
