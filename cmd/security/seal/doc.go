// Package seal encrypts credential blobs at rest under an operator passphrase.
//
// It derives a key with Argon2id and seals with XChaCha20-Poly1305. Every sealed
// blob is a self-describing JSON document carrying the KDF parameters and salt, so
// blobs written under older parameters stay readable after a config change.
//
// Security notes:
// - Blobs are untrusted input on Open and their KDF parameters are bounded.
// - Derived keys are cached per salt; one Sealer uses a single salt for everything it writes.
package seal
