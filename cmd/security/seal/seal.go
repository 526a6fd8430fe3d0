package seal

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const blobVersion = 1

// blob is the on-disk JSON structure holding the ciphertext and KDF parameters.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	M      uint32 `json:"m"`
	T      uint32 `json:"t"`
	P      uint8  `json:"p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Sealer seals and opens blobs under one passphrase.
// It is safe for concurrent use.
type Sealer struct {
	passphrase []byte
	params     Params
	salt       []byte

	mu   sync.Mutex
	keys map[string][]byte // hex(salt)|m|t|p -> derived key
}

// New constructs a Sealer. A fresh random salt is drawn for the blobs it writes.
func New(passphrase string, params Params) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if params.SaltLength == 0 {
		params.SaltLength = DefaultParams().SaltLength
	}

	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	return &Sealer{
		passphrase: []byte(passphrase),
		params:     params,
		salt:       salt,
		keys:       make(map[string][]byte),
	}, nil
}

// Seal encrypts plaintext into a JSON blob.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	key := s.key(s.salt, s.params)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	return json.Marshal(blob{
		V:      blobVersion,
		Salt:   s.salt,
		M:      s.params.MemoryKiB,
		T:      s.params.Iterations,
		P:      s.params.Parallelism,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, plaintext, s.salt),
	})
}

// Open decrypts a blob produced by Seal.
// Data that does not look like a blob yields ErrNotSealed so callers can migrate plaintext files.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrNotSealed
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, ErrNotSealed
	}
	if b.V != blobVersion {
		return nil, ErrUnsupported
	}

	p := Params{
		MemoryKiB:   b.M,
		Iterations:  b.T,
		Parallelism: b.P,
		SaltLength:  uint32(len(b.Salt)), // #nosec G115 -- bounded by withinBounds.
	}
	if !withinBounds(p, s.params) || len(b.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrUnsupported
	}

	aead, err := chacha20poly1305.NewX(s.key(b.Salt, p))
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, b.Nonce, b.Cipher, b.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

// IsSealed reports whether data carries the sealed-blob shape.
func IsSealed(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var probe struct {
		V      int    `json:"v"`
		Cipher []byte `json:"cipher"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.V > 0 && len(probe.Cipher) > 0
}

func (s *Sealer) key(salt []byte, p Params) []byte {
	id := fmt.Sprintf("%s|%d|%d|%d", hex.EncodeToString(salt), p.MemoryKiB, p.Iterations, p.Parallelism)

	s.mu.Lock()
	defer s.mu.Unlock()

	if k, ok := s.keys[id]; ok {
		return k
	}
	k := argon2.IDKey(s.passphrase, salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
	s.keys[id] = k
	return k
}
