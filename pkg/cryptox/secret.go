package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// SecretSize is the number of random bytes drawn per secret (256 bits
	// of entropy, 43 chars once base64url encoded).
	SecretSize = 32

	// PrefixLen is the number of leading plaintext characters stored in
	// clear for display. 8 chars of a 43-char secret is nowhere near
	// enough to authenticate with.
	PrefixLen = 8

	// minKeySize is the smallest derivation key we accept.
	minKeySize = 16
)

// ErrEntropyUnavailable reports that the system random source could not be
// read. There is no acceptable fallback; callers must treat this as fatal.
var ErrEntropyUnavailable = errors.New("cryptox: entropy source unavailable")

// Codec generates opaque secrets and derives their stored representation.
//
// Derivation is keyed BLAKE2b-256 rather than a slow password hash: the
// derived value is used for equality lookup on every verification, so it
// must be deterministic and cheap, and the server-side key is what protects
// stored hashes against offline guessing if the database leaks.
type Codec struct {
	key []byte
}

// NewCodec builds a Codec around a server-side derivation key. The key is
// read-only after this point and must never be logged.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) < minKeySize {
		return nil, fmt.Errorf("cryptox: derivation key too short (%d bytes, need %d)", len(key), minKeySize)
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("cryptox: derivation key too long (%d bytes, max %d)", len(key), blake2b.Size)
	}
	return &Codec{key: key}, nil
}

// Generate draws a fresh secret from the system CSPRNG and returns it as a
// base64url string along with its display prefix. The plaintext is only
// ever held in memory; callers persist the derived hash and the prefix.
func (c *Codec) Generate() (secret, prefix string, err error) {
	buf := make([]byte, SecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}

	secret = base64.RawURLEncoding.EncodeToString(buf)
	return secret, secret[:PrefixLen], nil
}

// Derive computes the stored one-way representation of a plaintext secret.
// The same plaintext always derives the same value, which is what makes
// indexed lookup possible.
func (c *Codec) Derive(secret string) string {
	h, err := blake2b.New256(c.key)
	if err != nil {
		// Key length is validated in NewCodec; blake2b has no other
		// failure mode.
		panic(fmt.Sprintf("cryptox: keyed blake2b init: %v", err))
	}
	h.Write([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Equal compares two derived values (or a presented fragment against a
// stored one) in constant time so timing does not leak matching prefixes.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
