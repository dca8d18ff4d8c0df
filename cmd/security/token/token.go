package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultBytes is the entropy of generated tokens.
	DefaultBytes = 32

	// MinKeyBytes is the minimum key length accepted in enforced mode.
	MinKeyBytes = 32
)

// Hasher digests tokens for storage.
type Hasher struct {
	key []byte
}

// NewHasher constructs a Hasher. With require set, key must be at least
// minBytes long; otherwise an empty key selects unkeyed hashing.
func NewHasher(key string, require bool, minBytes int) (*Hasher, error) {
	raw := []byte(strings.TrimSpace(key))
	if len(raw) == 0 {
		if require {
			return nil, ErrKeyMissing
		}
		return &Hasher{}, nil
	}
	if require && minBytes > 0 && len(raw) < minBytes {
		return nil, ErrKeyTooShort
	}
	// BLAKE2b accepts keys up to 64 bytes.
	if len(raw) > blake2b.Size {
		sum := blake2b.Sum512(raw)
		raw = sum[:]
	}
	return &Hasher{key: raw}, nil
}

// Keyed reports whether the hasher uses a secret key.
func (h *Hasher) Keyed() bool { return h != nil && len(h.key) > 0 }

// HashHex returns the hex BLAKE2b-256 digest of s.
func (h *Hasher) HashHex(s string) string {
	var key []byte
	if h != nil {
		key = h.key
	}
	m, err := blake2b.New256(key)
	if err != nil {
		// Unreachable: NewHasher bounds the key length.
		panic(err)
	}
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Verify reports whether plain hashes to digest, in constant time.
func (h *Hasher) Verify(plain, digest string) bool {
	if plain == "" || digest == "" {
		return false
	}
	return Equal(h.HashHex(plain), digest)
}

// Generate returns a new opaque token of n random bytes, base64url without padding.
func Generate(n int) (string, error) {
	if n <= 0 {
		n = DefaultBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Equal compares two strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
