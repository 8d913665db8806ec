package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "CHATMATE_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the key length required when HMAC is mandatory.
	MinHMACKeyBytes = 32
)

// Hasher turns refresh tokens into lookup keys.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. A nil or empty key selects plain SHA-256.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// HasherFromEnv builds a Hasher from CHATMATE_TOKEN_HMAC_KEY.
// When require is true the key must be present and at least MinHMACKeyBytes long.
func HasherFromEnv(require bool) (Hasher, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		if require {
			return Hasher{}, ErrHMACKeyMissing
		}
		return Hasher{}, nil
	}
	if require && len(raw) < MinHMACKeyBytes {
		return Hasher{}, ErrHMACKeyTooShort
	}
	return NewHasher([]byte(raw)), nil
}

// Keyed reports whether the hasher uses HMAC.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// HashHex returns the hex digest stored for tok.
func (h Hasher) HashHex(tok string) string {
	if !h.Keyed() {
		sum := sha256.Sum256([]byte(tok))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(tok))
	return hex.EncodeToString(m.Sum(nil))
}

// Equal compares a token against a stored digest in constant time.
func (h Hasher) Equal(tok, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(h.HashHex(tok)), []byte(digest)) == 1
}
