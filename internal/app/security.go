package app

import (
	"errors"
	"fmt"

	"chatmate/internal/security/token"
)

// ValidateSecurityConfig enforces the token hashing policy at startup and
// returns the hasher the session service must use.
func ValidateSecurityConfig(cfg Config) (token.Hasher, error) {
	h, err := token.HasherFromEnv(cfg.RequireTokenHMAC)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrHMACKeyMissing):
		return token.Hasher{}, fmt.Errorf("security policy: CHATMATE_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
	case errors.Is(err, token.ErrHMACKeyTooShort):
		return token.Hasher{}, fmt.Errorf("security policy: CHATMATE_REQUIRE_TOKEN_HMAC=true but %s is too short (min %d bytes)", token.HMACEnvKey, token.MinHMACKeyBytes)
	default:
		return token.Hasher{}, err
	}

	if cfg.RequireTokenHMAC && !h.Keyed() {
		return token.Hasher{}, errors.New("security policy: token hasher is not in HMAC mode")
	}
	return h, nil
}
