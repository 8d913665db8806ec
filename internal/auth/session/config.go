package session

import (
	"os"
	"strconv"
	"strings"
	"time"

	"chatmate/internal/identity"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// Issuer is set as "iss" on both token kinds.
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ClockSkew is tolerated when validating token times.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public access tokens.
	PasetoV4SecretKeyHex string

	// RefreshSecret signs refresh tokens (HS256).
	RefreshSecret string

	LoginHistoryCapacity int

	// MaxCASRetries bounds read-modify-write retries for operations whose
	// input does not depend on the state being replaced.
	MaxCASRetries int
}

// MinRefreshSecretBytes is the minimum HS256 secret length.
const MinRefreshSecretBytes = 32

// DefaultConfig returns defaults without key material.
func DefaultConfig() Config {
	return Config{
		Issuer:               "chatmate",
		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      24 * time.Hour,
		ClockSkew:            30 * time.Second,
		LoginHistoryCapacity: identity.DefaultLoginCapacity,
		MaxCASRetries:        3,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - CHATMATE_PASETO_V4_SECRET_KEY_HEX
//   - CHATMATE_AUTH_REFRESH_SECRET (at least 32 bytes)
//
// Optional:
//   - CHATMATE_AUTH_ISSUER
//   - CHATMATE_AUTH_ACCESS_TTL, CHATMATE_AUTH_REFRESH_TTL, CHATMATE_AUTH_CLOCK_SKEW
//   - CHATMATE_AUTH_LOGIN_HISTORY
//   - CHATMATE_AUTH_MAX_CAS_RETRIES
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("CHATMATE_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	durations := []struct {
		key       string
		allowZero bool
		dst       *time.Duration
	}{
		{"CHATMATE_AUTH_ACCESS_TTL", false, &cfg.AccessTokenTTL},
		{"CHATMATE_AUTH_REFRESH_TTL", false, &cfg.RefreshTokenTTL},
		{"CHATMATE_AUTH_CLOCK_SKEW", true, &cfg.ClockSkew},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	ints := []struct {
		key      string
		min, max int
		dst      *int
	}{
		{"CHATMATE_AUTH_LOGIN_HISTORY", 1, 100, &cfg.LoginHistoryCapacity},
		{"CHATMATE_AUTH_MAX_CAS_RETRIES", 1, 10, &cfg.MaxCASRetries},
	}
	for _, it := range ints {
		v := strings.TrimSpace(os.Getenv(it.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < it.min || n > it.max {
			return Config{}, ErrConfig
		}
		*it.dst = n
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("CHATMATE_PASETO_V4_SECRET_KEY_HEX"))
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	cfg.RefreshSecret = strings.TrimSpace(os.Getenv("CHATMATE_AUTH_REFRESH_SECRET"))
	if len(cfg.RefreshSecret) < MinRefreshSecretBytes {
		return Config{}, ErrConfig
	}

	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
