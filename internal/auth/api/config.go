package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the HTTP surface: cookies, request limits and login throttling.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	RefreshCookieName string
	CookiePath        string
	CookieDomain      string
	CookieSecure      bool
	CookieSameSite    http.SameSite

	// LoginIPMax failed logins per address within LoginIPWindow trigger a 429.
	LoginIPMax    int
	LoginIPWindow time.Duration

	LoginUserMax    int
	LoginUserWindow time.Duration
}

// DefaultRefreshCookieName is the cookie carrying the refresh token.
const DefaultRefreshCookieName = "jwt"

// DefaultConfig returns the cross-site cookie defaults used by browser clients.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:      1 << 20,
		RefreshCookieName: DefaultRefreshCookieName,
		CookiePath:        "/",
		CookieSecure:      true,
		CookieSameSite:    http.SameSiteNoneMode,
		LoginIPMax:        20,
		LoginIPWindow:     5 * time.Minute,
		LoginUserMax:      5,
		LoginUserWindow:   15 * time.Minute,
	}
}

// LoadConfigFromEnv loads auth API config from CHATMATE_AUTH_* variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:        envBool("CHATMATE_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:      envInt64("CHATMATE_AUTH_MAX_BODY_BYTES", def.MaxBodyBytes),
		RefreshCookieName: envString("CHATMATE_AUTH_REFRESH_COOKIE_NAME", def.RefreshCookieName),
		CookiePath:        envString("CHATMATE_AUTH_COOKIE_PATH", def.CookiePath),
		CookieDomain:      envString("CHATMATE_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:      envBool("CHATMATE_AUTH_COOKIE_SECURE", def.CookieSecure),
		CookieSameSite:    parseSameSite(envString("CHATMATE_AUTH_COOKIE_SAMESITE", "none")),
		LoginIPMax:        envInt("CHATMATE_AUTH_LOGIN_IP_MAX", def.LoginIPMax),
		LoginIPWindow:     envDuration("CHATMATE_AUTH_LOGIN_IP_WINDOW", def.LoginIPWindow),
		LoginUserMax:      envInt("CHATMATE_AUTH_LOGIN_USER_MAX", def.LoginUserMax),
		LoginUserWindow:   envDuration("CHATMATE_AUTH_LOGIN_USER_WINDOW", def.LoginUserWindow),
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if strings.TrimSpace(c.RefreshCookieName) == "" {
		c.RefreshCookieName = def.RefreshCookieName
	}
	if c.CookiePath == "" {
		c.CookiePath = def.CookiePath
	}
	// Browsers drop SameSite=None cookies that are not Secure.
	if c.CookieSameSite == http.SameSiteNoneMode {
		c.CookieSecure = true
	}
	return c
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteNoneMode
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
