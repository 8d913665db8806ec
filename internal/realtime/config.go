package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required and only localhost is allowed unless configured.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config tunes the websocket gateway.
type Config struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout  time.Duration
	HelloTimeout  time.Duration
	SendQueueSize int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// LoadConfigFromEnv reads CHATMATE_WS_* variables over secure defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		// Skips the websocket library's origin check. Dev only.
		DevInsecure:      envBoolWS("CHATMATE_WS_DEV_INSECURE", false),
		OriginRequired:   envBoolWS("CHATMATE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
		AllowedOrigins:   envCSVWS("CHATMATE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:     envDurationWS("CHATMATE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		HelloTimeout:     envDurationWS("CHATMATE_WS_HELLO_TIMEOUT", helloTimeout),
		SendQueueSize:    envIntWS("CHATMATE_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		HeartbeatEvery:   envDurationWS("CHATMATE_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDurationWS("CHATMATE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),
		RateEvents:       envIntWS("CHATMATE_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow:       envDurationWS("CHATMATE_WS_RATE_WINDOW", rateLimitWindow),
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	return cfg
}

func envBoolWS(key string, def bool) bool {
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

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
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

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
