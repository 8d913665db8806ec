package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// Empty DatabaseURL selects the in-memory credential store.
	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
	MigrateOnStart bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Empty RedisAddr keeps login throttling in process memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool

	// If true, CHATMATE_TOKEN_HMAC_KEY must be set (>= 32 bytes).
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHATMATE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHATMATE_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATMATE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHATMATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATMATE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATMATE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHATMATE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("CHATMATE_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("CHATMATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:    EnvString("CHATMATE_DATABASE_URL", ""),
		DBMaxConns:     EnvInt32("CHATMATE_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("CHATMATE_DB_MIN_CONNS", 0),
		MigrateOnStart: EnvBool("CHATMATE_DB_MIGRATE", true),

		ReadinessRequireDB: EnvBool("CHATMATE_READINESS_REQUIRE_DB", false),

		RedisAddr:     EnvString("CHATMATE_REDIS_ADDR", ""),
		RedisPassword: EnvString("CHATMATE_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntAllowZero("CHATMATE_REDIS_DB", 0),

		CORSAllowedOrigins:   EnvCSV("CHATMATE_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("CHATMATE_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("CHATMATE_CORS_MAX_AGE_SECONDS", 600),

		MetricsEnabled: EnvBool("CHATMATE_METRICS_ENABLED", true),

		RequireTokenHMAC: EnvBool("CHATMATE_REQUIRE_TOKEN_HMAC", true),
	}
}
