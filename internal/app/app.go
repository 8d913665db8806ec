// Package app wires the chatmate server runtime: config, logging, storage,
// the auth HTTP surface and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	authapi "chatmate/internal/auth/api"
	"chatmate/internal/auth/session"
	"chatmate/internal/identity"
	"chatmate/internal/realtime"
	"chatmate/internal/security/password"
)

// App owns the HTTP server and every long-lived dependency behind it.
type App struct {
	cfg Config
	log Logger

	store   identity.Store
	dbPool  *pgxpool.Pool
	redis   *redis.Client
	metrics *prometheus.Registry

	sessions *session.Service
	hub      *realtime.Hub
	ws       *realtime.WSGateway
	auth     *authapi.Handler
}

// New constructs a fully wired App from config. Resources opened before a
// failure are released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	hasher, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("password config: %w", err)
	}

	if cfg.MetricsEnabled {
		a.metrics = newMetricsRegistry()
	}
	// A nil registerer keeps component metrics unregistered.
	var reg prometheus.Registerer
	if a.metrics != nil {
		reg = a.metrics
	}

	if err := a.openStore(ctx, sessCfg.LoginHistoryCapacity); err != nil {
		return nil, err
	}

	a.hub = realtime.NewHub(log, realtime.NewMetrics(reg))

	a.sessions, err = session.NewService(sessCfg, a.store, pwCfg, hasher, session.WithNotifier(a.hub))
	if err != nil {
		return nil, fmt.Errorf("session service: %w", err)
	}

	opts := []authapi.HandlerOption{authapi.WithMetrics(authapi.NewMetrics(reg))}
	if cfg.RedisAddr != "" {
		a.redis, err = NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		opts = append(opts, authapi.WithThrottle(authapi.NewRedisThrottle(a.redis)))
		log.Info("auth.throttle.redis", "addr", cfg.RedisAddr)
	}
	if a.dbPool != nil {
		opts = append(opts, authapi.WithAuditor(authapi.NewPostgresAuditor(a.dbPool, log, dbSchema)))
	}

	a.auth, err = authapi.NewHandler(log, a.sessions, authapi.LoadConfigFromEnv(), opts...)
	if err != nil {
		return nil, fmt.Errorf("auth handler: %w", err)
	}

	a.ws, err = realtime.NewWSGateway(log, a.hub, a.sessions, realtime.LoadConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("ws gateway: %w", err)
	}

	return a, nil
}

// openStore picks Postgres when a database URL is configured and the
// in-memory store otherwise.
func (a *App) openStore(ctx context.Context, loginCapacity int) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = identity.NewMemoryStore(loginCapacity)
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	a.dbPool = pool

	if a.cfg.MigrateOnStart {
		if err := Migrate(ctx, pool, a.log); err != nil {
			return err
		}
	}

	st, err := identity.NewPostgresStore(pool,
		identity.WithSchema(dbSchema),
		identity.WithLoginCapacity(loginCapacity),
	)
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store", "schema", dbSchema)
	return nil
}

// Handler returns the full middleware chain around the route table.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close releases storage and connections. The pool is owned here, so
// PostgresStore.Close is a no-op.
func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
