package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_mail/internal/auth"
	"github.com/austindbirch/harbor_mail/internal/config"
	"github.com/austindbirch/harbor_mail/internal/db"
	"github.com/austindbirch/harbor_mail/internal/health"
	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/outbox"
	"github.com/austindbirch/harbor_mail/internal/publish"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

const serviceName = "harbormail-publisher"

// newValidator prefers a configured PEM key and falls back to the JWKS
// endpoint, which is refreshed until ctx is done.
func newValidator(ctx context.Context, cfg config.Auth, logger *logging.Logger) (*auth.JWTValidator, error) {
	if cfg.PublicKeyPEM != "" {
		return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("JWT_PUBLIC_KEY or JWT_JWKS_URL is required")
	}
	return auth.NewJWKSValidator(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience, auth.JWKSOptions{
		RefreshInterval: cfg.JWKSRefresh,
		HTTPTimeout:     15 * time.Second,
		OnRefreshError: func(err error) {
			logger.Plain().WithError(err).WithField("jwks_url", cfg.JWKSURL).Warn("JWKS refresh failed")
		},
	})
}

// newStore layers the redis replay cache over Postgres when rdb is set.
func newStore(pool *pgxpool.Pool, rdb redis.UniversalClient, cfg config.Idempotency) idempotency.Store {
	var store idempotency.Store = idempotency.NewPostgresStore(pool, cfg.LockTimeout)
	if rdb != nil {
		store = idempotency.NewCachedStore(store, rdb, cfg.Retention)
	}
	return store
}

// newRouter mounts the API, health and metrics behind the auth middleware,
// which leaves /healthz and /metrics open.
func newRouter(h *publish.Handler, v *auth.JWTValidator, reg *prometheus.Registry, healthz http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	h.Routes(mux)
	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return v.HTTPMiddleware(mux)
}

func main() {
	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, serviceName, cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		// ctx is already cancelled on shutdown; flushing needs its own deadline
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Plain().WithError(err).Warn("flushing traces failed")
		}
	}()

	if cfg.DB.Migrate {
		if err := db.Migrate(cfg.MigrateURL()); err != nil {
			logger.Plain().WithError(err).Fatal("db migrate failed")
		}
		logger.Plain().Info("migrations applied")
	}

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConn)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	validator, err := newValidator(ctx, cfg.Auth, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt validator setup failed")
	}

	checks := map[string]health.Pinger{}
	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		checks["redis"] = health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	store := newStore(pool, rdb, cfg.Idempotency)
	exec := idempotency.NewExecutor(store, cfg.Idempotency.WaitTimeout)
	repo := outbox.NewRepository(pool)
	handler := publish.NewHandler(publish.NewService(exec, pool, repo))

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	janitor := idempotency.NewJanitor(store, cfg.Idempotency.Retention, cfg.Idempotency.PruneInterval)
	go func() { _ = janitor.Run(ctx) }()

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      newRouter(handler, validator, reg, health.HTTPHandler(pool, checks)),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("publisher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("publisher HTTP server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("publisher HTTP shutdown")
	}
	logger.Plain().Info("publisher stopped")
}
