// Server runs the HTTP API: password auth, session transfer between origins and job dispatch.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-machine/backend/internal/cache"
	"trade-machine/backend/internal/config"
	"trade-machine/backend/internal/db"
	healthhandler "trade-machine/backend/internal/health/handler"
	identityhandler "trade-machine/backend/internal/identity/handler"
	identityservice "trade-machine/backend/internal/identity/service"
	"trade-machine/backend/internal/jobs"
	"trade-machine/backend/internal/jobs/bridge"
	"trade-machine/backend/internal/jobs/dispatcher"
	"trade-machine/backend/internal/jobs/queue"
	"trade-machine/backend/internal/logging"
	"trade-machine/backend/internal/platform/rbac"
	"trade-machine/backend/internal/security"
	"trade-machine/backend/internal/server"
	"trade-machine/backend/internal/server/middleware"
	sessiondomain "trade-machine/backend/internal/session/domain"
	sessionrepo "trade-machine/backend/internal/session/repository"
	"trade-machine/backend/internal/sso"
	ssohandler "trade-machine/backend/internal/sso/handler"
	telemetryotel "trade-machine/backend/internal/telemetry/otel"
	"trade-machine/backend/internal/telemetry/tracecontext"
	userrepo "trade-machine/backend/internal/user/repository"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(sctx)
	}()

	logger := logging.New(os.Stdout, logging.Options{
		Level:          cfg.LogLevel,
		Format:         cfg.LogFormat,
		Name:           cfg.ServiceName,
		LoggerProvider: providers.LoggerProvider,
	})
	slog.SetDefault(logger)

	if err := run(ctx, cfg, providers, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, providers *telemetryotel.Providers, logger *slog.Logger) error {
	redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisCache.Close()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	authorizer, err := rbac.NewAuthorizer(ctx)
	if err != nil {
		return err
	}

	cookieOpts := sessiondomain.CookieOptions{
		Name:   cfg.SessionCookieName,
		Domain: cfg.SessionCookieDomain,
		Secure: cfg.SecureCookies(),
		MaxAge: cfg.SessionLifetime(),
	}
	cookies := middleware.Cookies{Options: cookieOpts}
	sessions := sessionrepo.NewCacheRepository(redisCache, cfg.SessionKeyPrefix, cookieOpts)

	auth := identityservice.NewAuthService(
		userrepo.NewPostgresRepository(pool),
		sessions,
		security.NewHasher(cfg.BcryptCost),
		authorizer,
		cfg.PasswordResetWindow(),
	)

	tracer := tracecontext.New(providers.TracerProvider, telemetryotel.Propagator())
	metrics, err := jobs.NewMetrics(providers.MeterProvider)
	if err != nil {
		return err
	}
	disp, err := dispatcher.New(
		queue.NewRedisQueue(redisCache.Client()),
		bridge.NewPostgresWriter(pool),
		tracer,
		metrics,
		logger,
		dispatcher.Options{
			TestEmailPattern: cfg.TestEmailPattern,
			BridgeQueue:      cfg.BridgeEmailQueue,
			BridgeWorker:     cfg.BridgeEmailWorker,
		},
	)
	if err != nil {
		return err
	}

	broker := sso.NewBroker(redisCache, cfg.SessionKeyPrefix, cfg.AllowedOrigins(), cfg.TransferTokenTTL(), logger)
	checker := healthhandler.NewChecker(authorizer,
		healthhandler.Dependency{Name: "redis", Pinger: redisCache},
		healthhandler.Dependency{Name: "postgres", Pinger: pool},
	)

	router := server.NewRouter(server.Deps{
		Tracing:        tracer,
		Sessions:       sessions,
		Cookies:        cookies,
		PreviewOrigins: cfg.PreviewOrigins(),
		Identity:       identityhandler.NewHandler(auth, disp, cookies, logger),
		SSO:            ssohandler.NewHandler(broker, auth, cookies, logger),
		Health:         checker,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return nil
}
