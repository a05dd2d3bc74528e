// Worker consumes the local job queues in Redis: it renders and sends notification emails and
// applies delivery webhooks. It serves the gRPC health protocol on HEALTH_GRPC_ADDR.
package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"trade-machine/backend/internal/cache"
	"trade-machine/backend/internal/config"
	"trade-machine/backend/internal/db"
	"trade-machine/backend/internal/email"
	emailrepo "trade-machine/backend/internal/email/repository"
	healthhandler "trade-machine/backend/internal/health/handler"
	"trade-machine/backend/internal/jobs"
	"trade-machine/backend/internal/jobs/domain"
	"trade-machine/backend/internal/jobs/queue"
	"trade-machine/backend/internal/jobs/worker"
	"trade-machine/backend/internal/logging"
	"trade-machine/backend/internal/server"
	"trade-machine/backend/internal/telemetry"
	telemetryotel "trade-machine/backend/internal/telemetry/otel"
	"trade-machine/backend/internal/telemetry/tracecontext"
)

const healthInterval = 15 * time.Second

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
		ServiceName: cfg.ServiceName+"-worker",
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	logger := logging.New(os.Stdout, logging.Options{
		Level:          cfg.LogLevel,
		Format:         cfg.LogFormat,
		Name:           cfg.ServiceName + "-worker",
		LoggerProvider: providers.LoggerProvider,
	})
	slog.SetDefault(logger)

	runErr := run(ctx, cfg, providers, logger)

	// Discard events are emitted asynchronously; give them time to reach the log exporter.
	time.Sleep(telemetry.ShutdownDrainDuration)
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = providers.Shutdown(sctx)

	if runErr != nil {
		logger.Error("worker exited", "error", runErr)
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

	templates, err := email.LoadTemplates(cfg.AppBaseURL)
	if err != nil {
		return err
	}
	metrics, err := jobs.NewMetrics(providers.MeterProvider)
	if err != nil {
		return err
	}

	w := worker.New(
		queue.NewRedisQueue(redisCache.Client()),
		email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger),
		templates,
		emailrepo.NewPostgresRepository(pool),
		tracecontext.New(providers.TracerProvider, telemetryotel.Propagator()),
		metrics,
		telemetryotel.NewEventEmitter(providers.LoggerProvider),
		logger,
		worker.Config{ResetWindow: cfg.PasswordResetWindow()},
	)

	lis, err := net.Listen("tcp", cfg.HealthGRPCAddr)
	if err != nil {
		return err
	}
	grpcServer, hs := server.NewGRPCServer()
	checker := healthhandler.NewChecker(nil,
		healthhandler.Dependency{Name: "redis", Pinger: redisCache},
		healthhandler.Dependency{Name: "postgres", Pinger: pool},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("health server listening", "addr", cfg.HealthGRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		checker.Watch(gctx, hs, healthInterval, domain.Queues...)
		return nil
	})
	g.Go(func() error {
		logger.Info("worker consuming", "queues", domain.Queues)
		return w.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down worker")
		hs.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
