package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/therapy-sessions/cmd/mainconfig"
	"github.com/wolfman30/therapy-sessions/internal/api/router"
	"github.com/wolfman30/therapy-sessions/internal/app/bootstrap"
	appconfig "github.com/wolfman30/therapy-sessions/internal/config"
	"github.com/wolfman30/therapy-sessions/internal/events"
	httpmiddleware "github.com/wolfman30/therapy-sessions/internal/http/middleware"
	"github.com/wolfman30/therapy-sessions/internal/observability/metrics"
	"github.com/wolfman30/therapy-sessions/internal/payments"
	"github.com/wolfman30/therapy-sessions/internal/realtime"
	"github.com/wolfman30/therapy-sessions/internal/reporting"
	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting therapy-sessions API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	if pool == nil && cfg.IsProduction() {
		logger.Error("DATABASE_URL is required in production")
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}

	reportDB, err := bootstrap.BuildReportDB(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open report database", "error", err)
		os.Exit(1)
	}
	if reportDB != nil {
		defer reportDB.Close()
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	metricsHandler, sessionMetrics := setupMetrics()

	engine, err := bootstrap.BuildEngine(cfg, pool, redisClient, sessionMetrics, logger)
	if err != nil {
		logger.Error("failed to build session engine", "error", err)
		os.Exit(1)
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Run(ctx, 5*time.Minute)

	r := router.New(buildRouterConfig(cfg, engine, reportDB, pool, redisClient, metricsHandler, sessionMetrics, limiter, logger))

	if cfg.RunInlineWorkers {
		startInlineWorkers(ctx, cfg, engine, sessionMetrics, logger)
	}

	// Create HTTP server. No WriteTimeout: the session stream is long-lived
	// and sets its own write deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func setupMetrics() (http.Handler, *metrics.SessionMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewSessionMetrics(reg)
}

func buildRouterConfig(
	cfg *appconfig.Config,
	engine *bootstrap.Engine,
	reportDB *sql.DB,
	pool *pgxpool.Pool,
	redisClient *redis.Client,
	metricsHandler http.Handler,
	sessionMetrics *metrics.SessionMetrics,
	limiter *httpmiddleware.RateLimiter,
	logger *logging.Logger,
) *router.Config {
	routerCfg := &router.Config{
		Logger:             logger,
		Sessions:           sessions.NewHandler(engine.Service, logger),
		Stream:             realtime.NewStreamHandler(engine.Service, engine.Hub, cfg.CORSAllowedOrigins, logger),
		MetricsHandler:     metricsHandler,
		HealthChecks:       map[string]router.HealthCheck{},
		AuthSecret:         cfg.AuthJWTSecret,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        limiter,
	}
	if engine.Provider != nil {
		routerCfg.Checkout = payments.NewCheckoutHandler(engine.Service, engine.Payments, engine.Provider, logger).
			WithVelocity(engine.Velocity)
	}
	if cfg.StripeWebhookSecret != "" || !cfg.IsProduction() {
		routerCfg.StripeWebhook = payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, engine.Settler, engine.Processed, logger).
			WithMetrics(sessionMetrics)
	}
	if cfg.FakePaymentsEnabled() {
		routerCfg.FakePayments = payments.NewFakePaymentsHandler(engine.Payments, engine.Settler, engine.Processed, logger)
	}
	if reportDB != nil {
		routerCfg.Reports = reporting.NewHandler(reporting.NewRepository(reportDB), logger)
	}
	if pool != nil {
		routerCfg.HealthChecks["database"] = pool.Ping
	}
	if redisClient != nil {
		routerCfg.HealthChecks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return routerCfg
}

// startInlineWorkers runs the sweep and outbox delivery inside the API
// process, for single-instance deployments.
func startInlineWorkers(ctx context.Context, cfg *appconfig.Config, engine *bootstrap.Engine, sessionMetrics *metrics.SessionMetrics, logger *logging.Logger) {
	sweeper := sessions.NewSweeper(engine.Service, logger).WithInterval(cfg.SweepInterval)
	go sweeper.Start(ctx)

	if engine.Outbox == nil {
		return
	}
	sqsClient, err := mainconfig.NewSQSClient(ctx, cfg)
	if err != nil {
		logger.Error("failed to create SQS client; outbox entries will be logged", "error", err)
		sqsClient = nil
	}
	deliverer := events.NewDeliverer(engine.Outbox, bootstrap.BuildDeliveryHandler(sqsClient, cfg.SessionEventsQueueURL, logger), logger).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxPollInterval).
		WithMetrics(sessionMetrics)
	go deliverer.Start(ctx)
	logger.Info("inline workers started", "sweep_interval", cfg.SweepInterval.String())
}
