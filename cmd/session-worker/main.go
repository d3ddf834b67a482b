package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/therapy-sessions/cmd/mainconfig"
	"github.com/wolfman30/therapy-sessions/internal/app/bootstrap"
	"github.com/wolfman30/therapy-sessions/internal/config"
	"github.com/wolfman30/therapy-sessions/internal/events"
	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("session worker requires DATABASE_URL")
		os.Exit(1)
	}

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	engine, err := bootstrap.BuildEngine(cfg, pool, redisClient, nil, logger)
	if err != nil {
		logger.Error("failed to build session engine", "error", err)
		os.Exit(1)
	}

	sqsClient, err := mainconfig.NewSQSClient(ctx, cfg)
	if err != nil {
		logger.Error("failed to create SQS client", "error", err)
		os.Exit(1)
	}
	if sqsClient == nil {
		logger.Warn("SESSION_EVENTS_QUEUE_URL not set; outbox entries will be logged only")
	}

	sweeper := sessions.NewSweeper(engine.Service, logger).
		WithInterval(cfg.SweepInterval)
	deliverer := events.NewDeliverer(engine.Outbox, bootstrap.BuildDeliveryHandler(sqsClient, cfg.SessionEventsQueueURL, logger), logger).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxPollInterval)

	go sweeper.Start(ctx)
	go deliverer.Start(ctx)
	logger.Info("session worker started",
		"sweep_interval", cfg.SweepInterval.String(),
		"outbox_poll_interval", cfg.OutboxPollInterval.String(),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("session worker shutting down")
	cancel()
	time.Sleep(2 * time.Second)
}
