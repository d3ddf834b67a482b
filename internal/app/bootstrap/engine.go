package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/therapy-sessions/internal/config"
	"github.com/wolfman30/therapy-sessions/internal/events"
	"github.com/wolfman30/therapy-sessions/internal/idempotency"
	"github.com/wolfman30/therapy-sessions/internal/observability/metrics"
	"github.com/wolfman30/therapy-sessions/internal/payments"
	"github.com/wolfman30/therapy-sessions/internal/realtime"
	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// ProcessedTracker dedupes provider webhook deliveries.
type ProcessedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// OutboxWriter appends integration events outside a session transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error)
}

// Engine is the wired session engine and the payment side that feeds it.
type Engine struct {
	Service   *sessions.Service
	Hub       *realtime.Hub
	Outbox    *events.OutboxStore
	Payments  payments.Store
	Processed ProcessedTracker
	Provider  payments.Provider
	Settler   *payments.Settler
	Velocity  *payments.VelocityChecker
}

// BuildEngine wires the engine over Postgres when pool is set, otherwise over
// memory stores. Redis, when present, backs request keys and velocity limits.
func BuildEngine(cfg *appconfig.Config, pool *pgxpool.Pool, redisClient *redis.Client, m *metrics.SessionMetrics, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	engineCfg := sessions.Config{
		Policy: sessions.Policy{
			JoinLeadTime:          cfg.JoinLeadTime,
			JoinGracePeriod:       cfg.JoinGracePeriod,
			CancellationFeeWindow: cfg.CancellationFeeWindow,
			PaymentHoldTTL:        cfg.PaymentHoldTTL,
		},
		MaxSessionDuration: cfg.MaxSessionDuration,
		Currency:           cfg.PaymentCurrency,
	}

	e := &Engine{Hub: realtime.NewHub(logger)}
	var (
		store    sessions.Store
		calendar sessions.Calendar
		outbox   OutboxWriter
	)
	if pool != nil {
		e.Outbox = events.NewOutboxStore(pool)
		outbox = e.Outbox
		store = sessions.NewPostgresStore(pool).WithRecorder(events.NewSessionOutbox(e.Outbox))
		calendar = sessions.NewPostgresCalendar(pool)
		e.Payments = payments.NewRepository(pool)
		e.Processed = events.NewProcessedStore(pool)
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory session stores")
		store = sessions.NewMemoryStore()
		calendar = sessions.NewMemoryCalendar()
		e.Payments = payments.NewMemoryRepository()
		e.Processed = events.NewMemoryProcessedStore()
	}

	var idem idempotency.Store
	if redisClient != nil {
		idem = idempotency.NewRedisStore(redisClient, cfg.IdempotencyTTL)
		e.Velocity = payments.NewVelocityChecker(redisClient, payments.DefaultVelocityConfig(), logger)
	} else {
		idem = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	}

	e.Service = sessions.NewService(store, calendar, engineCfg, logger).
		WithIdempotency(idem).
		WithMetrics(m)
	e.Service.AddListener(e.Hub)

	e.Provider = BuildProvider(cfg, logger)
	e.Settler = payments.NewSettler(e.Payments, e.Service, e.Provider, outbox, logger).
		WithVelocity(e.Velocity)
	return e, nil
}

// BuildProvider picks the checkout provider: Stripe when a key is set, the
// hosted fake checkout when allowed, otherwise none.
func BuildProvider(cfg *appconfig.Config, logger *logging.Logger) payments.Provider {
	switch {
	case cfg.StripeSecretKey != "":
		logger.Info("checkout provider configured", "provider", "stripe")
		return payments.NewStripeCheckoutService(cfg.StripeSecretKey, cfg.StripeSuccessURL, cfg.StripeCancelURL, logger)
	case cfg.FakePaymentsEnabled():
		logger.Warn("using fake checkout provider")
		return payments.NewFakeCheckoutService(cfg.PublicBaseURL, logger)
	default:
		logger.Warn("no checkout provider configured; checkout endpoints disabled")
		return nil
	}
}

// BuildDeliveryHandler delivers outbox entries to SQS when a queue is
// configured, otherwise logs them.
func BuildDeliveryHandler(client *sqs.Client, queueURL string, logger *logging.Logger) events.DeliveryHandler {
	if client != nil && queueURL != "" {
		return events.NewSQSPublisher(client, queueURL)
	}
	return events.NewLogPublisher(logger)
}
