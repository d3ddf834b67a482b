package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// VelocityChecker caps checkout and refund attempts with Redis counters.
type VelocityChecker struct {
	redis  *redis.Client
	logger *logging.Logger
	config VelocityConfig
}

type VelocityConfig struct {
	// Max checkout links per client per window
	MaxCheckoutsPerClient int
	CheckoutWindow        time.Duration

	// Max provider refund requests per session per window
	MaxRefundsPerSession int
	RefundWindow         time.Duration
}

func DefaultVelocityConfig() VelocityConfig {
	return VelocityConfig{
		MaxCheckoutsPerClient: 10,
		CheckoutWindow:        time.Hour,
		MaxRefundsPerSession:  1,
		RefundWindow:          7 * 24 * time.Hour,
	}
}

type VelocityResult struct {
	Allowed      bool
	CheckType    string
	CurrentCount int
	MaxAllowed   int
	WindowExpiry time.Time
}

func NewVelocityChecker(redisClient *redis.Client, config VelocityConfig, logger *logging.Logger) *VelocityChecker {
	if logger == nil {
		logger = logging.Default()
	}
	return &VelocityChecker{redis: redisClient, logger: logger, config: config}
}

// CheckCheckout counts a checkout attempt for the client.
func (v *VelocityChecker) CheckCheckout(ctx context.Context, clientID uuid.UUID) *VelocityResult {
	if v == nil {
		return &VelocityResult{Allowed: true, CheckType: "checkout"}
	}
	return v.check(ctx, "checkout", fmt.Sprintf("velocity:checkout:%s", clientID), v.config.MaxCheckoutsPerClient, v.config.CheckoutWindow)
}

// CheckRefund counts a provider refund request for the session.
func (v *VelocityChecker) CheckRefund(ctx context.Context, sessionID uuid.UUID) *VelocityResult {
	if v == nil {
		return &VelocityResult{Allowed: true, CheckType: "refund"}
	}
	return v.check(ctx, "refund", fmt.Sprintf("velocity:refund:%s", sessionID), v.config.MaxRefundsPerSession, v.config.RefundWindow)
}

// Reset clears a counter (admin use).
func (v *VelocityChecker) Reset(ctx context.Context, checkType string, id uuid.UUID) error {
	return v.redis.Del(ctx, fmt.Sprintf("velocity:%s:%s", checkType, id)).Err()
}

func (v *VelocityChecker) check(ctx context.Context, checkType, key string, max int, window time.Duration) *VelocityResult {
	ctx, span := stripeTracer.Start(ctx, "velocity.check_"+checkType)
	defer span.End()
	span.SetAttributes(attribute.String("velocity.check_type", checkType))

	if v.redis == nil || max <= 0 {
		return &VelocityResult{Allowed: true, CheckType: checkType}
	}

	count, expiry, err := v.incrementAndGet(ctx, key, window)
	if err != nil {
		// Fail open when Redis is down.
		v.logger.Error("velocity check failed", "error", err, "key", key)
		return &VelocityResult{Allowed: true, CheckType: checkType}
	}
	result := &VelocityResult{
		Allowed:      count <= max,
		CheckType:    checkType,
		CurrentCount: count,
		MaxAllowed:   max,
		WindowExpiry: expiry,
	}
	if !result.Allowed {
		v.logger.Warn("velocity exceeded", "check", checkType, "key", key, "count", count, "max", max)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return result
}

func (v *VelocityChecker) incrementAndGet(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 1 {
		v.redis.Expire(ctx, key, window)
	}
	ttl, err := v.redis.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return int(count), time.Now().Add(ttl), nil
}
