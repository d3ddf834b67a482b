package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/wolfman30/therapy-sessions/internal/api/router"
	"github.com/wolfman30/therapy-sessions/internal/app/bootstrap"
	appconfig "github.com/wolfman30/therapy-sessions/internal/config"
	httpmiddleware "github.com/wolfman30/therapy-sessions/internal/http/middleware"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

func TestSetupMetricsExposesSessionMetrics(t *testing.T) {
	handler, sessionMetrics := setupMetrics()
	if handler == nil || sessionMetrics == nil {
		t.Fatalf("expected non-nil handler and metrics")
	}

	sessionMetrics.ObserveBooking("standard", "created")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "therapy_sessions_bookings_total") {
		t.Fatalf("expected bookings counter to be exported")
	}
}

func TestBuildRouterConfigDevDefaults(t *testing.T) {
	logger := logging.New("error")
	cfg := &appconfig.Config{
		Env:               "development",
		AllowFakePayments: true,
		AuthJWTSecret:     "secret",
		IdempotencyTTL:    time.Hour,
	}
	engine, err := bootstrap.BuildEngine(cfg, nil, nil, nil, logger)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	metricsHandler, sessionMetrics := setupMetrics()

	routerCfg := buildRouterConfig(cfg, engine, nil, nil, nil, metricsHandler, sessionMetrics, httpmiddleware.NewRateLimiter(10, 20), logger)
	if routerCfg.Checkout == nil || routerCfg.FakePayments == nil {
		t.Fatalf("expected checkout and fake payments in development")
	}
	if routerCfg.StripeWebhook == nil {
		t.Fatalf("expected stripe webhook outside production")
	}
	if routerCfg.Reports != nil {
		t.Fatalf("expected no reports without a database")
	}
	if len(routerCfg.HealthChecks) != 0 {
		t.Fatalf("expected no health checks, got %d", len(routerCfg.HealthChecks))
	}

	rr := httptest.NewRecorder()
	router.New(routerCfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected healthy router, got %d", rr.Code)
	}
}

func TestBuildRouterConfigProductionWithoutSecrets(t *testing.T) {
	logger := logging.New("error")
	cfg := &appconfig.Config{Env: "production", AllowFakePayments: true}
	engine, err := bootstrap.BuildEngine(cfg, nil, nil, nil, logger)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	routerCfg := buildRouterConfig(cfg, engine, nil, nil, nil, nil, nil, nil, logger)
	if routerCfg.Checkout != nil || routerCfg.FakePayments != nil || routerCfg.StripeWebhook != nil {
		t.Fatalf("expected payment routes disabled in production without stripe config")
	}
}

func TestBuildRouterConfigRedisHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logging.New("error")
	cfg := &appconfig.Config{RedisAddr: mr.Addr(), IdempotencyTTL: time.Hour}
	client := bootstrap.BuildRedisClient(context.Background(), cfg, logger, true)
	if client == nil {
		t.Fatalf("expected redis client")
	}
	defer client.Close()
	engine, err := bootstrap.BuildEngine(cfg, nil, client, nil, logger)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	routerCfg := buildRouterConfig(cfg, engine, nil, nil, client, nil, nil, nil, logger)
	check, ok := routerCfg.HealthChecks["redis"]
	if !ok {
		t.Fatalf("expected redis health check")
	}
	if err := check(context.Background()); err != nil {
		t.Fatalf("expected redis healthy: %v", err)
	}
	mr.Close()
	if err := check(context.Background()); err == nil {
		t.Fatalf("expected redis check to fail after close")
	}
}
