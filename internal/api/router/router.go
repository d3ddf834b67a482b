package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/wolfman30/therapy-sessions/internal/http/middleware"
	"github.com/wolfman30/therapy-sessions/internal/payments"
	"github.com/wolfman30/therapy-sessions/internal/realtime"
	"github.com/wolfman30/therapy-sessions/internal/reporting"
	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Sessions           *sessions.Handler
	Checkout           *payments.CheckoutHandler
	Stream             *realtime.StreamHandler
	Reports            *reporting.Handler
	StripeWebhook      *payments.StripeWebhookHandler
	FakePayments       *payments.FakePaymentsHandler
	MetricsHandler     http.Handler
	HealthChecks       map[string]HealthCheck
	AuthSecret         string
	AdminAuthSecret    string
	CORSAllowedOrigins []string
	RateLimiter        *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.StripeWebhook != nil {
			public.Post("/webhooks/stripe", cfg.StripeWebhook.Handle)
		}
		// DEV ONLY: hosted fake checkout, nil in production.
		if cfg.FakePayments != nil {
			public.Mount("/payments/fake", cfg.FakePayments.Routes())
		}
	})

	// Participant API. Session routes go first so the nested checkout and
	// stream paths are added to the same subtree.
	r.Route("/v1", func(api chi.Router) {
		api.Use(httpmiddleware.ActorJWT(cfg.AuthSecret, cfg.Logger))
		if cfg.RateLimiter != nil {
			api.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
		}
		if cfg.Sessions != nil {
			cfg.Sessions.RegisterRoutes(api)
		}
		if cfg.Checkout != nil {
			cfg.Checkout.RegisterRoutes(api)
		}
		if cfg.Stream != nil {
			cfg.Stream.RegisterRoutes(api)
		}
	})

	if cfg.AdminAuthSecret != "" && cfg.Reports != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			cfg.Reports.RegisterRoutes(admin)
		})
	}

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		resp := map[string]string{"status": "ok"}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				resp["status"] = "degraded"
				resp[name] = err.Error()
				continue
			}
			resp[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
