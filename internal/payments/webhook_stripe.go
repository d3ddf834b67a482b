package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/therapy-sessions/internal/observability/metrics"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

const stripeSignatureTolerance = 5 * time.Minute

// Stripe event types consumed by the payment gate.
const (
	stripeCheckoutCompleted   = "checkout.session.completed"
	stripeAsyncPaymentFailed  = "checkout.session.async_payment_failed"
	stripePaymentIntentFailed = "payment_intent.payment_failed"
	stripeChargeRefunded      = "charge.refunded"
)

// StripeWebhookHandler feeds Stripe events into the session payment gate.
type StripeWebhookHandler struct {
	webhookSecret string
	settler       *Settler
	processed     processedTracker
	metrics       *metrics.SessionMetrics
	logger        *logging.Logger
	now           func() time.Time
}

// NewStripeWebhookHandler creates a new handler for Stripe webhooks.
func NewStripeWebhookHandler(webhookSecret string, settler *Settler, processed processedTracker, logger *logging.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		settler:       settler,
		processed:     processed,
		logger:        logger,
		now:           time.Now,
	}
}

func (h *StripeWebhookHandler) WithMetrics(m *metrics.SessionMetrics) *StripeWebhookHandler {
	h.metrics = m
	return h
}

// Handle processes incoming Stripe webhook events.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := stripeTracer.Start(r.Context(), "stripe.webhook")
	defer span.End()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !verifyStripeSignature(h.webhookSecret, payload, r.Header.Get("Stripe-Signature"), h.now()) {
		h.metrics.ObserveWebhook("unknown", "bad_signature")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt stripeWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("stripe.event_id", evt.ID), attribute.String("stripe.event_type", evt.Type))

	switch evt.Type {
	case stripeCheckoutCompleted, stripeAsyncPaymentFailed, stripePaymentIntentFailed, stripeChargeRefunded:
	default:
		h.metrics.ObserveWebhook(evt.Type, "ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	if processed, err := h.processed.AlreadyProcessed(ctx, "stripe", evt.ID); err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if processed {
		h.metrics.ObserveWebhook(evt.Type, "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	obj := evt.Data.Object
	sessionID, err := uuid.Parse(obj.Metadata["session_id"])
	if err != nil {
		// Acknowledge so Stripe stops retrying; nothing here can progress.
		h.logger.Warn("stripe webhook missing session metadata", "event_id", evt.ID, "type", evt.Type)
		h.metrics.ObserveWebhook(evt.Type, "missing_metadata")
		w.WriteHeader(http.StatusOK)
		return
	}
	span.SetAttributes(attribute.String("therapy.session_id", sessionID.String()))

	providerRef := obj.PaymentIntent
	if providerRef == "" {
		providerRef = obj.ID
	}

	var outcome string
	switch evt.Type {
	case stripeCheckoutCompleted:
		outcome, err = h.settler.Succeeded(ctx, sessionID, providerRef, obj.AmountTotal)
	case stripeChargeRefunded:
		outcome, err = h.settler.Refunded(ctx, sessionID, providerRef)
	default:
		reason := obj.failureReason()
		outcome, err = h.settler.Failed(ctx, sessionID, providerRef, obj.AmountTotal, reason)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("stripe webhook processing failed", "error", err, "event_id", evt.ID, "session_id", sessionID)
		h.metrics.ObserveWebhook(evt.Type, "error")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	if _, err := h.processed.MarkProcessed(ctx, "stripe", evt.ID); err != nil {
		h.logger.Error("failed to record processed event", "error", err)
	}
	h.metrics.ObserveWebhook(evt.Type, outcome)
	h.logger.Info("stripe webhook applied", "event_id", evt.ID, "type", evt.Type, "session_id", sessionID, "outcome", outcome)
	w.WriteHeader(http.StatusOK)
}

// stripeWebhookEvent represents a Stripe webhook event envelope.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeObject `json:"object"`
	} `json:"data"`
}

// stripeObject covers the checkout.session, payment_intent and charge fields we read.
type stripeObject struct {
	ID               string            `json:"id"`
	PaymentIntent    string            `json:"payment_intent"`
	AmountTotal      int64             `json:"amount_total"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	Status           string            `json:"status"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (o stripeObject) failureReason() string {
	if o.LastPaymentError != nil && o.LastPaymentError.Code != "" {
		return o.LastPaymentError.Code
	}
	if o.Status != "" {
		return o.Status
	}
	return "payment_failed"
}

// verifyStripeSignature checks the Stripe-Signature header
// (t=<timestamp>,v1=<signature>) against HMAC-SHA256(secret, "t.payload").
func verifyStripeSignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" {
		return true // bypass for development
	}
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > stripeSignatureTolerance || skew < -stripeSignatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}
