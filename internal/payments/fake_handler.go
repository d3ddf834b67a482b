package payments

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// FakePaymentsHandler exposes a tiny page to "complete" a session payment
// without a processor. Only mount this handler when ALLOW_FAKE_PAYMENTS=true.
type FakePaymentsHandler struct {
	payments  Store
	settler   *Settler
	processed processedTracker
	logger    *logging.Logger
}

func NewFakePaymentsHandler(payments Store, settler *Settler, processed processedTracker, logger *logging.Logger) *FakePaymentsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakePaymentsHandler{
		payments:  payments,
		settler:   settler,
		processed: processed,
		logger:    logger,
	}
}

func (h *FakePaymentsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{paymentID}", h.HandleCheckout)
	r.Post("/{paymentID}/complete", h.HandleComplete)
	r.Post("/{paymentID}/fail", h.HandleFail)
	return r
}

var fakeCheckoutPage = template.Must(template.New("checkout").Parse(`<!doctype html>
<html>
  <head><meta charset="utf-8" /><title>Session Checkout</title></head>
  <body>
    <h1>Session Checkout</h1>
    <p><strong>Amount:</strong> {{.Amount}} {{.Currency}}</p>
    <p>Status: {{.Status}}</p>
    <form method="POST" action="{{.Base}}/complete"><button type="submit">Pay</button></form>
    <form method="POST" action="{{.Base}}/fail"><button type="submit">Decline</button></form>
    <p>Payment ID: <code>{{.ID}}</code></p>
  </body>
</html>`))

func (h *FakePaymentsHandler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := parseUUIDParam(w, r, "paymentID")
	if !ok {
		return
	}
	p, err := h.payments.GetByID(r.Context(), paymentID)
	if err != nil {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = fakeCheckoutPage.Execute(w, map[string]any{
		"Amount":   fmt.Sprintf("%.2f", float64(p.AmountCents)/100),
		"Currency": strings.ToUpper(p.Currency),
		"Status":   p.Status,
		"Base":     "/payments/fake/" + p.ID.String(),
		"ID":       p.ID.String(),
	})
}

func (h *FakePaymentsHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "fake.payment_succeeded", func(ctx context.Context, p *Payment, ref string) (string, error) {
		return h.settler.Succeeded(ctx, p.SessionID, ref, p.AmountCents)
	})
}

func (h *FakePaymentsHandler) HandleFail(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "fake.payment_failed", func(ctx context.Context, p *Payment, ref string) (string, error) {
		return h.settler.Failed(ctx, p.SessionID, ref, p.AmountCents, "card_declined")
	})
}

func (h *FakePaymentsHandler) settle(w http.ResponseWriter, r *http.Request, kind string, apply func(context.Context, *Payment, string) (string, error)) {
	paymentID, ok := parseUUIDParam(w, r, "paymentID")
	if !ok {
		return
	}
	ctx := r.Context()
	p, err := h.payments.GetByID(ctx, paymentID)
	if err != nil {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}

	// Each click is its own attempt; only a repeated success is deduplicated.
	key := "fake:" + paymentID.String()
	if kind == "fake.payment_succeeded" && h.processed != nil {
		if already, err := h.processed.AlreadyProcessed(ctx, kind, key); err == nil && already {
			writeJSON(w, http.StatusOK, map[string]string{"outcome": "duplicate", "payment_id": paymentID.String()})
			return
		}
	}

	ref := strings.TrimSpace(p.ProviderRef)
	if ref == "" {
		ref = key
	}
	outcome, err := apply(ctx, p, ref)
	if err != nil {
		h.logger.Error("fake payment settlement failed", "error", err, "payment_id", paymentID)
		http.Error(w, "failed to settle payment", http.StatusInternalServerError)
		return
	}
	if kind == "fake.payment_succeeded" && h.processed != nil {
		if _, err := h.processed.MarkProcessed(ctx, kind, key); err != nil {
			h.logger.Warn("failed to record processed fake payment", "error", err, "payment_id", paymentID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome, "payment_id": paymentID.String(), "session_id": p.SessionID.String()})
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	if raw == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return parsed, true
}
