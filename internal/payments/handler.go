package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

type sessionReader interface {
	Get(ctx context.Context, actor sessions.Actor, id uuid.UUID) (*sessions.Session, error)
}

// CheckoutHandler starts or resumes payment for a session.
type CheckoutHandler struct {
	sessions sessionReader
	payments Store
	provider Provider
	velocity *VelocityChecker
	logger   *logging.Logger
}

type checkoutRequest struct {
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

type checkoutResponse struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	SessionID   uuid.UUID `json:"session_id"`
	CheckoutURL string    `json:"checkout_url"`
	Provider    string    `json:"provider"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Reused      bool      `json:"reused"`
}

func NewCheckoutHandler(reader sessionReader, payments Store, provider Provider, logger *logging.Logger) *CheckoutHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CheckoutHandler{
		sessions: reader,
		payments: payments,
		provider: provider,
		logger:   logger,
	}
}

// WithVelocity caps how often a client may open new checkouts.
func (h *CheckoutHandler) WithVelocity(v *VelocityChecker) *CheckoutHandler {
	h.velocity = v
	return h
}

// RegisterRoutes mounts checkout endpoints next to the session routes.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions/{sessionID}/checkout", h.CreateCheckout)
	r.Get("/sessions/{sessionID}/payment", h.GetPayment)
}

func (h *CheckoutHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	actor, sess, ok := h.load(w, r)
	if !ok {
		return
	}
	if actor.Role != sessions.RoleClient {
		sessions.WriteError(w, sessions.ErrForbidden, "only the client pays for a session")
		return
	}
	switch {
	case sess.Status == sessions.StatusPendingApproval:
		sessions.WriteError(w, sessions.ErrApprovalPending, "")
		return
	case sess.Status != sessions.StatusPendingPayment:
		sessions.WriteError(w, &sessions.TransitionError{
			From:   sess.Status,
			Event:  sessions.EventConfirmPayment,
			Reason: "session is not awaiting payment",
		}, "")
		return
	}

	var req checkoutRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			sessions.WriteError(w, sessions.ErrInvalidBooking, "invalid payload")
			return
		}
	}

	payment, err := h.payments.EnsureForSession(r.Context(), Payment{
		SessionID:   sess.ID,
		ClientID:    sess.ClientID,
		Provider:    h.provider.Name(),
		AmountCents: sess.PriceCents,
		Currency:    sess.Currency,
	})
	if err != nil {
		h.logger.Error("failed to persist payment", "error", err, "session_id", sess.ID)
		http.Error(w, "failed to create payment", http.StatusInternalServerError)
		return
	}

	resp := checkoutResponse{
		PaymentID:   payment.ID,
		SessionID:   sess.ID,
		CheckoutURL: payment.CheckoutURL,
		Provider:    payment.Provider,
		AmountCents: payment.AmountCents,
		Currency:    payment.Currency,
	}
	if payment.Status == StatusPending && payment.CheckoutURL != "" {
		resp.Reused = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if h.velocity != nil {
		if res := h.velocity.CheckCheckout(r.Context(), sess.ClientID); !res.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(res.WindowExpiry).Seconds())+1))
			http.Error(w, "too many checkout attempts", http.StatusTooManyRequests)
			return
		}
	}

	link, err := h.provider.CreatePaymentLink(r.Context(), CheckoutParams{
		PaymentID:   payment.ID,
		SessionID:   sess.ID,
		ClientID:    sess.ClientID,
		AmountCents: payment.AmountCents,
		Currency:    payment.Currency,
		Description: "Therapy session " + sess.StartTime.Format("2006-01-02 15:04 MST"),
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		h.logger.Error("checkout creation failed", "error", err, "session_id", sess.ID)
		http.Error(w, "failed to create checkout session", http.StatusBadGateway)
		return
	}
	if err := h.payments.SetCheckout(r.Context(), payment.ID, link.ProviderID, link.URL); err != nil {
		h.logger.Error("failed to store checkout reference", "error", err, "payment_id", payment.ID)
		http.Error(w, "failed to create payment", http.StatusInternalServerError)
		return
	}

	resp.CheckoutURL = link.URL
	h.logger.Info("session checkout created", "session_id", sess.ID, "payment_id", payment.ID, "retry", payment.FailureCount > 0)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *CheckoutHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := h.load(w, r)
	if !ok {
		return
	}
	payment, err := h.payments.GetBySessionID(r.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "kind": sessions.KindNotFound})
			return
		}
		h.logger.Error("payment lookup failed", "error", err, "session_id", sess.ID)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *CheckoutHandler) load(w http.ResponseWriter, r *http.Request) (sessions.Actor, *sessions.Session, bool) {
	actor, ok := sessions.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return sessions.Actor{}, nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		sessions.WriteError(w, sessions.ErrSessionNotFound, "invalid session id")
		return actor, nil, false
	}
	sess, err := h.sessions.Get(r.Context(), actor, id)
	if err != nil {
		sessions.WriteError(w, err, "")
		return actor, nil, false
	}
	return actor, sess, true
}
