package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/internal/events"
	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// Gate is the session engine's payment input.
type Gate interface {
	ConfirmPayment(ctx context.Context, id uuid.UUID, reference string) (*sessions.Session, error)
	RecordPaymentFailure(ctx context.Context, id uuid.UUID, reason string) (*sessions.Session, error)
	ApplyRefund(ctx context.Context, id uuid.UUID, reason string) (*sessions.Session, error)
}

type outboxWriter interface {
	Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error)
}

type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// Settlement outcomes, also used as metric labels.
const (
	OutcomeConfirmed       = "confirmed"
	OutcomeFailed          = "failed"
	OutcomeRefunded        = "refunded"
	OutcomeRefundRequested = "refund_requested"
	OutcomeUnknownSession  = "unknown_session"
)

// Settler applies processor outcomes to the payment record and the session.
type Settler struct {
	payments Store
	gate     Gate
	provider Provider
	outbox   outboxWriter
	velocity *VelocityChecker
	logger   *logging.Logger
	now      func() time.Time
}

func NewSettler(payments Store, gate Gate, provider Provider, outbox outboxWriter, logger *logging.Logger) *Settler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Settler{
		payments: payments,
		gate:     gate,
		provider: provider,
		outbox:   outbox,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithVelocity stops repeated provider refunds for the same session.
func (s *Settler) WithVelocity(v *VelocityChecker) *Settler {
	s.velocity = v
	return s
}

// Succeeded confirms the session. When the session can no longer be scheduled
// the funds are sent back instead.
func (s *Settler) Succeeded(ctx context.Context, sessionID uuid.UUID, providerRef string, amountCents int64) (string, error) {
	if _, err := s.payments.UpdateStatus(ctx, sessionID, StatusSucceeded, providerRef); err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return "", err
	}

	_, err := s.gate.ConfirmPayment(ctx, sessionID, providerRef)
	switch {
	case err == nil:
		return OutcomeConfirmed, nil
	case errors.Is(err, sessions.ErrSessionNotFound):
		s.logger.Warn("payment for unknown session", "session_id", sessionID, "provider_ref", providerRef)
		return OutcomeUnknownSession, nil
	case errors.Is(err, sessions.ErrSlotUnavailable),
		errors.Is(err, sessions.ErrTransitionNotAllowed),
		errors.Is(err, sessions.ErrApprovalPending):
		reason := sessions.ErrorKind(err)
		s.logger.Warn("payment arrived for unschedulable session", "session_id", sessionID, "reason", reason)
		return OutcomeRefundRequested, s.requestRefund(ctx, sessionID, providerRef, amountCents, reason)
	default:
		return "", fmt.Errorf("payments: confirm session: %w", err)
	}
}

// Failed records a declined payment. The session stays awaiting payment.
func (s *Settler) Failed(ctx context.Context, sessionID uuid.UUID, providerRef string, amountCents int64, reason string) (string, error) {
	if _, err := s.payments.UpdateStatus(ctx, sessionID, StatusFailed, providerRef); err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return "", err
	}
	if _, err := s.gate.RecordPaymentFailure(ctx, sessionID, reason); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return OutcomeUnknownSession, nil
		}
		return "", fmt.Errorf("payments: record failure: %w", err)
	}
	if s.outbox != nil {
		evt := events.PaymentFailedV1{
			EventID:       uuid.NewString(),
			SessionID:     sessionID.String(),
			Provider:      s.providerName(),
			ProviderRef:   providerRef,
			AmountCents:   amountCents,
			FailureStatus: reason,
			OccurredAt:    s.now(),
		}
		if _, err := s.outbox.Insert(ctx, sessionID.String(), events.TypePaymentFailed, evt); err != nil {
			return "", err
		}
	}
	return OutcomeFailed, nil
}

// Refunded clears the payment flag on the session.
func (s *Settler) Refunded(ctx context.Context, sessionID uuid.UUID, providerRef string) (string, error) {
	if _, err := s.payments.UpdateStatus(ctx, sessionID, StatusRefunded, providerRef); err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return "", err
	}
	if _, err := s.gate.ApplyRefund(ctx, sessionID, "payment refunded"); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return OutcomeUnknownSession, nil
		}
		return "", fmt.Errorf("payments: apply refund: %w", err)
	}
	return OutcomeRefunded, nil
}

func (s *Settler) requestRefund(ctx context.Context, sessionID uuid.UUID, providerRef string, amountCents int64, reason string) error {
	payment, err := s.payments.UpdateStatus(ctx, sessionID, StatusRefundRequested, "")
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return err
	}
	evt := events.RefundRequestedV1{
		EventID:     uuid.NewString(),
		SessionID:   sessionID.String(),
		Provider:    s.providerName(),
		ProviderRef: providerRef,
		AmountCents: amountCents,
		Reason:      reason,
		RequestedAt: s.now(),
	}
	if payment != nil {
		evt.PaymentID = payment.ID.String()
		if evt.AmountCents == 0 {
			evt.AmountCents = payment.AmountCents
		}
	}

	if s.provider != nil && s.velocity.CheckRefund(ctx, sessionID).Allowed {
		refund, err := s.provider.RequestRefund(ctx, RefundParams{
			SessionID:   sessionID,
			ProviderRef: providerRef,
			AmountCents: evt.AmountCents,
			Reason:      reason,
		})
		if err != nil {
			// The outbox event below lets an operator retry.
			s.logger.Error("refund request failed", "error", err, "session_id", sessionID)
		} else {
			s.logger.Info("refund requested", "session_id", sessionID, "refund_id", refund.RefundID)
		}
	}
	if s.outbox != nil {
		if _, err := s.outbox.Insert(ctx, sessionID.String(), events.TypeRefundRequested, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Settler) providerName() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.Name()
}
