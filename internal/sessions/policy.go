package sessions

import (
	"fmt"
	"time"
)

// Policy holds the time windows that govern access, fees and slot holds.
// All methods are pure functions of their arguments.
type Policy struct {
	JoinLeadTime          time.Duration
	JoinGracePeriod       time.Duration
	CancellationFeeWindow time.Duration
	PaymentHoldTTL        time.Duration
}

// DefaultPolicy returns the production windows.
func DefaultPolicy() Policy {
	return Policy{
		JoinLeadTime:          15 * time.Minute,
		JoinGracePeriod:       120 * time.Minute,
		CancellationFeeWindow: 24 * time.Hour,
		PaymentHoldTTL:        30 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.JoinLeadTime <= 0 {
		p.JoinLeadTime = d.JoinLeadTime
	}
	if p.JoinGracePeriod <= 0 {
		p.JoinGracePeriod = d.JoinGracePeriod
	}
	if p.CancellationFeeWindow <= 0 {
		p.CancellationFeeWindow = d.CancellationFeeWindow
	}
	if p.PaymentHoldTTL <= 0 {
		p.PaymentHoldTTL = d.PaymentHoldTTL
	}
	return p
}

// JoinWindow returns the closed interval during which video entry is permitted.
func (p Policy) JoinWindow(s *Session) (opens, closes time.Time) {
	return s.StartTime.Add(-p.JoinLeadTime), s.StartTime.Add(p.JoinGracePeriod)
}

// IsVideoJoinable is true for an in-progress session, or a paid scheduled
// session inside the join window. Unpaid sessions are never joinable.
func (p Policy) IsVideoJoinable(s *Session, now time.Time) bool {
	if s == nil || !s.PaymentConfirmed {
		return false
	}
	switch s.Status {
	case StatusInProgress:
		return true
	case StatusScheduled:
		opens, closes := p.JoinWindow(s)
		return !now.Before(opens) && !now.After(closes)
	default:
		return false
	}
}

// IsChatJoinable opens messaging as soon as the session is scheduled, earlier
// than video, when payment is confirmed or a conversation already exists.
func (p Policy) IsChatJoinable(s *Session, now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Status != StatusScheduled && s.Status != StatusInProgress {
		return false
	}
	return s.PaymentConfirmed || s.ConversationID != ""
}

// Access is the pair of join predicates evaluated at one instant.
type Access struct {
	VideoJoinable bool      `json:"video_joinable"`
	ChatJoinable  bool      `json:"chat_joinable"`
	JoinOpensAt   time.Time `json:"join_opens_at"`
	JoinClosesAt  time.Time `json:"join_closes_at"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// Access evaluates both predicates for the UI.
func (p Policy) Access(s *Session, now time.Time) Access {
	opens, closes := p.JoinWindow(s)
	return Access{
		VideoJoinable: p.IsVideoJoinable(s, now),
		ChatJoinable:  p.IsChatJoinable(s, now),
		JoinOpensAt:   opens,
		JoinClosesAt:  closes,
		EvaluatedAt:   now,
	}
}

// CheckVideoJoin explains why a join attempt is refused, or returns nil.
func (p Policy) CheckVideoJoin(s *Session, now time.Time) error {
	switch s.Status {
	case StatusPendingApproval:
		return ErrApprovalPending
	case StatusPendingPayment:
		return ErrPaymentNotConfirmed
	case StatusScheduled, StatusInProgress:
		if !s.PaymentConfirmed {
			return ErrPaymentNotConfirmed
		}
		if s.Status == StatusInProgress {
			return nil
		}
		opens, closes := p.JoinWindow(s)
		if now.Before(opens) {
			return notAllowed(s.Status, EventJoin, fmt.Sprintf("join window opens at %s", opens.UTC().Format(time.RFC3339)))
		}
		if now.After(closes) {
			return notAllowed(s.Status, EventJoin, "join window closed")
		}
		return nil
	default:
		return notAllowed(s.Status, EventJoin, "session is final")
	}
}

// CancellationDecision is the outcome of evaluating a cancellation.
type CancellationDecision struct {
	Allowed     bool `json:"allowed"`
	FeeEligible bool `json:"fee_eligible"`
}

// EvaluateCancellation allows cancelling any non-terminal session. A fee
// applies only once payment was taken (scheduled or later) and the session
// starts within the fee window.
func (p Policy) EvaluateCancellation(s *Session, now time.Time) CancellationDecision {
	if s == nil || !Allowed(s.Status, EventCancel) {
		return CancellationDecision{}
	}
	decision := CancellationDecision{Allowed: true}
	switch s.Status {
	case StatusScheduled, StatusInProgress:
		decision.FeeEligible = !now.Before(s.StartTime.Add(-p.CancellationFeeWindow))
	}
	return decision
}

// HoldExpiry is when an unpaid reservation stops blocking the interval.
func (p Policy) HoldExpiry(from time.Time) time.Time {
	return from.Add(p.PaymentHoldTTL)
}

// HoldExpired reports whether an unpaid reservation should be released.
func (p Policy) HoldExpired(s *Session, now time.Time) bool {
	return s.Status == StatusPendingPayment && s.HoldExpiresAt != nil && !now.Before(*s.HoldExpiresAt)
}
