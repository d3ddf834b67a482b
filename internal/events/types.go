package events

import "time"

// Event types written to the outbox.
const (
	TypeSessionBooked        = "session.booked.v1"
	TypeSessionStatusChanged = "session.status_changed.v1"
	TypeSessionRefunded      = "session.refunded.v1"
	TypeSessionUpdated       = "session.updated.v1"
	TypePaymentFailed        = "payment.failed.v1"
	TypeRefundRequested      = "payment.refund_requested.v1"
)

// SessionChangedV1 is the payload for every session.* event.
type SessionChangedV1 struct {
	EventID                 string    `json:"event_id"`
	SessionID               string    `json:"session_id"`
	ClientID                string    `json:"client_id"`
	TherapistID             string    `json:"therapist_id"`
	Kind                    string    `json:"kind"`
	Event                   string    `json:"event,omitempty"`
	FromStatus              string    `json:"from_status,omitempty"`
	ToStatus                string    `json:"to_status"`
	Version                 int64     `json:"version"`
	ActorID                 string    `json:"actor_id,omitempty"`
	ActorRole               string    `json:"actor_role"`
	StartTime               time.Time `json:"start_time"`
	EndTime                 time.Time `json:"end_time"`
	PriceCents              int64     `json:"price_cents"`
	Currency                string    `json:"currency"`
	PaymentConfirmed        bool      `json:"payment_confirmed"`
	IsCustomRequest         bool      `json:"is_custom_request"`
	CancellationFeeEligible bool      `json:"cancellation_fee_eligible"`
	NoteType                string    `json:"note_type,omitempty"`
	OccurredAt              time.Time `json:"occurred_at"`
}

type PaymentFailedV1 struct {
	EventID       string    `json:"event_id"`
	SessionID     string    `json:"session_id"`
	Provider      string    `json:"provider"`
	ProviderRef   string    `json:"provider_ref"`
	AmountCents   int64     `json:"amount_cents"`
	FailureStatus string    `json:"failure_status,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RefundRequestedV1 asks the payment subsystem to return funds that arrived
// for a session that can no longer be scheduled.
type RefundRequestedV1 struct {
	EventID     string    `json:"event_id"`
	SessionID   string    `json:"session_id"`
	PaymentID   string    `json:"payment_id,omitempty"`
	Provider    string    `json:"provider"`
	ProviderRef string    `json:"provider_ref"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}
