package sessions

import (
	"errors"
	"fmt"

	"github.com/wolfman30/therapy-sessions/internal/idempotency"
)

var (
	// ErrSlotUnavailable is returned when the requested interval was taken by another booking.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrTransitionNotAllowed is returned for any status change outside the transition table.
	ErrTransitionNotAllowed = errors.New("transition not allowed")

	// ErrPaymentNotConfirmed blocks video access until the payment gate opens.
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")

	// ErrApprovalPending blocks payment or joining while a custom request awaits the therapist.
	ErrApprovalPending = errors.New("approval pending")

	// ErrSessionNotFound is returned when no session matches the id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidBooking is returned for malformed booking input.
	ErrInvalidBooking = errors.New("invalid booking request")

	// ErrForbidden is returned when the actor is not allowed to act on the session.
	ErrForbidden = errors.New("forbidden")

	// ErrNoteNotAllowed is returned when a note type does not fit the session status.
	ErrNoteNotAllowed = errors.New("note not allowed")

	// ErrVersionConflict signals a lost compare-and-set; the engine re-reads and retries.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrTherapistNotFound is returned when the calendar has no rate for the therapist.
	ErrTherapistNotFound = errors.New("therapist not found")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From   Status
	Event  Event
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transition not allowed: %s from %s: %s", e.Event, e.From, e.Reason)
	}
	return fmt.Sprintf("transition not allowed: %s from %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrTransitionNotAllowed
}

func notAllowed(from Status, event Event, reason string) error {
	return &TransitionError{From: from, Event: event, Reason: reason}
}

// Error kinds are the stable wire names of the taxonomy.
const (
	KindSlotUnavailable      = "slot_unavailable"
	KindTransitionNotAllowed = "transition_not_allowed"
	KindPaymentNotConfirmed  = "payment_not_confirmed"
	KindApprovalPending      = "approval_pending"
	KindNotFound             = "not_found"
	KindInvalidRequest       = "invalid_request"
	KindForbidden            = "forbidden"
	KindNoteNotAllowed       = "note_not_allowed"
	KindRequestInFlight      = "request_in_flight"
	KindRequestKeyReused     = "request_key_reused"
	KindInternal             = "internal"
)

// ErrorKind maps an engine error to its wire name.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSlotUnavailable):
		return KindSlotUnavailable
	case errors.Is(err, ErrApprovalPending):
		return KindApprovalPending
	case errors.Is(err, ErrPaymentNotConfirmed):
		return KindPaymentNotConfirmed
	case errors.Is(err, ErrTransitionNotAllowed):
		return KindTransitionNotAllowed
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrTherapistNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidBooking):
		return KindInvalidRequest
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNoteNotAllowed):
		return KindNoteNotAllowed
	case errors.Is(err, idempotency.ErrInFlight):
		return KindRequestInFlight
	case errors.Is(err, idempotency.ErrKeyReused):
		return KindRequestKeyReused
	default:
		return KindInternal
	}
}

// ErrorForKind is the inverse of ErrorKind for clients decoding a response.
func ErrorForKind(kind string) error {
	switch kind {
	case KindSlotUnavailable:
		return ErrSlotUnavailable
	case KindTransitionNotAllowed:
		return ErrTransitionNotAllowed
	case KindPaymentNotConfirmed:
		return ErrPaymentNotConfirmed
	case KindApprovalPending:
		return ErrApprovalPending
	case KindNotFound:
		return ErrSessionNotFound
	case KindInvalidRequest:
		return ErrInvalidBooking
	case KindForbidden:
		return ErrForbidden
	case KindNoteNotAllowed:
		return ErrNoteNotAllowed
	case KindRequestInFlight:
		return idempotency.ErrInFlight
	case KindRequestKeyReused:
		return idempotency.ErrKeyReused
	default:
		return nil
	}
}
