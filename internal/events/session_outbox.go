package events

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

// SessionOutbox turns committed session changes into outbox rows written in
// the same transaction as the change.
type SessionOutbox struct {
	store *OutboxStore
}

func NewSessionOutbox(store *OutboxStore) *SessionOutbox {
	return &SessionOutbox{store: store}
}

// RecordTx implements sessions.TxRecorder.
func (o *SessionOutbox) RecordTx(ctx context.Context, tx pgx.Tx, c sessions.Change) error {
	if c.Session == nil {
		return nil
	}
	_, err := o.store.InsertTx(ctx, tx, c.Session.ID.String(), TypeForChange(c.Kind), SessionChangedPayload(c))
	return err
}

// TypeForChange maps a change kind to its outbox event type.
func TypeForChange(kind sessions.ChangeKind) string {
	switch kind {
	case sessions.ChangeBooked:
		return TypeSessionBooked
	case sessions.ChangeStatusChanged:
		return TypeSessionStatusChanged
	case sessions.ChangeRefunded:
		return TypeSessionRefunded
	default:
		return TypeSessionUpdated
	}
}

// SessionChangedPayload builds the wire payload for a change.
func SessionChangedPayload(c sessions.Change) SessionChangedV1 {
	s := c.Session
	evt := SessionChangedV1{
		EventID:                 uuid.NewString(),
		SessionID:               s.ID.String(),
		ClientID:                s.ClientID.String(),
		TherapistID:             s.TherapistID.String(),
		Kind:                    string(c.Kind),
		Event:                   string(c.Event),
		FromStatus:              string(c.From),
		ToStatus:                string(s.Status),
		Version:                 s.Version,
		ActorRole:               string(c.Actor.Role),
		StartTime:               s.StartTime,
		EndTime:                 s.EndTime,
		PriceCents:              s.PriceCents,
		Currency:                s.Currency,
		PaymentConfirmed:        s.PaymentConfirmed,
		IsCustomRequest:         s.IsCustomRequest,
		CancellationFeeEligible: s.CancellationFeeEligible,
		OccurredAt:              c.At,
	}
	if c.Actor.ID != uuid.Nil {
		evt.ActorID = c.Actor.ID.String()
	}
	if c.Note != nil {
		evt.NoteType = string(c.Note.Type)
	}
	return evt
}
