package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

func TestTypeForChange(t *testing.T) {
	assert.Equal(t, TypeSessionBooked, TypeForChange(sessions.ChangeBooked))
	assert.Equal(t, TypeSessionStatusChanged, TypeForChange(sessions.ChangeStatusChanged))
	assert.Equal(t, TypeSessionRefunded, TypeForChange(sessions.ChangeRefunded))
	assert.Equal(t, TypeSessionUpdated, TypeForChange(sessions.ChangeNoteAdded))
	assert.Equal(t, TypeSessionUpdated, TypeForChange(sessions.ChangeUpdated))
}

func TestSessionChangedPayload(t *testing.T) {
	start := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	sess := &sessions.Session{
		ID:                      uuid.New(),
		ClientID:                uuid.New(),
		TherapistID:             uuid.New(),
		StartTime:               start,
		EndTime:                 start.Add(time.Hour),
		Status:                  sessions.StatusCancelled,
		PriceCents:              12000,
		Currency:                "usd",
		PaymentConfirmed:        true,
		CancellationFeeEligible: true,
		Version:                 3,
	}
	actor := sessions.Actor{ID: sess.ClientID, Role: sessions.RoleClient}
	evt := SessionChangedPayload(sessions.Change{
		Kind:    sessions.ChangeStatusChanged,
		Event:   sessions.EventCancel,
		From:    sessions.StatusScheduled,
		Actor:   actor,
		Session: sess,
		At:      start.Add(-time.Hour),
	})

	assert.Equal(t, "scheduled", evt.FromStatus)
	assert.Equal(t, "cancelled", evt.ToStatus)
	assert.Equal(t, "cancel", evt.Event)
	assert.Equal(t, sess.ClientID.String(), evt.ActorID)
	assert.True(t, evt.CancellationFeeEligible)
	assert.Equal(t, int64(3), evt.Version)

	system := SessionChangedPayload(sessions.Change{Kind: sessions.ChangeStatusChanged, Actor: sessions.SystemActor, Session: sess})
	assert.Empty(t, system.ActorID)
	assert.Equal(t, "system", system.ActorRole)
}

func TestSessionOutbox_RecordTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sess := &sessions.Session{ID: uuid.New(), Status: sessions.StatusPendingPayment, Version: 1}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), sess.ID.String(), TypeSessionBooked, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	outbox := NewSessionOutbox(NewOutboxStore(mock))
	require.NoError(t, outbox.RecordTx(context.Background(), tx, sessions.Change{Kind: sessions.ChangeBooked, Session: sess}))
	require.NoError(t, outbox.RecordTx(context.Background(), tx, sessions.Change{Kind: sessions.ChangeBooked}))
	require.NoError(t, tx.Rollback(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	payload, err := json.Marshal(SessionChangedPayload(sessions.Change{Kind: sessions.ChangeBooked, Session: sess}))
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"to_status":"pending_payment"`)
}
