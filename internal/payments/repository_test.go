package payments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paymentColumnNames = []string{
	"id", "session_id", "client_id", "provider", "provider_ref", "checkout_url",
	"amount_cents", "currency", "status", "refunded", "failure_count", "created_at", "updated_at",
}

func paymentRow(p Payment) *pgxmock.Rows {
	return pgxmock.NewRows(paymentColumnNames).AddRow(
		p.ID, p.SessionID, p.ClientID, p.Provider, p.ProviderRef, p.CheckoutURL,
		p.AmountCents, p.Currency, p.Status, p.Refunded, p.FailureCount, p.CreatedAt, p.UpdatedAt,
	)
}

func newPaymentMock(t *testing.T) (pgxmock.PgxPoolIface, *Repository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewRepository(mock)
}

func samplePayment() Payment {
	now := time.Date(2024, 1, 9, 12, 0, 0, 0, time.UTC)
	return Payment{
		ID:          uuid.New(),
		SessionID:   uuid.New(),
		ClientID:    uuid.New(),
		Provider:    "stripe",
		AmountCents: 12000,
		Currency:    "usd",
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRepository_EnsureForSession(t *testing.T) {
	mock, repo := newPaymentMock(t)
	p := samplePayment()

	mock.ExpectQuery("INSERT INTO session_payments").
		WithArgs(p.ID, p.SessionID, p.ClientID, "stripe", int64(12000), "usd", StatusPending).
		WillReturnRows(paymentRow(p))

	got, err := repo.EnsureForSession(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SetCheckout(t *testing.T) {
	mock, repo := newPaymentMock(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE session_payments").
		WithArgs(id, "cs_1", "https://checkout.example.test/cs_1", StatusPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE session_payments").
		WithArgs(id, "cs_2", "https://checkout.example.test/cs_2", StatusPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.SetCheckout(context.Background(), id, "cs_1", "https://checkout.example.test/cs_1"))
	assert.ErrorIs(t, repo.SetCheckout(context.Background(), id, "cs_2", "https://checkout.example.test/cs_2"), ErrPaymentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetBySessionID(t *testing.T) {
	mock, repo := newPaymentMock(t)
	p := samplePayment()
	p.ProviderRef = "cs_1"

	mock.ExpectQuery("FROM session_payments WHERE session_id").
		WithArgs(p.SessionID).
		WillReturnRows(paymentRow(p))
	mock.ExpectQuery("FROM session_payments WHERE id").
		WithArgs(p.ID).
		WillReturnError(pgx.ErrNoRows)

	got, err := repo.GetBySessionID(context.Background(), p.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "cs_1", got.ProviderRef)

	_, err = repo.GetByID(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpdateStatus(t *testing.T) {
	mock, repo := newPaymentMock(t)
	p := samplePayment()
	p.Status = StatusFailed
	p.FailureCount = 1
	p.ProviderRef = "pi_1"

	mock.ExpectQuery("UPDATE session_payments SET").
		WithArgs(p.SessionID, StatusFailed, "pi_1").
		WillReturnRows(paymentRow(p))
	mock.ExpectQuery("UPDATE session_payments SET").
		WithArgs(p.SessionID, StatusRefunded, "").
		WillReturnError(pgx.ErrNoRows)

	got, err := repo.UpdateStatus(context.Background(), p.SessionID, StatusFailed, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)

	_, err = repo.UpdateStatus(context.Background(), p.SessionID, StatusRefunded, "")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRepository_PanicsWithoutPool(t *testing.T) {
	assert.Panics(t, func() { NewRepository(nil) })
}

func TestMemoryRepository_Lifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	sessionID := uuid.New()

	first, err := repo.EnsureForSession(ctx, Payment{SessionID: sessionID, AmountCents: 5000, Currency: "usd"})
	require.NoError(t, err)
	second, err := repo.EnsureForSession(ctx, Payment{SessionID: sessionID, AmountCents: 9999})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(5000), second.AmountCents)

	require.NoError(t, repo.SetCheckout(ctx, first.ID, "cs_1", "https://pay.example.test/1"))
	assert.ErrorIs(t, repo.SetCheckout(ctx, uuid.New(), "cs", "u"), ErrPaymentNotFound)

	_, err = repo.UpdateStatus(ctx, sessionID, StatusFailed, "")
	require.NoError(t, err)
	got, err := repo.UpdateStatus(ctx, sessionID, StatusRefunded, "pi_1")
	require.NoError(t, err)
	assert.True(t, got.Refunded)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, "pi_1", got.ProviderRef)
	assert.Equal(t, "https://pay.example.test/1", got.CheckoutURL)

	_, err = repo.UpdateStatus(ctx, uuid.New(), StatusFailed, "")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	_, err = repo.GetBySessionID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}
