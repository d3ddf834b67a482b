package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/therapy-sessions/internal/observability/metrics"
)

func TestOutboxStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewOutboxStore(mock)

	mock.ExpectExec("INSERT INTO outbox").WithArgs(pgxmock.AnyArg(), "session-1", "event.v1", pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	_, err = store.Insert(context.Background(), "session-1", "event.v1", map[string]string{"foo": "bar"})
	require.NoError(t, err)

	now := time.Now().UTC()
	id := uuid.New()
	older := uuid.New()
	rows := pgxmock.NewRows([]string{"id", "aggregate_id", "type", "payload", "created_at"}).
		AddRow(id, "session-1", "event.v1", []byte(`{"foo":"bar"}`), now).
		AddRow(older, "session-1", "event.v1", []byte(`{}`), now.Add(-time.Second))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WithArgs(int32(10), float64(60)).WillReturnRows(rows)

	entries, err := store.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, older, entries[0].ID, "entries come back oldest first")
	assert.Equal(t, id, entries[1].ID)
	assert.JSONEq(t, `{"foo":"bar"}`, string(entries[1].Payload))

	mock.ExpectExec("UPDATE outbox").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := store.MarkDelivered(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStore_ClaimLeaseAndRelease(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewOutboxStore(mock).WithClaimTTL(30 * time.Second)
	mock.ExpectQuery("claimed_until = now\\(\\) \\+ make_interval").WithArgs(int32(5), float64(30)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "aggregate_id", "type", "payload", "created_at"}))
	entries, err := store.FetchPending(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)

	id := uuid.New()
	mock.ExpectExec("SET claimed_until = NULL").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.Release(context.Background(), id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStore_InsertTxUsesTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewOutboxStore(mock)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").WithArgs(pgxmock.AnyArg(), "s-1", TypeSessionBooked, pgxmock.AnyArg()).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	_, err = store.InsertTx(context.Background(), tx, "s-1", TypeSessionBooked, SessionChangedV1{SessionID: "s-1"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakePending struct {
	entries   []OutboxEntry
	delivered []uuid.UUID
	released  []uuid.UUID
}

func (f *fakePending) Release(ctx context.Context, id uuid.UUID) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakePending) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	var out []OutboxEntry
	for _, e := range f.entries {
		if !f.isDelivered(e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakePending) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	if f.isDelivered(id) {
		return false, nil
	}
	f.delivered = append(f.delivered, id)
	return true, nil
}

func (f *fakePending) isDelivered(id uuid.UUID) bool {
	for _, d := range f.delivered {
		if d == id {
			return true
		}
	}
	return false
}

func TestDeliverer_RetriesFailedEntries(t *testing.T) {
	good := OutboxEntry{ID: uuid.New(), Type: TypeSessionBooked}
	bad := OutboxEntry{ID: uuid.New(), Type: TypeSessionStatusChanged}
	store := &fakePending{entries: []OutboxEntry{good, bad}}

	failing := true
	handler := DeliveryHandlerFunc(func(ctx context.Context, entry OutboxEntry) error {
		if entry.ID == bad.ID && failing {
			return errors.New("queue unavailable")
		}
		return nil
	})
	reg := prometheus.NewRegistry()
	m := metrics.NewSessionMetrics(reg)
	d := NewDeliverer(store, handler, nil).WithMetrics(m)

	assert.Equal(t, 1, d.Drain(context.Background()))
	assert.Equal(t, []uuid.UUID{good.ID}, store.delivered)
	assert.Equal(t, []uuid.UUID{bad.ID}, store.released)

	failing = false
	assert.Equal(t, 1, d.Drain(context.Background()))
	assert.Equal(t, []uuid.UUID{good.ID, bad.ID}, store.delivered)
	assert.Equal(t, 0, d.Drain(context.Background()))

	expected := `
# HELP therapy_events_outbox_deliveries_total Outbox delivery attempts
# TYPE therapy_events_outbox_deliveries_total counter
therapy_events_outbox_deliveries_total{status="delivered"} 2
therapy_events_outbox_deliveries_total{status="failed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "therapy_events_outbox_deliveries_total"))
}
