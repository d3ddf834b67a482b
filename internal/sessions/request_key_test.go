package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/therapy-sessions/internal/idempotency"
)

// lossyKeys drops every completed record, as if Redis failed right after the
// session was committed.
type lossyKeys struct {
	idempotency.Store
}

func (l lossyKeys) Complete(context.Context, string, string, string) error {
	return errors.New("redis: connection reset")
}

func redisKeyFixture(t *testing.T) (*fixture, *miniredis.Miniredis) {
	t.Helper()
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.svc.WithIdempotency(lossyKeys{Store: idempotency.NewRedisStore(client, time.Hour)})
	return f, mr
}

func TestRequestKeySurvivesLostCompletion_Custom(t *testing.T) {
	f, mr := redisKeyFixture(t)
	ctx := context.Background()
	req := CustomBookingRequest{
		TherapistID: f.therapist.ID, StartTime: f.at(19, 0), DurationMinutes: 90,
		SessionType: SessionTypeVideo, RequestKey: "intent-x",
	}

	first, err := f.svc.CreateCustomBooking(ctx, f.client, req)
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)
	second, err := f.svc.CreateCustomBooking(ctx, f.client, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := f.svc.List(ctx, f.client, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRequestKeySurvivesLostCompletion_Standard(t *testing.T) {
	f, mr := redisKeyFixture(t)
	ctx := context.Background()
	req := StandardBookingRequest{
		TherapistID: f.therapist.ID, StartTime: f.at(10, 0), EndTime: f.at(11, 0),
		SessionType: SessionTypeVideo, RequestKey: "intent-y",
	}

	first, err := f.svc.CreateStandardBooking(ctx, f.client, req)
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)
	second, err := f.svc.CreateStandardBooking(ctx, f.client, req)
	require.NoError(t, err, "the owner's own hold must not make the retry lose the slot")
	assert.Equal(t, first.ID, second.ID)

	req.StartTime, req.EndTime = f.at(14, 0), f.at(15, 0)
	mr.FastForward(31 * time.Second)
	_, err = f.svc.CreateStandardBooking(ctx, f.client, req)
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)
}

func TestRequestKeyStoreOutageFallsBackToSessions(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	f.svc.WithIdempotency(idempotency.NewRedisStore(client, time.Hour))
	mr.Close()

	ctx := context.Background()
	req := CustomBookingRequest{
		TherapistID: f.therapist.ID, StartTime: f.at(19, 0), DurationMinutes: 60,
		SessionType: SessionTypeText, RequestKey: "intent-z",
	}
	first, err := f.svc.CreateCustomBooking(ctx, f.client, req)
	require.NoError(t, err)
	second, err := f.svc.CreateCustomBooking(ctx, f.client, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestRequestKeyIsScopedToClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CustomBookingRequest{
		TherapistID: f.therapist.ID, StartTime: f.at(19, 0), DurationMinutes: 60,
		SessionType: SessionTypeVideo, RequestKey: "shared",
	}
	a, err := f.svc.CreateCustomBooking(ctx, f.client, req)
	require.NoError(t, err)
	b, err := f.svc.CreateCustomBooking(ctx, Actor{ID: uuid.New(), Role: RoleClient}, req)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestMemoryStore_RequestKeyUnique(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first := sampleSession()
	first.RequestKey = "k1"
	require.NoError(t, store.Create(ctx, Write{Session: first, Now: first.CreatedAt}))

	dup := sampleSession()
	dup.ClientID = first.ClientID
	dup.RequestKey = "k1"
	assert.ErrorIs(t, store.Create(ctx, Write{Session: dup, Now: dup.CreatedAt}), errRequestKeyTaken)

	found, err := store.FindByRequestKey(ctx, first.ClientID, "k1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = store.FindByRequestKey(ctx, uuid.New(), "k1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
