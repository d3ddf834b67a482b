package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

func testSession(version int64, status sessions.Status) *sessions.Session {
	start := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	return &sessions.Session{
		ID:          uuid.MustParse("7f0c1d7e-5b9a-4c61-9d0e-0d3f3c0f6a11"),
		ClientID:    uuid.New(),
		TherapistID: uuid.New(),
		StartTime:   start,
		EndTime:     start.Add(90 * time.Minute),
		SessionType: sessions.SessionTypeVideo,
		Status:      status,
		Version:     version,
	}
}

func receive(t *testing.T, sub *Subscription) map[string]any {
	t.Helper()
	select {
	case payload, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		var frame map[string]any
		require.NoError(t, json.Unmarshal(payload, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestHub_SessionChangedReachesSubscribers(t *testing.T) {
	hub := NewHub(nil)
	sess := testSession(3, sessions.StatusScheduled)
	client := hub.Subscribe(sess.ID, sess.ClientID)
	therapist := hub.Subscribe(sess.ID, sess.TherapistID)
	other := hub.Subscribe(uuid.New(), uuid.New())
	assert.Equal(t, 2, hub.Subscribers(sess.ID))

	hub.SessionChanged(context.Background(), sessions.Change{
		Kind:    sessions.ChangeStatusChanged,
		Event:   sessions.EventConfirmPayment,
		From:    sessions.StatusPendingPayment,
		Session: sess,
	})

	for _, sub := range []*Subscription{client, therapist} {
		frame := receive(t, sub)
		assert.Equal(t, "session.snapshot", frame["type"])
		assert.Equal(t, "confirm_payment", frame["event"])
		assert.Equal(t, "pending_payment", frame["from"])
		assert.EqualValues(t, 3, frame["version"])
		body := frame["session"].(map[string]any)
		assert.Equal(t, "scheduled", body["status"])
		assert.EqualValues(t, 1.5, body["duration_hours"])
	}
	assert.Empty(t, other.C())
}

func TestHub_IgnoresChangesWithoutSession(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe(uuid.New(), uuid.New())
	hub.SessionChanged(context.Background(), sessions.Change{Kind: sessions.ChangeNoteAdded})
	assert.Empty(t, sub.C())
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)
	sess := testSession(1, sessions.StatusPendingPayment)
	sub := hub.Subscribe(sess.ID, sess.ClientID)

	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish(sess.ID, []byte(`{}`))
	}
	assert.Zero(t, hub.Subscribers(sess.ID))

	drained := 0
	for range sub.C() {
		drained++
	}
	assert.Equal(t, subscriberBuffer, drained)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe(uuid.New(), uuid.New())
	sub.Close()
	sub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
}
