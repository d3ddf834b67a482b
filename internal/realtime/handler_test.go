package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

type stubReader struct {
	sess *sessions.Session
}

func (s *stubReader) Get(_ context.Context, actor sessions.Actor, id uuid.UUID) (*sessions.Session, error) {
	if s.sess == nil || s.sess.ID != id {
		return nil, sessions.ErrSessionNotFound
	}
	if !s.sess.IsParticipant(actor) {
		return nil, sessions.ErrForbidden
	}
	return s.sess.Clone(), nil
}

func newStreamServer(t *testing.T, reader sessionReader, hub *Hub, actor *sessions.Actor) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if actor != nil {
				req = req.WithContext(sessions.WithActor(req.Context(), *actor))
			}
			next.ServeHTTP(w, req)
		})
	})
	NewStreamHandler(reader, hub, nil, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, id uuid.UUID) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + id.String() + "/stream"
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestStreamHandler_SendsSnapshotThenChanges(t *testing.T) {
	sess := testSession(2, sessions.StatusPendingPayment)
	hub := NewHub(nil)
	client := sessions.Actor{ID: sess.ClientID, Role: sessions.RoleClient}
	srv := newStreamServer(t, &stubReader{sess: sess}, hub, &client)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, sess.ID), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.EqualValues(t, 2, first["version"])
	assert.Equal(t, "pending_payment", first["session"].(map[string]any)["status"])

	require.Eventually(t, func() bool { return hub.Subscribers(sess.ID) == 1 }, time.Second, 10*time.Millisecond)

	updated := sess.Clone()
	updated.Status = sessions.StatusScheduled
	updated.Version = 3
	hub.SessionChanged(context.Background(), sessions.Change{Kind: sessions.ChangeStatusChanged, Event: sessions.EventConfirmPayment, Session: updated})

	next := readFrame(t, conn)
	assert.EqualValues(t, 3, next["version"])
	assert.Equal(t, "scheduled", next["session"].(map[string]any)["status"])
}

func TestStreamHandler_UnsubscribesOnDisconnect(t *testing.T) {
	sess := testSession(1, sessions.StatusScheduled)
	hub := NewHub(nil)
	therapist := sessions.Actor{ID: sess.TherapistID, Role: sessions.RoleTherapist}
	srv := newStreamServer(t, &stubReader{sess: sess}, hub, &therapist)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, sess.ID), nil)
	require.NoError(t, err)
	readFrame(t, conn)
	require.Eventually(t, func() bool { return hub.Subscribers(sess.ID) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers(sess.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamHandler_RejectsBeforeUpgrade(t *testing.T) {
	sess := testSession(1, sessions.StatusScheduled)
	stranger := sessions.Actor{ID: uuid.New(), Role: sessions.RoleClient}

	tests := []struct {
		name     string
		actor    *sessions.Actor
		id       uuid.UUID
		wantCode int
	}{
		{name: "no actor", actor: nil, id: sess.ID, wantCode: http.StatusUnauthorized},
		{name: "not a participant", actor: &stranger, id: sess.ID, wantCode: http.StatusForbidden},
		{name: "unknown session", actor: &stranger, id: uuid.New(), wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStreamServer(t, &stubReader{sess: sess}, NewHub(nil), tt.actor)
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.id), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}

// committingReader publishes a newer version while the stream is reading the
// session, then returns the version it read.
type committingReader struct {
	stubReader
	hub *Hub
}

func (c *committingReader) Get(ctx context.Context, actor sessions.Actor, id uuid.UUID) (*sessions.Session, error) {
	read, err := c.stubReader.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	committed := read.Clone()
	committed.Status = sessions.StatusScheduled
	committed.Version = read.Version + 1
	c.hub.SessionChanged(ctx, sessions.Change{Kind: sessions.ChangeStatusChanged, Event: sessions.EventConfirmPayment, Session: committed})
	return read, nil
}

func TestStreamHandler_ChangeCommittedDuringReadIsDelivered(t *testing.T) {
	sess := testSession(1, sessions.StatusPendingPayment)
	hub := NewHub(nil)
	client := sessions.Actor{ID: sess.ClientID, Role: sessions.RoleClient}
	srv := newStreamServer(t, &committingReader{stubReader: stubReader{sess: sess}, hub: hub}, hub, &client)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, sess.ID), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.EqualValues(t, 1, first["version"])
	next := readFrame(t, conn)
	assert.EqualValues(t, 2, next["version"])
	assert.Equal(t, "scheduled", next["session"].(map[string]any)["status"])
}

func TestStreamHandler_FailedReadLeavesNoSubscription(t *testing.T) {
	sess := testSession(1, sessions.StatusScheduled)
	hub := NewHub(nil)
	stranger := sessions.Actor{ID: uuid.New(), Role: sessions.RoleClient}
	srv := newStreamServer(t, &stubReader{sess: sess}, hub, &stranger)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, sess.ID), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, hub.Subscribers(sess.ID))
}

// sharedReader lets a test change the stored session behind the hub's back,
// the way a separate worker process does.
type sharedReader struct {
	mu   sync.Mutex
	sess *sessions.Session
}

func (s *sharedReader) Get(ctx context.Context, actor sessions.Actor, id uuid.UUID) (*sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&stubReader{sess: s.sess}).Get(ctx, actor, id)
}

func (s *sharedReader) set(sess *sessions.Session) {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
}

func TestStreamHandler_RefreshDeliversOutOfProcessChanges(t *testing.T) {
	sess := testSession(3, sessions.StatusInProgress)
	reader := &sharedReader{sess: sess}
	client := sessions.Actor{ID: sess.ClientID, Role: sessions.RoleClient}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(sessions.WithActor(req.Context(), client)))
		})
	})
	NewStreamHandler(reader, NewHub(nil), nil, nil).WithRefresh(20 * time.Millisecond).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, sess.ID), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.EqualValues(t, 3, first["version"])

	completed := sess.Clone()
	completed.Status = sessions.StatusCompleted
	completed.Version = 4
	reader.set(completed)

	next := readFrame(t, conn)
	assert.EqualValues(t, 4, next["version"])
	assert.Equal(t, "completed", next["session"].(map[string]any)["status"])

	// Unchanged versions are not resent.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
