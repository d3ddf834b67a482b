package sessions

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	NewHandler(f.svc, nil).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, actor *Actor, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if actor != nil {
		req = req.WithContext(WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandler_CreateStandardBooking(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f)

	body := map[string]any{
		"therapist_id": f.therapist.ID,
		"start_time":   f.at(10, 0).Format(time.RFC3339),
		"end_time":     f.at(11, 0).Format(time.RFC3339),
		"session_type": "video",
	}
	rec := doJSON(t, h, &f.client, http.MethodPost, "/sessions", body, map[string]string{IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, "pending_payment", created["status"])
	assert.Equal(t, 1.0, created["duration_hours"])
	assert.EqualValues(t, 12000, created["price_cents"])

	replay := doJSON(t, h, &f.client, http.MethodPost, "/sessions", body, map[string]string{IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, created["id"], decodeBody(t, replay)["id"])

	rec = doJSON(t, h, &f.client, http.MethodPost, "/sessions", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindSlotUnavailable, decodeBody(t, rec)["kind"])
}

func TestHandler_RequiresActor(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, newTestRouter(f), nil, http.MethodGet, "/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_RejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	rec := doJSON(t, newTestRouter(f), &f.client, http.MethodPost, "/sessions", map[string]any{
		"therapist_id": f.therapist.ID,
		"price_cents":  1,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindInvalidRequest, decodeBody(t, rec)["kind"])
}

func TestHandler_JoinBeforePaymentIsPaymentRequired(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f)
	sess := f.book(t, f.client, 10, 11)
	f.clock.Set(f.at(9, 55))

	rec := doJSON(t, h, &f.client, http.MethodPost, "/sessions/"+sess.ID.String()+"/join", nil, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, KindPaymentNotConfirmed, decodeBody(t, rec)["kind"])

	_, err := f.svc.ConfirmPayment(t.Context(), sess.ID, "pi_1")
	require.NoError(t, err)

	rec = doJSON(t, h, &f.client, http.MethodPost, "/sessions/"+sess.ID.String()+"/join", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "in_progress", decodeBody(t, rec)["status"])
}

func TestHandler_CustomRequestFlow(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f)

	rec := doJSON(t, h, &f.client, http.MethodPost, "/sessions/custom", map[string]any{
		"therapist_id":     f.therapist.ID,
		"start_time":       f.at(19, 0).Format(time.RFC3339),
		"duration_minutes": 45,
		"session_type":     "text",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, h, &f.client, http.MethodPost, "/sessions/"+id+"/accept", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, &f.therapist, http.MethodPost, "/sessions/"+id+"/reject", map[string]string{"reason": "unavailable"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	rec = doJSON(t, h, &f.client, http.MethodGet, "/sessions/"+id+"/cancellation", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["allowed"])
}

func TestHandler_NotesAndNotFound(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f)
	sess := f.scheduled(t, 10, 11)
	path := "/sessions/" + sess.ID.String() + "/notes"

	rec := doJSON(t, h, &f.therapist, http.MethodPost, path, map[string]string{"content": "agenda", "type": "in_session"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, &f.therapist, http.MethodPost, path, map[string]string{"content": "agenda", "type": "preparation"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, &f.client, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = doJSON(t, h, &f.client, http.MethodGet, "/sessions/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, &f.client, http.MethodGet, "/sessions/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Availability(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(f)
	f.book(t, f.client, 10, 11)

	path := "/therapists/" + f.therapist.ID.String() + "/availability?from=" + f.day.Format(time.RFC3339) +
		"&to=" + f.day.Add(24*time.Hour).Format(time.RFC3339)
	rec := doJSON(t, h, &f.client, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	slots := decodeBody(t, rec)["slots"].([]any)
	assert.Len(t, slots, 2)

	rec = doJSON(t, h, &f.client, http.MethodGet, "/therapists/"+uuid.NewString()+"/availability", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusForError(t *testing.T) {
	cases := map[error]int{
		ErrSlotUnavailable:                           http.StatusConflict,
		notAllowed(StatusMissed, EventJoin, "final"): http.StatusConflict,
		ErrApprovalPending:                           http.StatusConflict,
		ErrPaymentNotConfirmed:                       http.StatusPaymentRequired,
		ErrSessionNotFound:                           http.StatusNotFound,
		ErrInvalidBooking:                            http.StatusBadRequest,
		ErrForbidden:                                 http.StatusForbidden,
		ErrNoteNotAllowed:                            http.StatusUnprocessableEntity,
		assert.AnError:                               http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusForError(err), err.Error())
	}
}
