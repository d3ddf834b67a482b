package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

func captureActor(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) (*httptest.ResponseRecorder, *sessions.Actor) {
	t.Helper()
	var got *sessions.Actor
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, ok := sessions.ActorFromContext(r.Context()); ok {
			got = &actor
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	return rec, got
}

func TestActorJWT_ValidToken(t *testing.T) {
	actor := sessions.Actor{ID: uuid.New(), Role: sessions.RoleTherapist}
	token, err := IssueActorToken("secret", actor, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, got := captureActor(t, ActorJWT("secret", nil), req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, actor, *got)
}

func TestActorJWT_Rejections(t *testing.T) {
	client := sessions.Actor{ID: uuid.New(), Role: sessions.RoleClient}
	wrongSecret, err := IssueActorToken("other", client, time.Minute)
	require.NoError(t, err)
	expired, err := IssueActorToken("secret", client, -time.Minute)
	require.NoError(t, err)
	system, err := IssueActorToken("secret", sessions.Actor{ID: uuid.New(), Role: sessions.RoleSystem}, time.Minute)
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, ActorClaims{
		Role:             "client",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		secret   string
		header   string
		wantCode int
	}{
		{name: "auth disabled", secret: "", header: "Bearer x", wantCode: http.StatusUnauthorized},
		{name: "missing header", secret: "secret", header: "", wantCode: http.StatusUnauthorized},
		{name: "wrong secret", secret: "secret", header: "Bearer " + wrongSecret, wantCode: http.StatusUnauthorized},
		{name: "expired", secret: "secret", header: "Bearer " + expired, wantCode: http.StatusUnauthorized},
		{name: "bad subject", secret: "secret", header: "Bearer " + badSubject, wantCode: http.StatusUnauthorized},
		{name: "system role", secret: "secret", header: "Bearer " + system, wantCode: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, got := captureActor(t, ActorJWT(tt.secret, nil), req)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Nil(t, got)
		})
	}
}

func TestActorJWT_QueryTokenOnlyForWebsocket(t *testing.T) {
	actor := sessions.Actor{ID: uuid.New(), Role: sessions.RoleClient}
	token, err := IssueActorToken("secret", actor, time.Minute)
	require.NoError(t, err)

	plain := httptest.NewRequest(http.MethodGet, "/v1/sessions/x/stream?access_token="+token, nil)
	rec, _ := captureActor(t, ActorJWT("secret", nil), plain)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	upgrade := httptest.NewRequest(http.MethodGet, "/v1/sessions/x/stream?access_token="+token, nil)
	upgrade.Header.Set("Upgrade", "websocket")
	rec, got := captureActor(t, ActorJWT("secret", nil), upgrade)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, actor.ID, got.ID)
}

func TestAdminJWT(t *testing.T) {
	adminID := uuid.New()
	valid := signedAdminToken(t, "secret", adminID.String())

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+valid)
	rec, got := captureActor(t, AdminJWT("secret"), req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, sessions.RoleAdmin, got.Role)
	assert.Equal(t, adminID, got.ID)

	tests := []struct {
		name   string
		secret string
		header string
	}{
		{name: "missing secret", secret: "", header: "Bearer " + valid},
		{name: "missing header", secret: "secret", header: ""},
		{name: "invalid token", secret: "secret", header: "Bearer " + signedAdminToken(t, "wrong", "admin-user")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, _ := captureActor(t, AdminJWT(tt.secret), req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func signedAdminToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}
