package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// ActorClaims is the token body for API callers. Subject is the user id.
type ActorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var errNoToken = errors.New("missing authorization header")

// ActorJWT authenticates client and therapist callers with an HMAC-signed JWT
// and attaches the sessions.Actor to the request context. Browsers cannot set
// headers on websocket upgrades, so those may pass ?access_token= instead.
func ActorJWT(secret string, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "auth disabled", http.StatusUnauthorized)
				return
			}
			tokenString, err := bearerToken(r, true)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			actor, err := parseActor(secret, tokenString)
			if err != nil {
				logger.Warn("rejected actor token", "error", err, "path", r.URL.Path)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if actor.Role != sessions.RoleClient && actor.Role != sessions.RoleTherapist && actor.Role != sessions.RoleAdmin {
				http.Error(w, "invalid role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(sessions.WithActor(r.Context(), actor)))
		})
	}
}

// AdminJWT enforces a simple HMAC-signed JWT for admin endpoints. The admin
// subject becomes an admin actor.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin auth disabled", http.StatusUnauthorized)
				return
			}
			tokenString, err := bearerToken(r, false)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			claims := jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, hmacKey(secret))
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			actor := sessions.Actor{Role: sessions.RoleAdmin}
			if id, err := uuid.Parse(claims.Subject); err == nil {
				actor.ID = id
			}
			next.ServeHTTP(w, r.WithContext(sessions.WithActor(r.Context(), actor)))
		})
	}
}

// IssueActorToken signs a token for actor, for dev tooling and tests.
func IssueActorToken(secret string, actor sessions.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ActorClaims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseActor(secret, tokenString string) (sessions.Actor, error) {
	var claims ActorClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, hmacKey(secret))
	if err != nil {
		return sessions.Actor{}, err
	}
	if !token.Valid {
		return sessions.Actor{}, jwt.ErrTokenInvalidClaims
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return sessions.Actor{}, jwt.ErrTokenInvalidSubject
	}
	return sessions.Actor{ID: id, Role: sessions.Role(strings.ToLower(claims.Role))}, nil
}

func hmacKey(secret string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}
}

func bearerToken(r *http.Request, allowQuery bool) (string, error) {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), nil
	}
	if allowQuery && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
	}
	return "", errNoToken
}
