package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	httpmiddleware "github.com/wolfman30/therapy-sessions/internal/http/middleware"
	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Transitions made by a separate worker process never reach this
	// process's hub, so open streams re-read the session on this interval.
	defaultRefresh = 15 * time.Second
)

type sessionReader interface {
	Get(ctx context.Context, actor sessions.Actor, id uuid.UUID) (*sessions.Session, error)
}

// StreamHandler upgrades GET /sessions/{sessionID}/stream to a websocket that
// carries session snapshots to a participant.
type StreamHandler struct {
	sessions sessionReader
	hub      *Hub
	upgrader websocket.Upgrader
	refresh  time.Duration
	logger   *logging.Logger
}

// NewStreamHandler accepts any origin when allowedOrigins is empty.
func NewStreamHandler(reader sessionReader, hub *Hub, allowedOrigins []string, logger *logging.Logger) *StreamHandler {
	if logger == nil {
		logger = logging.Default()
	}
	allowed := httpmiddleware.NewOriginAllowlist(allowedOrigins)
	return &StreamHandler{
		sessions: reader,
		hub:      hub,
		refresh:  defaultRefresh,
		logger:   logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed.Empty() || allowed.Allows(origin)
			},
		},
	}
}

// WithRefresh sets how often open streams re-read the session.
func (h *StreamHandler) WithRefresh(d time.Duration) *StreamHandler {
	if d > 0 {
		h.refresh = d
	}
	return h
}

func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/stream", h.ServeHTTP)
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := sessions.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		sessions.WriteError(w, sessions.ErrSessionNotFound, "invalid session id")
		return
	}
	// Subscribe before reading the snapshot so a change committed in between
	// is still delivered; clients discard frames whose version is not newer
	// than the one held.
	sub := h.hub.Subscribe(id, actor.ID)
	sess, err := h.sessions.Get(r.Context(), actor, id)
	if err != nil {
		sub.Close()
		sessions.WriteError(w, err, "")
		return
	}
	initial, err := json.Marshal(NewSnapshot(sess, time.Now().UTC()))
	if err != nil {
		sub.Close()
		http.Error(w, "failed to encode session", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		sub.Close()
		h.logger.Warn("realtime: upgrade failed", "error", err, "session_id", id)
		return
	}

	h.logger.Info("realtime: stream opened", "session_id", id, "actor_id", actor.ID, "role", actor.Role)
	go h.readPump(conn, sub)
	h.writePump(conn, sub, actor, initial, sess.Version)
	h.logger.Info("realtime: stream closed", "session_id", id, "actor_id", actor.ID)
}

func (h *StreamHandler) writePump(conn *websocket.Conn, sub *Subscription, actor sessions.Actor, initial []byte, version int64) {
	ticker := time.NewTicker(pingPeriod)
	refresh := time.NewTicker(h.refresh)
	defer func() {
		ticker.Stop()
		refresh.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	if err := write(conn, websocket.TextMessage, initial); err != nil {
		return
	}
	for {
		select {
		case payload, ok := <-sub.C():
			if !ok {
				_ = write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"))
				return
			}
			var frame struct {
				Version int64 `json:"version"`
			}
			if json.Unmarshal(payload, &frame) == nil && frame.Version > version {
				version = frame.Version
			}
			if err := write(conn, websocket.TextMessage, payload); err != nil {
				return
			}
		case <-refresh.C:
			payload, next, ok := h.reread(sub, actor, version)
			if !ok {
				continue
			}
			version = next
			if err := write(conn, websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reread returns a snapshot when the stored session is newer than version.
func (h *StreamHandler) reread(sub *Subscription, actor sessions.Actor, version int64) ([]byte, int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	sess, err := h.sessions.Get(ctx, actor, sub.SessionID)
	if err != nil {
		h.logger.Debug("realtime: refresh failed", "error", err, "session_id", sub.SessionID)
		return nil, version, false
	}
	if sess.Version <= version {
		return nil, version, false
	}
	payload, err := json.Marshal(NewSnapshot(sess, time.Now().UTC()))
	if err != nil {
		return nil, version, false
	}
	return payload, sess.Version, true
}

// readPump only watches for the peer going away; clients never send commands
// over the stream.
func (h *StreamHandler) readPump(conn *websocket.Conn, sub *Subscription) {
	defer sub.Close()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func write(conn *websocket.Conn, messageType int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}
