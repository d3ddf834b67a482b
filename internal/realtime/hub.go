package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

const subscriberBuffer = 16

// Snapshot is the frame pushed to stream subscribers. Session always carries
// the full authoritative state so clients never patch local copies.
type Snapshot struct {
	Type      string              `json:"type"`
	Kind      sessions.ChangeKind `json:"kind,omitempty"`
	Event     sessions.Event      `json:"event,omitempty"`
	From      sessions.Status     `json:"from,omitempty"`
	Version   int64               `json:"version"`
	Session   any                 `json:"session"`
	EmittedAt time.Time           `json:"emitted_at"`
}

// NewSnapshot builds a frame from the current session state.
func NewSnapshot(sess *sessions.Session, at time.Time) Snapshot {
	return Snapshot{
		Type:      "session.snapshot",
		Version:   sess.Version,
		Session:   sess.View(),
		EmittedAt: at,
	}
}

// Subscription receives encoded snapshots for one session.
type Subscription struct {
	SessionID uuid.UUID
	ActorID   uuid.UUID

	hub  *Hub
	send chan []byte
	once sync.Once
}

// C is closed when the hub drops the subscriber.
func (s *Subscription) C() <-chan []byte {
	return s.send
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub fans committed session changes out to subscribed participants.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	logger *logging.Logger
	now    func() time.Time
}

func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a listener for one session.
func (h *Hub) Subscribe(sessionID, actorID uuid.UUID) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		ActorID:   actorID,
		hub:       h,
		send:      make(chan []byte, subscriberBuffer),
	}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Subscribers returns how many listeners a session has.
func (h *Hub) Subscribers(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// SessionChanged implements sessions.ChangeListener.
func (h *Hub) SessionChanged(_ context.Context, c sessions.Change) {
	if c.Session == nil {
		return
	}
	snap := NewSnapshot(c.Session, h.now())
	snap.Kind = c.Kind
	snap.Event = c.Event
	snap.From = c.From
	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("realtime: encode snapshot", "error", err, "session_id", c.Session.ID)
		return
	}
	h.Publish(c.Session.ID, payload)
}

// Publish delivers payload to every subscriber of the session. A subscriber
// whose buffer is full is dropped; it reconnects and reads a fresh snapshot.
func (h *Hub) Publish(sessionID uuid.UUID, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	for sub := range set {
		select {
		case sub.send <- payload:
		default:
			h.logger.Warn("realtime: dropping slow subscriber", "session_id", sessionID, "actor_id", sub.ActorID)
			h.dropLocked(sub)
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *Hub) dropLocked(sub *Subscription) {
	set, ok := h.subs[sub.SessionID]
	if ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.SessionID)
		}
	}
	sub.once.Do(func() { close(sub.send) })
}
