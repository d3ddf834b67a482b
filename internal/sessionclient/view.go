package sessionclient

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

// View holds the newest confirmed snapshot of each session the caller has
// seen. Older or equal versions are ignored, so a late response can never
// overwrite a newer state.
type View struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessions.Session
}

func NewView() *View {
	return &View{sessions: make(map[uuid.UUID]*sessions.Session)}
}

// Apply stores sess if it is newer than the held snapshot and reports
// whether it did.
func (v *View) Apply(sess *sessions.Session) bool {
	if sess == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if held, ok := v.sessions[sess.ID]; ok && held.Version >= sess.Version {
		return false
	}
	v.sessions[sess.ID] = sess.Clone()
	return true
}

// Session returns a copy of the held snapshot.
func (v *View) Session(id uuid.UUID) (*sessions.Session, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	sess, ok := v.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// Forget drops a session, e.g. after the caller lost access to it.
func (v *View) Forget(id uuid.UUID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.sessions, id)
}
