package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local development.
// A single mutex serialises every write, which makes check-and-write atomic.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID]*Session)}
}

func (m *MemoryStore) Create(ctx context.Context, w Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := w.Session
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("sessions: create: duplicate id %s", s.ID)
	}
	if s.RequestKey != "" && m.requestKeyLocked(s.ClientID, s.RequestKey) != nil {
		return errRequestKeyTaken
	}
	if w.CheckOverlap && m.overlapsLocked(s, w.Now) {
		return ErrSlotUnavailable
	}
	s.Version = 1
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, w Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := w.Session
	current, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if current.Version != w.ExpectedVersion {
		return ErrVersionConflict
	}
	if w.CheckOverlap && m.overlapsLocked(s, w.Now) {
		return ErrSlotUnavailable
	}
	next := s.Clone()
	next.Notes = append([]Note(nil), current.Notes...)
	if w.Note != nil {
		next.Notes = append(next.Notes, *w.Note)
		s.Notes = append(s.Notes, *w.Note)
	}
	next.Version = w.ExpectedVersion + 1
	s.Version = next.Version
	m.sessions[s.ID] = next
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Session, error) {
	m.mu.Lock()
	var out []*Session
	for _, s := range m.sessions {
		if matchesFilter(s, f) {
			out = append(out, s.Clone())
		}
	}
	m.mu.Unlock()
	return limitSorted(out, f.Limit), nil
}

func (m *MemoryStore) Blocking(ctx context.Context, therapistID uuid.UUID, r DateRange, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	var out []*Session
	for _, s := range m.sessions {
		if s.TherapistID != therapistID || !blockingAt(s, now) {
			continue
		}
		if s.Overlaps(r.From, r.To) {
			out = append(out, s.Clone())
		}
	}
	m.mu.Unlock()
	return limitSorted(out, 0), nil
}

func (m *MemoryStore) DueMissed(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	m.mu.Lock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusScheduled && !s.StartTime.After(cutoff) {
			out = append(out, s.Clone())
		}
	}
	m.mu.Unlock()
	return limitSorted(out, limit), nil
}

func (m *MemoryStore) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	m.mu.Lock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status == StatusPendingPayment && s.HoldExpiresAt != nil && !s.HoldExpiresAt.After(now) {
			out = append(out, s.Clone())
		}
	}
	m.mu.Unlock()
	return limitSorted(out, limit), nil
}

func (m *MemoryStore) FindByRequestKey(ctx context.Context, clientID uuid.UUID, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.requestKeyLocked(clientID, key); s != nil {
		return s.Clone(), nil
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryStore) requestKeyLocked(clientID uuid.UUID, key string) *Session {
	for _, s := range m.sessions {
		if s.ClientID == clientID && s.RequestKey == key {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) overlapsLocked(s *Session, now time.Time) bool {
	for id, other := range m.sessions {
		if id == s.ID || other.TherapistID != s.TherapistID {
			continue
		}
		if blockingAt(other, now) && other.Overlaps(s.StartTime, s.EndTime) {
			return true
		}
	}
	return false
}

func limitSorted(list []*Session, limit int) []*Session {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].StartTime.Before(list[j].StartTime)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// MemoryCalendar is an in-process Calendar.
type MemoryCalendar struct {
	mu    sync.RWMutex
	slots map[uuid.UUID][]AvailabilitySlot
	rates map[uuid.UUID]int64
}

// NewMemoryCalendar returns an empty calendar.
func NewMemoryCalendar() *MemoryCalendar {
	return &MemoryCalendar{
		slots: make(map[uuid.UUID][]AvailabilitySlot),
		rates: make(map[uuid.UUID]int64),
	}
}

// SetRate registers a therapist with an hourly rate in cents.
func (c *MemoryCalendar) SetRate(therapistID uuid.UUID, cents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[therapistID] = cents
}

// AddSlot declares an open interval. Slots of one therapist never overlap.
func (c *MemoryCalendar) AddSlot(slot AvailabilitySlot) error {
	if !slot.EndTime.After(slot.StartTime) {
		return fmt.Errorf("%w: slot end must be after start", ErrInvalidBooking)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.slots[slot.TherapistID] {
		if existing.StartTime.Before(slot.EndTime) && slot.StartTime.Before(existing.EndTime) {
			return fmt.Errorf("%w: slot overlaps an existing slot", ErrInvalidBooking)
		}
	}
	c.slots[slot.TherapistID] = append(c.slots[slot.TherapistID], slot)
	return nil
}

func (c *MemoryCalendar) Slots(ctx context.Context, therapistID uuid.UUID, r DateRange) ([]AvailabilitySlot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.rates[therapistID]; !ok {
		return nil, ErrTherapistNotFound
	}
	var out []AvailabilitySlot
	for _, slot := range c.slots[therapistID] {
		if slot.StartTime.Before(r.To) && r.From.Before(slot.EndTime) {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (c *MemoryCalendar) HourlyRateCents(ctx context.Context, therapistID uuid.UUID) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.rates[therapistID]
	if !ok {
		return 0, ErrTherapistNotFound
	}
	return rate, nil
}
