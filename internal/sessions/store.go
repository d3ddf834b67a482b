package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ChangeKind classifies a committed mutation.
type ChangeKind string

const (
	ChangeBooked        ChangeKind = "booked"
	ChangeStatusChanged ChangeKind = "status_changed"
	ChangeRefunded      ChangeKind = "refunded"
	ChangeUpdated       ChangeKind = "updated"
	ChangeNoteAdded     ChangeKind = "note_added"
)

// Change describes one committed mutation of a session.
type Change struct {
	Kind    ChangeKind
	Event   Event
	From    Status
	Actor   Actor
	Session *Session
	Note    *Note
	At      time.Time
}

// To is the status after the change.
func (c Change) To() Status {
	if c.Session == nil {
		return ""
	}
	return c.Session.Status
}

// Write is a single atomic store mutation.
type Write struct {
	Session *Session
	// ExpectedVersion is compared against the stored version on update.
	ExpectedVersion int64
	// CheckOverlap rejects the write with ErrSlotUnavailable when another
	// blocking session of the therapist overlaps the interval.
	CheckOverlap bool
	Note         *Note
	Change       Change
	Now          time.Time
}

// ListFilter narrows List results. Zero values do not filter.
type ListFilter struct {
	ClientID    uuid.UUID
	TherapistID uuid.UUID
	Statuses    []Status
	From        time.Time
	To          time.Time
	Limit       int
}

// Store persists sessions. Create and Update make the overlap check and the
// write atomic per therapist, and bump Version by one on success.
type Store interface {
	Create(ctx context.Context, w Write) error
	Update(ctx context.Context, w Write) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	List(ctx context.Context, f ListFilter) ([]*Session, error)
	Blocking(ctx context.Context, therapistID uuid.UUID, r DateRange, now time.Time) ([]*Session, error)
	DueMissed(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Session, error)
	// FindByRequestKey returns the client's session created under key, or
	// ErrSessionNotFound.
	FindByRequestKey(ctx context.Context, clientID uuid.UUID, key string) (*Session, error)
}

// errRequestKeyTaken is returned by Create when the client already has a
// session under the same request key.
var errRequestKeyTaken = errors.New("sessions: request key already used")

// Calendar is the therapist calendar service: declared slots and rates.
type Calendar interface {
	Slots(ctx context.Context, therapistID uuid.UUID, r DateRange) ([]AvailabilitySlot, error)
	HourlyRateCents(ctx context.Context, therapistID uuid.UUID) (int64, error)
}

// ChangeListener observes committed changes after the write succeeds.
type ChangeListener interface {
	SessionChanged(ctx context.Context, c Change)
}

// ChangeListenerFunc adapts a function to ChangeListener.
type ChangeListenerFunc func(ctx context.Context, c Change)

func (f ChangeListenerFunc) SessionChanged(ctx context.Context, c Change) {
	f(ctx, c)
}

func blockingAt(s *Session, now time.Time) bool {
	switch s.Status {
	case StatusScheduled, StatusInProgress:
		return true
	case StatusPendingPayment:
		return s.HoldExpiresAt != nil && s.HoldExpiresAt.After(now)
	default:
		return false
	}
}

func matchesFilter(s *Session, f ListFilter) bool {
	if f.ClientID != uuid.Nil && s.ClientID != f.ClientID {
		return false
	}
	if f.TherapistID != uuid.Nil && s.TherapistID != f.TherapistID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if st == s.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && !s.EndTime.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !s.StartTime.Before(f.To) {
		return false
	}
	return true
}
