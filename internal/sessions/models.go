package sessions

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status tracks where a session is in its lifecycle.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusPendingPayment  Status = "pending_payment"
	StatusScheduled       Status = "scheduled"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusMissed          Status = "missed"
)

var allStatuses = []Status{
	StatusPendingApproval,
	StatusPendingPayment,
	StatusScheduled,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
	StatusMissed,
}

// ParseStatus accepts only the known status values.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range allStatuses {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidBooking, raw)
}

// Terminal reports whether no edge leaves the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusMissed:
		return true
	default:
		return false
	}
}

// SessionType is the delivery medium of a session.
type SessionType string

const (
	SessionTypeVideo SessionType = "video"
	SessionTypeText  SessionType = "text"
)

// ParseSessionType accepts only video or text.
func ParseSessionType(raw string) (SessionType, error) {
	switch SessionType(strings.ToLower(strings.TrimSpace(raw))) {
	case SessionTypeVideo:
		return SessionTypeVideo, nil
	case SessionTypeText:
		return SessionTypeText, nil
	default:
		return "", fmt.Errorf("%w: unknown session type %q", ErrInvalidBooking, raw)
	}
}

// NoteType classifies an appended session note.
type NoteType string

const (
	NotePreparation NoteType = "preparation"
	NoteInSession   NoteType = "in_session"
	NotePostSession NoteType = "post_session"
)

// ParseNoteType accepts only the three note kinds.
func ParseNoteType(raw string) (NoteType, error) {
	switch NoteType(strings.ToLower(strings.TrimSpace(raw))) {
	case NotePreparation:
		return NotePreparation, nil
	case NoteInSession:
		return NoteInSession, nil
	case NotePostSession:
		return NotePostSession, nil
	default:
		return "", fmt.Errorf("%w: unknown note type %q", ErrNoteNotAllowed, raw)
	}
}

// Role identifies the kind of caller driving an operation.
type Role string

const (
	RoleClient    Role = "client"
	RoleTherapist Role = "therapist"
	RoleSystem    Role = "system"
	RoleAdmin     Role = "admin"
)

// Actor is the explicit caller identity passed into every mutating operation.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// SystemActor is used by the payment gate and background sweeps.
var SystemActor = Actor{Role: RoleSystem}

// AvailabilitySlot is a therapist-declared open interval.
type AvailabilitySlot struct {
	TherapistID            uuid.UUID `json:"therapist_id"`
	StartTime              time.Time `json:"start_time"`
	EndTime                time.Time `json:"end_time"`
	DefaultDurationMinutes int       `json:"default_duration_minutes"`
}

// DefaultDurationHours mirrors the calendar's default duration in hours.
func (s AvailabilitySlot) DefaultDurationHours() float64 {
	return float64(s.DefaultDurationMinutes) / 60
}

// Contains reports whether [start,end) lies inside the slot.
func (s AvailabilitySlot) Contains(start, end time.Time) bool {
	return !start.Before(s.StartTime) && !end.After(s.EndTime)
}

// DateRange is a half-open [From, To) window.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Valid reports whether the range is non-empty.
func (r DateRange) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// Note is an append-only annotation on a session.
type Note struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Content   string    `json:"content"`
	Type      NoteType  `json:"type"`
	AuthorID  uuid.UUID `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the central booking entity. Only the engine mutates it.
type Session struct {
	ID                      uuid.UUID   `json:"id"`
	ClientID                uuid.UUID   `json:"client_id"`
	TherapistID             uuid.UUID   `json:"therapist_id"`
	StartTime               time.Time   `json:"start_time"`
	EndTime                 time.Time   `json:"end_time"`
	SessionType             SessionType `json:"session_type"`
	Status                  Status      `json:"status"`
	PaymentConfirmed        bool        `json:"payment_confirmed"`
	IsCustomRequest         bool        `json:"is_custom_request"`
	PriceCents              int64       `json:"price_cents"`
	Currency                string      `json:"currency"`
	Notes                   []Note      `json:"notes,omitempty"`
	Rating                  *int        `json:"rating,omitempty"`
	ConversationID          string      `json:"conversation_id,omitempty"`
	RequestKey              string      `json:"-"`
	ClientJoinedAt          *time.Time  `json:"client_joined_at,omitempty"`
	TherapistJoinedAt       *time.Time  `json:"therapist_joined_at,omitempty"`
	ClientLeftAt            *time.Time  `json:"client_left_at,omitempty"`
	TherapistLeftAt         *time.Time  `json:"therapist_left_at,omitempty"`
	StartedAt               *time.Time  `json:"started_at,omitempty"`
	EndedAt                 *time.Time  `json:"ended_at,omitempty"`
	CancelledAt             *time.Time  `json:"cancelled_at,omitempty"`
	CancelledBy             *uuid.UUID  `json:"cancelled_by,omitempty"`
	CancelReason            string      `json:"cancel_reason,omitempty"`
	CancellationFeeEligible bool        `json:"cancellation_fee_eligible"`
	RefundedAt              *time.Time  `json:"refunded_at,omitempty"`
	HoldExpiresAt           *time.Time  `json:"hold_expires_at,omitempty"`
	Version                 int64       `json:"version"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// Duration is derived from the interval so it can never drift from it.
func (s *Session) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// DurationMinutes is the persisted form of the duration.
func (s *Session) DurationMinutes() int {
	return int(s.Duration() / time.Minute)
}

// DurationHours is the exact hour difference between end and start.
func (s *Session) DurationHours() float64 {
	return s.Duration().Hours()
}

// Overlaps reports whether [start,end) intersects the session interval.
func (s *Session) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && start.Before(s.EndTime)
}

// IsParticipant reports whether the actor is the client or therapist of the session.
func (s *Session) IsParticipant(actor Actor) bool {
	switch actor.Role {
	case RoleClient:
		return actor.ID == s.ClientID
	case RoleTherapist:
		return actor.ID == s.TherapistID
	default:
		return false
	}
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Notes != nil {
		out.Notes = append([]Note(nil), s.Notes...)
	}
	out.Rating = cloneInt(s.Rating)
	out.ClientJoinedAt = cloneTime(s.ClientJoinedAt)
	out.TherapistJoinedAt = cloneTime(s.TherapistJoinedAt)
	out.ClientLeftAt = cloneTime(s.ClientLeftAt)
	out.TherapistLeftAt = cloneTime(s.TherapistLeftAt)
	out.StartedAt = cloneTime(s.StartedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	out.CancelledAt = cloneTime(s.CancelledAt)
	out.RefundedAt = cloneTime(s.RefundedAt)
	out.HoldExpiresAt = cloneTime(s.HoldExpiresAt)
	if s.CancelledBy != nil {
		id := *s.CancelledBy
		out.CancelledBy = &id
	}
	return &out
}

// sessionView adds derived fields for handlers and the realtime stream.
type sessionView struct {
	*Session
	DurationHours float64 `json:"duration_hours"`
}

// View attaches derived fields for transport.
func (s *Session) View() any {
	return sessionView{Session: s, DurationHours: s.DurationHours()}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
