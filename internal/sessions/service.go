package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/therapy-sessions/internal/idempotency"
	"github.com/wolfman30/therapy-sessions/internal/observability/metrics"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

var sessionsTracer = otel.Tracer("therapy.internal.sessions")

const maxWriteAttempts = 5

// Config tunes the engine.
type Config struct {
	Policy             Policy
	MaxSessionDuration time.Duration
	Currency           string
	Clock              func() time.Time
}

// Service is the booking and lifecycle engine. It is the only writer of
// session status; every mutation is a compare-and-set on Version.
type Service struct {
	store     Store
	calendar  Calendar
	idem      idempotency.Store
	policy    Policy
	maxDur    time.Duration
	currency  string
	now       func() time.Time
	metrics   *metrics.SessionMetrics
	logger    *logging.Logger
	listeners []ChangeListener
}

// NewService wires the engine over a store and the therapist calendar.
func NewService(store Store, calendar Calendar, cfg Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = 8 * time.Hour
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:    store,
		calendar: calendar,
		policy:   cfg.Policy.withDefaults(),
		maxDur:   cfg.MaxSessionDuration,
		currency: strings.ToLower(cfg.Currency),
		now:      cfg.Clock,
		logger:   logger,
	}
}

// WithIdempotency makes booking creation safe to retry under a request key.
func (s *Service) WithIdempotency(store idempotency.Store) *Service {
	s.idem = store
	return s
}

// WithMetrics records engine metrics.
func (s *Service) WithMetrics(m *metrics.SessionMetrics) *Service {
	s.metrics = m
	return s
}

// AddListener registers a post-commit observer.
func (s *Service) AddListener(l ChangeListener) {
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
}

// Policy returns the windows the engine evaluates.
func (s *Service) Policy() Policy {
	return s.policy
}

// Now is the engine clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// StandardBookingRequest books an interval inside a declared slot.
// EndTime may be zero, in which case the slot's default duration applies.
type StandardBookingRequest struct {
	TherapistID uuid.UUID   `json:"therapist_id"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     time.Time   `json:"end_time"`
	SessionType SessionType `json:"session_type"`
	RequestKey  string      `json:"-"`
}

// CustomBookingRequest proposes a time outside declared slots.
type CustomBookingRequest struct {
	TherapistID     uuid.UUID   `json:"therapist_id"`
	StartTime       time.Time   `json:"start_time"`
	DurationMinutes int         `json:"duration_minutes"`
	SessionType     SessionType `json:"session_type"`
	RequestKey      string      `json:"-"`
}

// CreateStandardBooking reserves a slot and leaves the session awaiting payment.
// The overlap check runs again at commit time, so a lost race returns
// ErrSlotUnavailable even if the slot looked free when displayed.
func (s *Service) CreateStandardBooking(ctx context.Context, actor Actor, req StandardBookingRequest) (*Session, error) {
	ctx, span := sessionsTracer.Start(ctx, "sessions.create_standard_booking")
	defer span.End()
	span.SetAttributes(attribute.String("therapy.therapist_id", req.TherapistID.String()))
	start := time.Now()

	sess, err := s.idempotent(ctx, actor, req.RequestKey, standardIntent(req), func() (*Session, error) {
		return s.createStandard(ctx, actor, req)
	})
	s.finish(span, "create_standard_booking", start, err)
	s.metrics.ObserveBooking("standard", bookingOutcome(err))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("therapy.session_id", sess.ID.String()))
	return sess, nil
}

func (s *Service) createStandard(ctx context.Context, actor Actor, req StandardBookingRequest) (*Session, error) {
	if actor.Role != RoleClient {
		return nil, ErrForbidden
	}
	if err := validateSessionType(req.SessionType); err != nil {
		return nil, err
	}
	now := s.now()
	if req.TherapistID == uuid.Nil || req.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: therapist_id and start_time are required", ErrInvalidBooking)
	}
	if !req.StartTime.After(now) {
		return nil, fmt.Errorf("%w: start_time must be in the future", ErrInvalidBooking)
	}
	if !req.EndTime.IsZero() && !req.EndTime.After(req.StartTime) {
		return nil, fmt.Errorf("%w: end_time must be after start_time", ErrInvalidBooking)
	}

	lookupEnd := req.EndTime
	if lookupEnd.IsZero() {
		lookupEnd = req.StartTime.Add(time.Minute)
	}
	slots, err := s.calendar.Slots(ctx, req.TherapistID, DateRange{From: req.StartTime, To: lookupEnd})
	if err != nil {
		return nil, err
	}
	end := req.EndTime
	if end.IsZero() {
		slot, ok := containingSlot(slots, req.StartTime, lookupEnd)
		if !ok || slot.DefaultDurationMinutes <= 0 {
			return nil, ErrSlotUnavailable
		}
		end = req.StartTime.Add(time.Duration(slot.DefaultDurationMinutes) * time.Minute)
	}
	if _, ok := containingSlot(slots, req.StartTime, end); !ok {
		return nil, ErrSlotUnavailable
	}
	if err := s.validateDuration(end.Sub(req.StartTime)); err != nil {
		return nil, err
	}

	rate, err := s.calendar.HourlyRateCents(ctx, req.TherapistID)
	if err != nil {
		return nil, err
	}

	hold := s.policy.HoldExpiry(now)
	sess := &Session{
		ID:            uuid.New(),
		ClientID:      actor.ID,
		TherapistID:   req.TherapistID,
		StartTime:     req.StartTime.UTC(),
		EndTime:       end.UTC(),
		SessionType:   req.SessionType,
		Status:        StatusPendingPayment,
		PriceCents:    PriceCents(rate, int(end.Sub(req.StartTime)/time.Minute)),
		Currency:      s.currency,
		RequestKey:    strings.TrimSpace(req.RequestKey),
		HoldExpiresAt: &hold,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	change := Change{Kind: ChangeBooked, Actor: actor, Session: sess, At: now}
	if err := s.store.Create(ctx, Write{Session: sess, CheckOverlap: true, Change: change, Now: now}); err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			s.logger.Warn("sessions: slot taken at booking",
				"therapist_id", req.TherapistID, "start_time", req.StartTime, "client_id", actor.ID)
		}
		return nil, err
	}
	s.logger.Info("sessions: standard booking created",
		"session_id", sess.ID, "therapist_id", sess.TherapistID, "client_id", sess.ClientID,
		"status", sess.Status, "price_cents", sess.PriceCents)
	s.notify(ctx, change)
	return sess, nil
}

// CreateCustomBooking records a request for therapist approval. No slot is
// checked and no payment is requested until the therapist accepts.
func (s *Service) CreateCustomBooking(ctx context.Context, actor Actor, req CustomBookingRequest) (*Session, error) {
	ctx, span := sessionsTracer.Start(ctx, "sessions.create_custom_booking")
	defer span.End()
	span.SetAttributes(attribute.String("therapy.therapist_id", req.TherapistID.String()))
	start := time.Now()

	sess, err := s.idempotent(ctx, actor, req.RequestKey, customIntent(req), func() (*Session, error) {
		return s.createCustom(ctx, actor, req)
	})
	s.finish(span, "create_custom_booking", start, err)
	s.metrics.ObserveBooking("custom", bookingOutcome(err))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("therapy.session_id", sess.ID.String()))
	return sess, nil
}

func (s *Service) createCustom(ctx context.Context, actor Actor, req CustomBookingRequest) (*Session, error) {
	if actor.Role != RoleClient {
		return nil, ErrForbidden
	}
	if err := validateSessionType(req.SessionType); err != nil {
		return nil, err
	}
	now := s.now()
	if req.TherapistID == uuid.Nil || req.StartTime.IsZero() {
		return nil, fmt.Errorf("%w: therapist_id and start_time are required", ErrInvalidBooking)
	}
	if !req.StartTime.After(now) {
		return nil, fmt.Errorf("%w: start_time must be in the future", ErrInvalidBooking)
	}
	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := s.validateDuration(duration); err != nil {
		return nil, err
	}
	rate, err := s.calendar.HourlyRateCents(ctx, req.TherapistID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:              uuid.New(),
		ClientID:        actor.ID,
		TherapistID:     req.TherapistID,
		StartTime:       req.StartTime.UTC(),
		EndTime:         req.StartTime.Add(duration).UTC(),
		SessionType:     req.SessionType,
		Status:          StatusPendingApproval,
		IsCustomRequest: true,
		PriceCents:      PriceCents(rate, req.DurationMinutes),
		Currency:        s.currency,
		RequestKey:      strings.TrimSpace(req.RequestKey),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	change := Change{Kind: ChangeBooked, Actor: actor, Session: sess, At: now}
	if err := s.store.Create(ctx, Write{Session: sess, Change: change, Now: now}); err != nil {
		return nil, err
	}
	s.logger.Info("sessions: custom request created",
		"session_id", sess.ID, "therapist_id", sess.TherapistID, "client_id", sess.ClientID,
		"duration_minutes", req.DurationMinutes)
	s.notify(ctx, change)
	return sess, nil
}

// Accept approves a custom request. The interval is checked against live
// sessions and held while the client pays.
func (s *Service) Accept(ctx context.Context, actor Actor, id uuid.UUID) (*Session, error) {
	return s.mutate(ctx, "accept", id, func(sess *Session, now time.Time) (*mutation, error) {
		if err := requireTherapist(actor, sess); err != nil {
			return nil, err
		}
		next, noop, err := Transition(sess, EventAccept)
		if err != nil || noop {
			return &mutation{noop: noop}, err
		}
		if !sess.StartTime.After(now) {
			return nil, notAllowed(sess.Status, EventAccept, "requested start has passed")
		}
		from := sess.Status
		hold := s.policy.HoldExpiry(now)
		sess.Status = next
		sess.HoldExpiresAt = &hold
		return &mutation{
			checkOverlap: true,
			change:       Change{Kind: ChangeStatusChanged, Event: EventAccept, From: from, Actor: actor},
		}, nil
	})
}

// Reject declines a custom request.
func (s *Service) Reject(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Session, error) {
	return s.mutate(ctx, "reject", id, func(sess *Session, now time.Time) (*mutation, error) {
		if err := requireTherapist(actor, sess); err != nil {
			return nil, err
		}
		next, _, err := Transition(sess, EventReject)
		if err != nil {
			return nil, err
		}
		from := sess.Status
		sess.Status = next
		sess.CancelledAt = &now
		sess.CancelledBy = actorID(actor)
		sess.CancelReason = reasonOr(reason, "rejected by therapist")
		sess.CancellationFeeEligible = false
		return &mutation{change: Change{Kind: ChangeStatusChanged, Event: EventReject, From: from, Actor: actor}}, nil
	})
}

// ConfirmPayment is the PaymentGate success path. It opens the gate and
// schedules the session unless the interval was taken in the meantime.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID, reference string) (*Session, error) {
	return s.mutate(ctx, "confirm_payment", id, func(sess *Session, now time.Time) (*mutation, error) {
		if sess.Status == StatusPendingApproval {
			return nil, ErrApprovalPending
		}
		next, noop, err := Transition(sess, EventConfirmPayment)
		if err != nil || noop {
			return &mutation{noop: noop}, err
		}
		from := sess.Status
		sess.Status = next
		sess.PaymentConfirmed = true
		sess.HoldExpiresAt = nil
		s.logger.Info("sessions: payment confirmed", "session_id", sess.ID, "reference", reference)
		return &mutation{
			checkOverlap: true,
			change:       Change{Kind: ChangeStatusChanged, Event: EventConfirmPayment, From: from, Actor: SystemActor},
		}, nil
	})
}

// RecordPaymentFailure leaves the session awaiting payment so the client can
// retry checkout for the same booking.
func (s *Service) RecordPaymentFailure(ctx context.Context, id uuid.UUID, reason string) (*Session, error) {
	ctx, span := sessionsTracer.Start(ctx, "sessions.record_payment_failure")
	defer span.End()
	span.SetAttributes(attribute.String("therapy.session_id", id.String()))
	start := time.Now()

	sess, err := s.store.Get(ctx, id)
	s.finish(span, "record_payment_failure", start, err)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("sessions: payment failed", "session_id", id, "status", sess.Status, "reason", reason)
	return sess, nil
}

// ApplyRefund clears the payment flag. Live sessions are forced to Cancelled;
// final sessions keep their status and only record the refund.
func (s *Service) ApplyRefund(ctx context.Context, id uuid.UUID, reason string) (*Session, error) {
	return s.mutate(ctx, "refund", id, func(sess *Session, now time.Time) (*mutation, error) {
		if sess.RefundedAt != nil && !sess.PaymentConfirmed {
			return &mutation{noop: true}, nil
		}
		from := sess.Status
		sess.PaymentConfirmed = false
		sess.RefundedAt = &now
		if from.Terminal() {
			return &mutation{change: Change{Kind: ChangeRefunded, Event: EventRefund, From: from, Actor: SystemActor}}, nil
		}
		next, err := Next(from, EventRefund)
		if err != nil {
			return nil, err
		}
		sess.Status = next
		sess.HoldExpiresAt = nil
		sess.CancelledAt = &now
		sess.CancelReason = reasonOr(reason, "payment refunded")
		return &mutation{change: Change{Kind: ChangeRefunded, Event: EventRefund, From: from, Actor: SystemActor}}, nil
	})
}

// Join admits a participant. The first join inside the window starts the
// session; later joins only record attendance.
func (s *Service) Join(ctx context.Context, actor Actor, id uuid.UUID) (*Session, error) {
	return s.mutate(ctx, "join", id, func(sess *Session, now time.Time) (*mutation, error) {
		if !sess.IsParticipant(actor) {
			return nil, ErrForbidden
		}
		if sess.Status == StatusInProgress {
			if err := s.policy.CheckVideoJoin(sess, now); err != nil {
				return nil, err
			}
			joined, left := attendance(sess, actor)
			if *joined != nil && *left == nil {
				return &mutation{noop: true}, nil
			}
			if *joined == nil {
				*joined = &now
			}
			*left = nil
			return &mutation{change: Change{Kind: ChangeUpdated, Event: EventJoin, From: sess.Status, Actor: actor}}, nil
		}
		if err := s.policy.CheckVideoJoin(sess, now); err != nil {
			return nil, err
		}
		next, _, err := Transition(sess, EventJoin)
		if err != nil {
			return nil, err
		}
		from := sess.Status
		sess.Status = next
		sess.StartedAt = &now
		joined, _ := attendance(sess, actor)
		*joined = &now
		return &mutation{change: Change{Kind: ChangeStatusChanged, Event: EventJoin, From: from, Actor: actor}}, nil
	})
}

// Leave records a participant leaving. Once both participants have joined
// and left, the session completes.
func (s *Service) Leave(ctx context.Context, actor Actor, id uuid.UUID) (*Session, error) {
	return s.mutate(ctx, "leave", id, func(sess *Session, now time.Time) (*mutation, error) {
		if !sess.IsParticipant(actor) {
			return nil, ErrForbidden
		}
		if sess.Status != StatusInProgress {
			return nil, notAllowed(sess.Status, EventEnd, "session is not in progress")
		}
		joined, left := attendance(sess, actor)
		if *joined == nil {
			return nil, notAllowed(sess.Status, EventEnd, "participant never joined")
		}
		if *left != nil {
			return &mutation{noop: true}, nil
		}
		*left = &now

		bothDone := sess.ClientJoinedAt != nil && sess.TherapistJoinedAt != nil &&
			sess.ClientLeftAt != nil && sess.TherapistLeftAt != nil
		if !bothDone {
			return &mutation{change: Change{Kind: ChangeUpdated, From: sess.Status, Actor: actor}}, nil
		}
		next, err := Next(sess.Status, EventEnd)
		if err != nil {
			return nil, err
		}
		from := sess.Status
		sess.Status = next
		sess.EndedAt = &now
		return &mutation{change: Change{Kind: ChangeStatusChanged, Event: EventEnd, From: from, Actor: actor}}, nil
	})
}

// End completes an in-progress session explicitly.
func (s *Service) End(ctx context.Context, actor Actor, id uuid.UUID) (*Session, error) {
	return s.mutate(ctx, "end", id, func(sess *Session, now time.Time) (*mutation, error) {
		if !sess.IsParticipant(actor) && actor.Role != RoleAdmin {
			return nil, ErrForbidden
		}
		next, _, err := Transition(sess, EventEnd)
		if err != nil {
			return nil, err
		}
		from := sess.Status
		sess.Status = next
		sess.EndedAt = &now
		return &mutation{change: Change{Kind: ChangeStatusChanged, Event: EventEnd, From: from, Actor: actor}}, nil
	})
}

// Cancel cancels a non-terminal session. Fee eligibility is decided at commit
// time and stored on the session.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Session, error) {
	return s.mutate(ctx, "cancel", id, func(sess *Session, now time.Time) (*mutation, error) {
		if !sess.IsParticipant(actor) && actor.Role != RoleAdmin {
			return nil, ErrForbidden
		}
		decision := s.policy.EvaluateCancellation(sess, now)
		next, _, err := Transition(sess, EventCancel)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, notAllowed(sess.Status, EventCancel, "")
		}
		from := sess.Status
		sess.Status = next
		sess.HoldExpiresAt = nil
		sess.CancelledAt = &now
		sess.CancelledBy = actorID(actor)
		sess.CancelReason = reasonOr(reason, "cancelled by "+string(actor.Role))
		sess.CancellationFeeEligible = decision.FeeEligible
		return &mutation{change: Change{Kind: ChangeStatusChanged, Event: EventCancel, From: from, Actor: actor}}, nil
	})
}

// PreviewCancellation evaluates the cancellation policy without mutating.
func (s *Service) PreviewCancellation(ctx context.Context, actor Actor, id uuid.UUID) (CancellationDecision, error) {
	sess, err := s.Get(ctx, actor, id)
	if err != nil {
		return CancellationDecision{}, err
	}
	return s.policy.EvaluateCancellation(sess, s.now()), nil
}

// Access evaluates both join predicates against the authoritative session.
func (s *Service) Access(ctx context.Context, actor Actor, id uuid.UUID) (Access, error) {
	sess, err := s.Get(ctx, actor, id)
	if err != nil {
		return Access{}, err
	}
	return s.policy.Access(sess, s.now()), nil
}

// LinkConversation associates the chat conversation, which opens chat before
// payment confirmation.
func (s *Service) LinkConversation(ctx context.Context, actor Actor, id uuid.UUID, conversationID string) (*Session, error) {
	conversationID = strings.TrimSpace(conversationID)
	return s.mutate(ctx, "link_conversation", id, func(sess *Session, now time.Time) (*mutation, error) {
		if !sess.IsParticipant(actor) && actor.Role != RoleSystem && actor.Role != RoleAdmin {
			return nil, ErrForbidden
		}
		if conversationID == "" {
			return nil, fmt.Errorf("%w: conversation_id is required", ErrInvalidBooking)
		}
		if sess.ConversationID == conversationID {
			return &mutation{noop: true}, nil
		}
		if sess.Status.Terminal() {
			return nil, notAllowed(sess.Status, "", "session is final")
		}
		sess.ConversationID = conversationID
		return &mutation{change: Change{Kind: ChangeUpdated, From: sess.Status, Actor: actor}}, nil
	})
}

// Rate records the client's rating of a completed session.
func (s *Service) Rate(ctx context.Context, actor Actor, id uuid.UUID, rating int) (*Session, error) {
	return s.mutate(ctx, "rate", id, func(sess *Session, now time.Time) (*mutation, error) {
		if actor.Role != RoleClient || actor.ID != sess.ClientID {
			return nil, ErrForbidden
		}
		if rating < 1 || rating > 5 {
			return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidBooking)
		}
		if sess.Status != StatusCompleted {
			return nil, notAllowed(sess.Status, "", "only completed sessions can be rated")
		}
		if sess.Rating != nil && *sess.Rating == rating {
			return &mutation{noop: true}, nil
		}
		sess.Rating = &rating
		return &mutation{change: Change{Kind: ChangeUpdated, From: sess.Status, Actor: actor}}, nil
	})
}

// AddNote appends a note. Preparation notes are always allowed; in-session
// and post-session notes need the matching status.
func (s *Service) AddNote(ctx context.Context, actor Actor, id uuid.UUID, noteType NoteType, content string) (*Note, error) {
	content = strings.TrimSpace(content)
	var added *Note
	_, err := s.mutate(ctx, "add_note", id, func(sess *Session, now time.Time) (*mutation, error) {
		if !sess.IsParticipant(actor) {
			return nil, ErrForbidden
		}
		if content == "" {
			return nil, fmt.Errorf("%w: content is required", ErrInvalidBooking)
		}
		if err := noteAllowed(noteType, sess.Status); err != nil {
			return nil, err
		}
		added = &Note{
			ID:        uuid.New(),
			SessionID: sess.ID,
			Content:   content,
			Type:      noteType,
			AuthorID:  actor.ID,
			CreatedAt: now,
		}
		return &mutation{
			note:   added,
			change: Change{Kind: ChangeNoteAdded, From: sess.Status, Actor: actor, Note: added},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Notes returns the session notes ordered by creation.
func (s *Service) Notes(ctx context.Context, actor Actor, id uuid.UUID) ([]Note, error) {
	sess, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if sess.Notes == nil {
		return []Note{}, nil
	}
	return sess.Notes, nil
}

func noteAllowed(noteType NoteType, status Status) error {
	switch noteType {
	case NotePreparation:
		return nil
	case NoteInSession:
		if status == StatusInProgress {
			return nil
		}
	case NotePostSession:
		if status == StatusCompleted {
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown note type %q", ErrNoteNotAllowed, noteType)
	}
	return fmt.Errorf("%w: %s note requires a different status than %s", ErrNoteNotAllowed, noteType, status)
}

// GetAvailability recomputes open intervals on every call; nothing is cached
// because other clients book concurrently.
func (s *Service) GetAvailability(ctx context.Context, therapistID uuid.UUID, r DateRange) ([]AvailabilitySlot, error) {
	ctx, span := sessionsTracer.Start(ctx, "sessions.get_availability")
	defer span.End()
	span.SetAttributes(attribute.String("therapy.therapist_id", therapistID.String()))
	start := time.Now()

	slots, err := s.availability(ctx, therapistID, r)
	s.finish(span, "get_availability", start, err)
	return slots, err
}

func (s *Service) availability(ctx context.Context, therapistID uuid.UUID, r DateRange) ([]AvailabilitySlot, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: date range must have from before to", ErrInvalidBooking)
	}
	now := s.now()
	if r.From.Before(now) {
		r.From = now
	}
	if !r.To.After(r.From) {
		return []AvailabilitySlot{}, nil
	}
	declared, err := s.calendar.Slots(ctx, therapistID, r)
	if err != nil {
		return nil, err
	}
	blocking, err := s.store.Blocking(ctx, therapistID, r, now)
	if err != nil {
		return nil, err
	}
	free := FreeSlots(declared, blocking, r)
	if free == nil {
		free = []AvailabilitySlot{}
	}
	return free, nil
}

// Get returns the authoritative session for a participant.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// List returns the actor's sessions. Clients and therapists only see their own.
func (s *Service) List(ctx context.Context, actor Actor, f ListFilter) ([]*Session, error) {
	switch actor.Role {
	case RoleClient:
		f.ClientID = actor.ID
		f.TherapistID = uuid.Nil
	case RoleTherapist:
		f.TherapistID = actor.ID
		f.ClientID = uuid.Nil
	case RoleAdmin, RoleSystem:
	default:
		return nil, ErrForbidden
	}
	list, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*Session{}
	}
	return list, nil
}

// Stats aggregates the actor's sessions once per call.
func (s *Service) Stats(ctx context.Context, actor Actor) (Stats, error) {
	list, err := s.List(ctx, actor, ListFilter{})
	if err != nil {
		return Stats{}, err
	}
	return Aggregate(list, s.now()), nil
}

// SweepMissed marks scheduled sessions nobody joined within the grace period.
func (s *Service) SweepMissed(ctx context.Context, limit int) (int, error) {
	now := s.now()
	due, err := s.store.DueMissed(ctx, now.Add(-s.policy.JoinGracePeriod), limit)
	if err != nil {
		return 0, fmt.Errorf("sessions: sweep missed: %w", err)
	}
	moved := 0
	for _, candidate := range due {
		_, err := s.mutate(ctx, "mark_missed", candidate.ID, func(sess *Session, now time.Time) (*mutation, error) {
			if sess.Status != StatusScheduled || now.Before(sess.StartTime.Add(s.policy.JoinGracePeriod)) {
				return &mutation{noop: true}, nil
			}
			next, _, err := Transition(sess, EventMarkMissed)
			if err != nil {
				return nil, err
			}
			sess.Status = next
			return &mutation{change: Change{Kind: ChangeStatusChanged, Event: EventMarkMissed, From: StatusScheduled, Actor: SystemActor}}, nil
		})
		if err != nil {
			s.logger.Error("sessions: mark missed failed", "session_id", candidate.ID, "error", err)
			continue
		}
		moved++
	}
	s.metrics.ObserveSwept("missed", moved)
	return moved, nil
}

// ExpireHolds cancels unpaid reservations whose hold lapsed, releasing the slot.
func (s *Service) ExpireHolds(ctx context.Context, limit int) (int, error) {
	now := s.now()
	expired, err := s.store.ExpiredHolds(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("sessions: expire holds: %w", err)
	}
	moved := 0
	for _, candidate := range expired {
		_, err := s.mutate(ctx, "expire_hold", candidate.ID, func(sess *Session, now time.Time) (*mutation, error) {
			if !s.policy.HoldExpired(sess, now) {
				return &mutation{noop: true}, nil
			}
			next, _, err := Transition(sess, EventExpireHold)
			if err != nil {
				return nil, err
			}
			sess.Status = next
			sess.HoldExpiresAt = nil
			sess.CancelledAt = &now
			sess.CancelReason = "payment hold expired"
			return &mutation{change: Change{Kind: ChangeStatusChanged, Event: EventExpireHold, From: StatusPendingPayment, Actor: SystemActor}}, nil
		})
		if err != nil {
			s.logger.Error("sessions: expire hold failed", "session_id", candidate.ID, "error", err)
			continue
		}
		moved++
	}
	s.metrics.ObserveSwept("expired_hold", moved)
	return moved, nil
}

type mutation struct {
	noop         bool
	checkOverlap bool
	note         *Note
	change       Change
}

// mutate reads the session, applies fn to the fresh copy and writes it back
// with compare-and-set. A lost race re-reads and re-evaluates fn; an error
// from fn discards the copy so nothing is persisted.
func (s *Service) mutate(ctx context.Context, op string, id uuid.UUID, fn func(sess *Session, now time.Time) (*mutation, error)) (*Session, error) {
	ctx, span := sessionsTracer.Start(ctx, "sessions."+op)
	defer span.End()
	span.SetAttributes(attribute.String("therapy.session_id", id.String()))
	started := time.Now()

	sess, err := s.mutateLoop(ctx, op, id, fn)
	s.finish(span, op, started, err)
	return sess, err
}

func (s *Service) mutateLoop(ctx context.Context, op string, id uuid.UUID, fn func(sess *Session, now time.Time) (*mutation, error)) (*Session, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		now := s.now()
		expected := sess.Version
		m, err := fn(sess, now)
		if err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				s.logger.Warn("sessions: transition rejected",
					"session_id", id, "from", te.From, "event", te.Event, "reason", te.Reason)
			}
			return nil, err
		}
		if m.noop {
			return sess, nil
		}
		sess.UpdatedAt = now
		m.change.Session = sess
		m.change.At = now
		err = s.store.Update(ctx, Write{
			Session:         sess,
			ExpectedVersion: expected,
			CheckOverlap:    m.checkOverlap,
			Note:            m.note,
			Change:          m.change,
			Now:             now,
		})
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Debug("sessions: version conflict, retrying", "session_id", id, "operation", op, "attempt", attempt+1)
			continue
		}
		if err != nil {
			if errors.Is(err, ErrSlotUnavailable) {
				s.logger.Warn("sessions: interval taken", "session_id", id, "operation", op)
			}
			return nil, err
		}
		if m.change.Kind == ChangeStatusChanged || m.change.Kind == ChangeRefunded {
			s.logger.Info("sessions: transition committed",
				"session_id", id, "event", m.change.Event, "from", m.change.From, "to", sess.Status, "version", sess.Version)
			s.metrics.ObserveTransition(string(m.change.Event), string(m.change.From), string(sess.Status))
		}
		s.notify(ctx, m.change)
		return sess, nil
	}
	return nil, fmt.Errorf("sessions: %s: %w", op, ErrVersionConflict)
}

func (s *Service) notify(ctx context.Context, c Change) {
	for _, l := range s.listeners {
		evt := c
		evt.Session = c.Session.Clone()
		l.SessionChanged(ctx, evt)
	}
}

// bookingIntent is what a request key was first used for.
type bookingIntent struct {
	fingerprint string
	therapistID uuid.UUID
	start       time.Time
	custom      bool
}

func (in bookingIntent) matches(sess *Session) bool {
	return sess.TherapistID == in.therapistID && sess.StartTime.Equal(in.start) && sess.IsCustomRequest == in.custom
}

// idempotent runs create at most once per (actor, key). The session row is
// the durable record of the key; the request-key store only short-circuits
// replays and rejects concurrent duplicates while the first call runs.
func (s *Service) idempotent(ctx context.Context, actor Actor, key string, in bookingIntent, create func() (*Session, error)) (*Session, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return create()
	}
	scoped := actor.ID.String() + ":" + key
	claimed := false
	if s.idem != nil {
		rec, done, err := s.idem.Claim(ctx, scoped, in.fingerprint)
		switch {
		case err == nil && done:
			id, err := uuid.Parse(rec.Result)
			if err != nil {
				return nil, fmt.Errorf("sessions: stored idempotent result: %w", err)
			}
			s.logger.Info("sessions: replaying booking for request key", "session_id", id, "client_id", actor.ID)
			return s.store.Get(ctx, id)
		case err == nil:
			claimed = true
		case errors.Is(err, idempotency.ErrInFlight), errors.Is(err, idempotency.ErrKeyReused):
			return nil, err
		default:
			s.logger.Warn("sessions: request key store unavailable", "client_id", actor.ID, "error", err)
		}
	}

	sess, err := s.storedBooking(ctx, actor, key, in)
	if err == nil && sess == nil {
		sess, err = create()
		if errors.Is(err, errRequestKeyTaken) || errors.Is(err, ErrSlotUnavailable) {
			// A concurrent call under the same key may have won; its hold is
			// what made this one fail.
			if stored, lookupErr := s.storedBooking(ctx, actor, key, in); lookupErr != nil || stored != nil {
				sess, err = stored, lookupErr
			}
		}
		if errors.Is(err, errRequestKeyTaken) {
			err = fmt.Errorf("sessions: request key %q taken by another request: %w", key, idempotency.ErrKeyReused)
		}
	}

	if claimed {
		s.settleKey(ctx, scoped, in.fingerprint, sess, err)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// storedBooking returns the client's session already created under key, or
// nil when there is none.
func (s *Service) storedBooking(ctx context.Context, actor Actor, key string, in bookingIntent) (*Session, error) {
	existing, err := s.store.FindByRequestKey(ctx, actor.ID, key)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !in.matches(existing) {
		return nil, idempotency.ErrKeyReused
	}
	s.logger.Info("sessions: replaying stored booking for request key", "session_id", existing.ID, "client_id", actor.ID)
	return existing, nil
}

func (s *Service) settleKey(ctx context.Context, scoped, fingerprint string, sess *Session, err error) {
	if err != nil {
		if relErr := s.idem.Release(ctx, scoped); relErr != nil {
			s.logger.Error("sessions: release request key", "error", relErr)
		}
		return
	}
	if err := s.idem.Complete(ctx, scoped, fingerprint, sess.ID.String()); err != nil {
		s.logger.Error("sessions: complete request key", "session_id", sess.ID, "error", err)
	}
}

func (s *Service) finish(span trace.Span, op string, started time.Time, err error) {
	s.metrics.ObserveLatency(op, time.Since(started).Seconds())
	if err == nil {
		return
	}
	kind := ErrorKind(err)
	span.RecordError(err)
	span.SetAttributes(attribute.String("therapy.error_kind", kind))
	s.metrics.ObserveRejection(op, kind)
	if kind == KindInternal {
		s.logger.Error("sessions: operation failed", "operation", op, "error", err)
	}
}

func (s *Service) validateDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidBooking)
	}
	if d%time.Minute != 0 {
		return fmt.Errorf("%w: duration must be whole minutes", ErrInvalidBooking)
	}
	if d > s.maxDur {
		return fmt.Errorf("%w: duration exceeds %s", ErrInvalidBooking, s.maxDur)
	}
	return nil
}

// PriceCents is hourlyRate × minutes / 60, rounded half-up to a cent.
func PriceCents(hourlyRateCents int64, minutes int) int64 {
	return (hourlyRateCents*int64(minutes) + 30) / 60
}

func validateSessionType(t SessionType) error {
	_, err := ParseSessionType(string(t))
	return err
}

func authorize(actor Actor, sess *Session) error {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return nil
	}
	if sess.IsParticipant(actor) {
		return nil
	}
	return ErrForbidden
}

func requireTherapist(actor Actor, sess *Session) error {
	if actor.Role == RoleAdmin {
		return nil
	}
	if actor.Role == RoleTherapist && actor.ID == sess.TherapistID {
		return nil
	}
	return ErrForbidden
}

func attendance(sess *Session, actor Actor) (joined, left **time.Time) {
	if actor.Role == RoleTherapist {
		return &sess.TherapistJoinedAt, &sess.TherapistLeftAt
	}
	return &sess.ClientJoinedAt, &sess.ClientLeftAt
}

func actorID(actor Actor) *uuid.UUID {
	if actor.ID == uuid.Nil {
		return nil
	}
	id := actor.ID
	return &id
}

func reasonOr(reason, fallback string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return fallback
}

func bookingOutcome(err error) string {
	if err == nil {
		return "created"
	}
	return ErrorKind(err)
}

func standardIntent(req StandardBookingRequest) bookingIntent {
	return bookingIntent{
		fingerprint: standardFingerprint(req),
		therapistID: req.TherapistID,
		start:       req.StartTime,
	}
}

func customIntent(req CustomBookingRequest) bookingIntent {
	return bookingIntent{
		fingerprint: customFingerprint(req),
		therapistID: req.TherapistID,
		start:       req.StartTime,
		custom:      true,
	}
}

func standardFingerprint(req StandardBookingRequest) string {
	return fingerprint("standard", req.TherapistID.String(), req.StartTime.UTC().Format(time.RFC3339Nano),
		req.EndTime.UTC().Format(time.RFC3339Nano), string(req.SessionType))
}

func customFingerprint(req CustomBookingRequest) string {
	return fingerprint("custom", req.TherapistID.String(), req.StartTime.UTC().Format(time.RFC3339Nano),
		fmt.Sprint(req.DurationMinutes), string(req.SessionType))
}

func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
