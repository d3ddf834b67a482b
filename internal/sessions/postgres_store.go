package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx pool for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxRecorder persists a change inside the transaction that commits it.
type TxRecorder interface {
	RecordTx(ctx context.Context, tx pgx.Tx, c Change) error
}

// PostgresStore keeps sessions in Postgres. Writes that can make a session
// blocking take a per-therapist advisory lock before the overlap check.
type PostgresStore struct {
	db       DB
	recorder TxRecorder
}

// NewPostgresStore creates a store over a pgx pool.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithRecorder writes each change through r in the same transaction.
func (s *PostgresStore) WithRecorder(r TxRecorder) *PostgresStore {
	s.recorder = r
	return s
}

const sessionColumns = `id, client_id, therapist_id, start_time, end_time, session_type, status,
	payment_confirmed, is_custom_request, price_cents, currency, rating, conversation_id, request_key,
	client_joined_at, therapist_joined_at, client_left_at, therapist_left_at, started_at, ended_at,
	cancelled_at, cancelled_by, cancel_reason, cancellation_fee_eligible, refunded_at, hold_expires_at,
	version, created_at, updated_at`

const overlapQuery = `
	SELECT EXISTS (
		SELECT 1 FROM sessions
		WHERE therapist_id = $1 AND id <> $2
		  AND start_time < $4 AND end_time > $3
		  AND (status IN ('scheduled', 'in_progress')
		       OR (status = 'pending_payment' AND hold_expires_at > $5))
	)`

func (s *PostgresStore) Create(ctx context.Context, w Write) error {
	sess := w.Session
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sessions: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if w.CheckOverlap {
		if err := lockAndCheck(ctx, tx, sess, w.Now); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`, duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, 1, $27, $28, $29)`,
		sess.ID, sess.ClientID, sess.TherapistID, sess.StartTime, sess.EndTime, string(sess.SessionType), string(sess.Status),
		sess.PaymentConfirmed, sess.IsCustomRequest, sess.PriceCents, sess.Currency, sess.Rating, sess.ConversationID, nullString(sess.RequestKey),
		sess.ClientJoinedAt, sess.TherapistJoinedAt, sess.ClientLeftAt, sess.TherapistLeftAt, sess.StartedAt, sess.EndedAt,
		sess.CancelledAt, sess.CancelledBy, sess.CancelReason, sess.CancellationFeeEligible, sess.RefundedAt, sess.HoldExpiresAt,
		sess.CreatedAt, sess.UpdatedAt, sess.DurationMinutes(),
	)
	if err != nil {
		return mapWriteError("create", err)
	}
	sess.Version = 1
	if err := s.record(ctx, tx, w); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError("commit create", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, w Write) error {
	sess := w.Session
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sessions: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if w.CheckOverlap {
		if err := lockAndCheck(ctx, tx, sess, w.Now); err != nil {
			return err
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET
			status = $3, payment_confirmed = $4, rating = $5, conversation_id = $6,
			client_joined_at = $7, therapist_joined_at = $8, client_left_at = $9, therapist_left_at = $10,
			started_at = $11, ended_at = $12, cancelled_at = $13, cancelled_by = $14, cancel_reason = $15,
			cancellation_fee_eligible = $16, refunded_at = $17, hold_expires_at = $18,
			version = version + 1, updated_at = $19
		WHERE id = $1 AND version = $2`,
		sess.ID, w.ExpectedVersion, string(sess.Status), sess.PaymentConfirmed, sess.Rating, sess.ConversationID,
		sess.ClientJoinedAt, sess.TherapistJoinedAt, sess.ClientLeftAt, sess.TherapistLeftAt,
		sess.StartedAt, sess.EndedAt, sess.CancelledAt, sess.CancelledBy, sess.CancelReason,
		sess.CancellationFeeEligible, sess.RefundedAt, sess.HoldExpiresAt, sess.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("update", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if w.Note != nil {
		n := w.Note
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_notes (id, session_id, content, note_type, author_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			n.ID, n.SessionID, n.Content, string(n.Type), n.AuthorID, n.CreatedAt,
		); err != nil {
			return fmt.Errorf("sessions: insert note: %w", err)
		}
	}

	sess.Version = w.ExpectedVersion + 1
	if err := s.record(ctx, tx, w); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError("commit update", err)
	}
	if w.Note != nil {
		sess.Notes = append(sess.Notes, *w.Note)
	}
	return nil
}

func (s *PostgresStore) record(ctx context.Context, tx pgx.Tx, w Write) error {
	if s.recorder == nil {
		return nil
	}
	if err := s.recorder.RecordTx(ctx, tx, w.Change); err != nil {
		return fmt.Errorf("sessions: record change: %w", err)
	}
	return nil
}

func lockAndCheck(ctx context.Context, tx pgx.Tx, sess *Session, now time.Time) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", sess.TherapistID.String()); err != nil {
		return fmt.Errorf("sessions: therapist lock: %w", err)
	}
	var taken bool
	if err := tx.QueryRow(ctx, overlapQuery, sess.TherapistID, sess.ID, sess.StartTime, sess.EndTime, now).Scan(&taken); err != nil {
		return fmt.Errorf("sessions: overlap check: %w", err)
	}
	if taken {
		return ErrSlotUnavailable
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("sessions: get: %w", err)
	}
	if err := s.attachNotes(ctx, []*Session{sess}); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) FindByRequestKey(ctx context.Context, clientID uuid.UUID, key string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE client_id = $1 AND request_key = $2`, clientID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("sessions: find by request key: %w", err)
	}
	if err := s.attachNotes(ctx, []*Session{sess}); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Session, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ClientID != uuid.Nil {
		add("client_id = $%d", f.ClientID)
	}
	if f.TherapistID != uuid.Nil {
		add("therapist_id = $%d", f.TherapistID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if !f.From.IsZero() {
		add("end_time > $%d", f.From)
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time ASC, created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	list, err := s.querySessions(ctx, "list", query, args...)
	if err != nil {
		return nil, err
	}
	if err := s.attachNotes(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *PostgresStore) Blocking(ctx context.Context, therapistID uuid.UUID, r DateRange, now time.Time) ([]*Session, error) {
	return s.querySessions(ctx, "blocking", `
		SELECT `+sessionColumns+` FROM sessions
		WHERE therapist_id = $1 AND start_time < $3 AND end_time > $2
		  AND (status IN ('scheduled', 'in_progress')
		       OR (status = 'pending_payment' AND hold_expires_at > $4))
		ORDER BY start_time ASC`, therapistID, r.From, r.To, now)
}

func (s *PostgresStore) DueMissed(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	return s.querySessions(ctx, "due missed", `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'scheduled' AND start_time <= $1
		ORDER BY start_time ASC LIMIT $2`, cutoff, limit)
}

func (s *PostgresStore) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	return s.querySessions(ctx, "expired holds", `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'pending_payment' AND hold_expires_at <= $1
		ORDER BY hold_expires_at ASC LIMIT $2`, now, limit)
}

func (s *PostgresStore) querySessions(ctx context.Context, op, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: %s: %w", op, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sessions: %s: %w", op, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: %s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) attachNotes(ctx context.Context, list []*Session) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	byID := make(map[uuid.UUID]*Session, len(list))
	for i, sess := range list {
		ids[i] = sess.ID.String()
		byID[sess.ID] = sess
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, content, note_type, author_id, created_at
		FROM session_notes
		WHERE session_id = ANY($1::uuid[])
		ORDER BY created_at ASC, id ASC`, ids)
	if err != nil {
		return fmt.Errorf("sessions: list notes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n Note
		var noteType string
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Content, &noteType, &n.AuthorID, &n.CreatedAt); err != nil {
			return fmt.Errorf("sessions: scan note: %w", err)
		}
		n.Type = NoteType(noteType)
		if sess, ok := byID[n.SessionID]; ok {
			sess.Notes = append(sess.Notes, n)
		}
	}
	return rows.Err()
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess        Session
		sessionType string
		status      string
		requestKey  *string
	)
	err := row.Scan(
		&sess.ID, &sess.ClientID, &sess.TherapistID, &sess.StartTime, &sess.EndTime, &sessionType, &status,
		&sess.PaymentConfirmed, &sess.IsCustomRequest, &sess.PriceCents, &sess.Currency, &sess.Rating, &sess.ConversationID, &requestKey,
		&sess.ClientJoinedAt, &sess.TherapistJoinedAt, &sess.ClientLeftAt, &sess.TherapistLeftAt, &sess.StartedAt, &sess.EndedAt,
		&sess.CancelledAt, &sess.CancelledBy, &sess.CancelReason, &sess.CancellationFeeEligible, &sess.RefundedAt, &sess.HoldExpiresAt,
		&sess.Version, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.SessionType = SessionType(sessionType)
	sess.Status = Status(status)
	if requestKey != nil {
		sess.RequestKey = *requestKey
	}
	return &sess, nil
}

// requestKeyConstraint is the unique index on (client_id, request_key).
const requestKeyConstraint = "sessions_client_request_key"

// mapWriteError turns the exclusion constraint on live sessions into
// ErrSlotUnavailable and a reused request key into errRequestKeyTaken.
func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23P01":
			return ErrSlotUnavailable
		case pgErr.Code == "23505" && pgErr.ConstraintName == requestKeyConstraint:
			return errRequestKeyTaken
		}
	}
	return fmt.Errorf("sessions: %s: %w", op, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PostgresCalendar reads declared slots and rates from the calendar tables.
type PostgresCalendar struct {
	db DB
}

// NewPostgresCalendar creates a calendar reader.
func NewPostgresCalendar(db DB) *PostgresCalendar {
	return &PostgresCalendar{db: db}
}

func (c *PostgresCalendar) Slots(ctx context.Context, therapistID uuid.UUID, r DateRange) ([]AvailabilitySlot, error) {
	if _, err := c.HourlyRateCents(ctx, therapistID); err != nil {
		return nil, err
	}
	rows, err := c.db.Query(ctx, `
		SELECT therapist_id, start_time, end_time, default_duration_minutes
		FROM therapist_slots
		WHERE therapist_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time ASC`, therapistID, r.From, r.To)
	if err != nil {
		return nil, fmt.Errorf("sessions: list slots: %w", err)
	}
	defer rows.Close()

	var out []AvailabilitySlot
	for rows.Next() {
		var slot AvailabilitySlot
		if err := rows.Scan(&slot.TherapistID, &slot.StartTime, &slot.EndTime, &slot.DefaultDurationMinutes); err != nil {
			return nil, fmt.Errorf("sessions: scan slot: %w", err)
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (c *PostgresCalendar) HourlyRateCents(ctx context.Context, therapistID uuid.UUID) (int64, error) {
	var cents int64
	err := c.db.QueryRow(ctx, `SELECT hourly_rate_cents FROM therapists WHERE id = $1`, therapistID).Scan(&cents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTherapistNotFound
		}
		return 0, fmt.Errorf("sessions: hourly rate: %w", err)
	}
	return cents, nil
}
