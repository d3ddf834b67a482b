package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wolfman30/therapy-sessions/internal/sessions"
)

// StatusLine is one row of a therapist report.
type StatusLine struct {
	Status          sessions.Status `json:"status"`
	Sessions        int             `json:"sessions"`
	BookedMinutes   int             `json:"booked_minutes"`
	PaidMinutes     int             `json:"paid_minutes"`
	CollectedCents  int64           `json:"collected_cents"`
	FeeEligible     int             `json:"fee_eligible"`
	RefundedPayment int             `json:"refunded"`
}

// TherapistReport summarises one therapist's sessions that start in [From, To).
type TherapistReport struct {
	TherapistID    uuid.UUID    `json:"therapist_id"`
	From           time.Time    `json:"from"`
	To             time.Time    `json:"to"`
	Lines          []StatusLine `json:"by_status"`
	TotalSessions  int          `json:"total_sessions"`
	BilledCents    int64        `json:"billed_cents"`
	BilledHours    float64      `json:"billed_hours"`
	CollectedCents int64        `json:"collected_cents"`
}

// Repository runs read-only reporting queries over the sessions tables.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// TherapistReport groups the therapist's sessions by status. An empty
// statuses filter includes every status. Billed figures count completed
// sessions whose payment is still held.
func (r *Repository) TherapistReport(ctx context.Context, therapistID uuid.UUID, from, to time.Time, statuses []sessions.Status) (*TherapistReport, error) {
	var filter []string
	for _, s := range statuses {
		filter = append(filter, string(s))
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status,
		       COUNT(*),
		       COALESCE(SUM(duration_minutes), 0),
		       COALESCE(SUM(duration_minutes) FILTER (WHERE payment_confirmed), 0),
		       COALESCE(SUM(price_cents) FILTER (WHERE payment_confirmed), 0),
		       COUNT(*) FILTER (WHERE cancellation_fee_eligible),
		       COUNT(*) FILTER (WHERE refunded_at IS NOT NULL)
		FROM sessions
		WHERE therapist_id = $1
		  AND start_time >= $2 AND start_time < $3
		  AND ($4::text[] IS NULL OR status = ANY($4))
		GROUP BY status
		ORDER BY status`,
		therapistID, from, to, pq.Array(filter))
	if err != nil {
		return nil, fmt.Errorf("reporting: therapist report: %w", err)
	}
	defer rows.Close()

	report := &TherapistReport{TherapistID: therapistID, From: from, To: to, Lines: []StatusLine{}}
	var billedMinutes int
	for rows.Next() {
		var line StatusLine
		var status string
		if err := rows.Scan(&status, &line.Sessions, &line.BookedMinutes, &line.PaidMinutes, &line.CollectedCents,
			&line.FeeEligible, &line.RefundedPayment); err != nil {
			return nil, fmt.Errorf("reporting: scan report row: %w", err)
		}
		line.Status = sessions.Status(status)
		report.Lines = append(report.Lines, line)
		report.TotalSessions += line.Sessions
		report.CollectedCents += line.CollectedCents
		if line.Status == sessions.StatusCompleted {
			report.BilledCents += line.CollectedCents
			billedMinutes += line.PaidMinutes
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reporting: iterate report rows: %w", err)
	}
	report.BilledHours = math.Round(float64(billedMinutes)/60*100) / 100
	return report, nil
}

// TherapistExists reports whether the therapist is known.
func (r *Repository) TherapistExists(ctx context.Context, therapistID uuid.UUID) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM therapists WHERE id = $1)`, therapistID).Scan(&exists); err != nil {
		return false, fmt.Errorf("reporting: therapist lookup: %w", err)
	}
	return exists, nil
}
