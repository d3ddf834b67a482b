// Command seed-calendar loads therapists and their declared slots from a JSON
// file into Postgres.
//
// Usage:
//
//	DATABASE_URL=... go run ./scripts/seed-calendar scripts/seed-calendar/testdata/calendar.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// CalendarFile is the seed format.
type CalendarFile struct {
	Therapists []TherapistSeed `json:"therapists"`
}

type TherapistSeed struct {
	ID              uuid.UUID  `json:"id"`
	DisplayName     string     `json:"display_name"`
	HourlyRateCents int64      `json:"hourly_rate_cents"`
	Slots           []SlotSeed `json:"slots"`
}

type SlotSeed struct {
	Start                  time.Time `json:"start"`
	End                    time.Time `json:"end"`
	DefaultDurationMinutes int       `json:"default_duration_minutes"`
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"))

	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/seed-calendar <calendar-file.json>")
		os.Exit(1)
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		logger.Error("open calendar file", "error", err)
		os.Exit(1)
	}
	defer f.Close()

	calendar, err := parseCalendar(f)
	if err != nil {
		logger.Error("parse calendar file", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	slots, err := seed(ctx, pool, calendar)
	if err != nil {
		logger.Error("seed calendar", "error", err)
		os.Exit(1)
	}
	logger.Info("calendar seeded", "therapists", len(calendar.Therapists), "slots", slots)
}

func parseCalendar(r io.Reader) (*CalendarFile, error) {
	var calendar CalendarFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&calendar); err != nil {
		return nil, err
	}
	for i, t := range calendar.Therapists {
		if t.ID == uuid.Nil {
			return nil, fmt.Errorf("therapist %d: id is required", i)
		}
		if t.HourlyRateCents < 0 {
			return nil, fmt.Errorf("therapist %s: negative hourly rate", t.ID)
		}
		for j, s := range t.Slots {
			if !s.End.After(s.Start) {
				return nil, fmt.Errorf("therapist %s slot %d: end must be after start", t.ID, j)
			}
			if s.DefaultDurationMinutes <= 0 {
				calendar.Therapists[i].Slots[j].DefaultDurationMinutes = 60
			}
		}
	}
	return &calendar, nil
}

// seed upserts therapists and replaces their future slots in one transaction.
func seed(ctx context.Context, db txBeginner, calendar *CalendarFile) (int, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	slots := 0
	for _, t := range calendar.Therapists {
		if err := upsertTherapist(ctx, tx, t); err != nil {
			return 0, err
		}
		for _, s := range t.Slots {
			if _, err := tx.Exec(ctx, `
				INSERT INTO therapist_slots (therapist_id, start_time, end_time, default_duration_minutes)
				VALUES ($1, $2, $3, $4)`, t.ID, s.Start.UTC(), s.End.UTC(), s.DefaultDurationMinutes); err != nil {
				return 0, fmt.Errorf("insert slot for %s: %w", t.ID, err)
			}
			slots++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return slots, nil
}

func upsertTherapist(ctx context.Context, db execer, t TherapistSeed) error {
	if _, err := db.Exec(ctx, `
		INSERT INTO therapists (id, display_name, hourly_rate_cents)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			hourly_rate_cents = EXCLUDED.hourly_rate_cents,
			updated_at = now()`, t.ID, t.DisplayName, t.HourlyRateCents); err != nil {
		return fmt.Errorf("upsert therapist %s: %w", t.ID, err)
	}
	if _, err := db.Exec(ctx, `DELETE FROM therapist_slots WHERE therapist_id = $1 AND start_time >= now()`, t.ID); err != nil {
		return fmt.Errorf("clear slots for %s: %w", t.ID, err)
	}
	return nil
}
