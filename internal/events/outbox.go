package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/therapy-sessions/internal/observability/metrics"
	"github.com/wolfman30/therapy-sessions/pkg/logging"
)

// OutboxEntry represents a pending event.
type OutboxEntry struct {
	ID          uuid.UUID
	AggregateID string
	Type        string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// DeliveryHandler emits events to downstream transports.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// DeliveryHandlerFunc adapts a function to DeliveryHandler.
type DeliveryHandlerFunc func(ctx context.Context, entry OutboxEntry) error

func (f DeliveryHandlerFunc) Handle(ctx context.Context, entry OutboxEntry) error {
	return f(ctx, entry)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type outboxDB interface {
	execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore persists events for reliable delivery. Fetched entries are
// leased for claimTTL so concurrent deliverers never publish the same row at
// the same time.
type OutboxStore struct {
	db       outboxDB
	claimTTL time.Duration
}

func NewOutboxStore(db outboxDB) *OutboxStore {
	if db == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{db: db, claimTTL: time.Minute}
}

// WithClaimTTL sets how long a fetched entry stays invisible to other deliverers.
func (s *OutboxStore) WithClaimTTL(ttl time.Duration) *OutboxStore {
	if ttl > 0 {
		s.claimTTL = ttl
	}
	return s
}

const insertOutbox = `
	INSERT INTO outbox (id, aggregate_id, type, payload)
	VALUES ($1, $2, $3, $4)
`

// Insert writes an event outside any caller transaction.
func (s *OutboxStore) Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error) {
	return insertEntry(ctx, s.db, aggregateID, eventType, payload)
}

// InsertTx writes an event inside tx so it commits with the state change.
func (s *OutboxStore) InsertTx(ctx context.Context, tx pgx.Tx, aggregateID string, eventType string, payload any) (uuid.UUID, error) {
	return insertEntry(ctx, tx, aggregateID, eventType, payload)
}

func insertEntry(ctx context.Context, db execer, aggregateID, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	if _, err := db.Exec(ctx, insertOutbox, id, aggregateID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

const claimPending = `
	WITH due AS (
		SELECT id FROM outbox
		WHERE delivered_at IS NULL AND (claimed_until IS NULL OR claimed_until < now())
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE outbox o
	SET claimed_until = now() + make_interval(secs => $2)
	FROM due
	WHERE o.id = due.id
	RETURNING o.id, o.aggregate_id, o.type, o.payload, o.created_at
`

// FetchPending claims up to limit undelivered entries, oldest first. Rows
// locked or leased by another deliverer are skipped.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error) {
	rows, err := s.db.Query(ctx, claimPending, limit, s.claimTTL.Seconds())
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.AggregateID, &entry.Type, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = append([]byte(nil), payload...)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE outbox
		SET delivered_at = now()
		WHERE id = $1 AND delivered_at IS NULL
	`
	ct, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Release drops the lease on an entry so the next poll retries it.
func (s *OutboxStore) Release(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `UPDATE outbox SET claimed_until = NULL WHERE id = $1 AND delivered_at IS NULL`, id); err != nil {
		return fmt.Errorf("events: release outbox: %w", err)
	}
	return nil
}

type pendingStore interface {
	FetchPending(ctx context.Context, limit int32) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	Release(ctx context.Context, id uuid.UUID) error
}

// Deliverer polls the outbox and invokes the handler. Entries that fail are
// released and retried on the next tick. Delivery is at least once: an entry
// whose lease expires before MarkDelivered is published again, so consumers
// deduplicate on the event id.
type Deliverer struct {
	store     pendingStore
	handler   DeliveryHandler
	logger    *logging.Logger
	metrics   *metrics.SessionMetrics
	batchSize int32
	interval  time.Duration
}

func NewDeliverer(store pendingStore, handler DeliveryHandler, logger *logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Deliverer{
		store:     store,
		handler:   handler,
		logger:    logger,
		batchSize: 25,
		interval:  2 * time.Second,
	}
}

func (d *Deliverer) WithBatchSize(size int32) *Deliverer {
	if size > 0 {
		d.batchSize = size
	}
	return d
}

func (d *Deliverer) WithInterval(interval time.Duration) *Deliverer {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

func (d *Deliverer) WithMetrics(m *metrics.SessionMetrics) *Deliverer {
	d.metrics = m
	return d
}

func (d *Deliverer) Start(ctx context.Context) {
	if d.store == nil || d.handler == nil {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Drain(ctx)
		}
	}
}

// Drain delivers one batch and returns how many entries were delivered.
func (d *Deliverer) Drain(ctx context.Context) int {
	entries, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	delivered := 0
	for _, entry := range entries {
		if err := d.handler.Handle(ctx, entry); err != nil {
			d.logger.Error("outbox delivery failed", "error", err, "event_id", entry.ID, "type", entry.Type)
			d.metrics.ObserveOutboxDelivery("failed")
			if err := d.store.Release(ctx, entry.ID); err != nil {
				d.logger.Warn("failed to release outbox entry", "error", err, "event_id", entry.ID)
			}
			continue
		}
		if ok, err := d.store.MarkDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
		} else if ok {
			delivered++
			d.metrics.ObserveOutboxDelivery("delivered")
			d.logger.Debug("outbox delivered", "event_id", entry.ID, "type", entry.Type)
		}
	}
	return delivered
}
