package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Payment statuses.
const (
	StatusPending         = "pending"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusRefundRequested = "refund_requested"
	StatusRefunded        = "refunded"
)

// ErrPaymentNotFound is returned when no payment record exists.
var ErrPaymentNotFound = errors.New("payment not found")

// Payment is the record of money owed for one session. There is at most one
// per session so retries reuse it.
type Payment struct {
	ID           uuid.UUID `json:"id"`
	SessionID    uuid.UUID `json:"session_id"`
	ClientID     uuid.UUID `json:"client_id"`
	Provider     string    `json:"provider"`
	ProviderRef  string    `json:"provider_ref,omitempty"`
	CheckoutURL  string    `json:"checkout_url,omitempty"`
	AmountCents  int64     `json:"amount_cents"`
	Currency     string    `json:"currency"`
	Status       string    `json:"status"`
	Refunded     bool      `json:"refunded"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists payment records.
type Store interface {
	EnsureForSession(ctx context.Context, p Payment) (*Payment, error)
	SetCheckout(ctx context.Context, id uuid.UUID, providerRef, checkoutURL string) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*Payment, error)
	UpdateStatus(ctx context.Context, sessionID uuid.UUID, status, providerRef string) (*Payment, error)
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists payments in session_payments.
type Repository struct {
	db db
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool db) *Repository {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &Repository{db: pool}
}

const paymentColumns = `id, session_id, client_id, provider, COALESCE(provider_ref, ''), checkout_url,
	amount_cents, currency, status, refunded, failure_count, created_at, updated_at`

// EnsureForSession inserts p or returns the record already held for the session.
func (r *Repository) EnsureForSession(ctx context.Context, p Payment) (*Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO session_payments (id, session_id, client_id, provider, amount_cents, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET updated_at = now()
		RETURNING `+paymentColumns,
		p.ID, p.SessionID, p.ClientID, p.Provider, p.AmountCents, p.Currency, StatusPending,
	)
	out, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("payments: ensure for session: %w", err)
	}
	return out, nil
}

// SetCheckout stores the provider checkout reference for a payment.
func (r *Repository) SetCheckout(ctx context.Context, id uuid.UUID, providerRef, checkoutURL string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE session_payments
		SET provider_ref = $2, checkout_url = $3, status = $4, updated_at = now()
		WHERE id = $1`, id, providerRef, checkoutURL, StatusPending)
	if err != nil {
		return fmt.Errorf("payments: set checkout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// GetByID fetches a payment by UUID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return r.get(ctx, "id", id)
}

// GetBySessionID fetches the payment for a session.
func (r *Repository) GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*Payment, error) {
	return r.get(ctx, "session_id", sessionID)
}

func (r *Repository) get(ctx context.Context, column string, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM session_payments WHERE `+column+` = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("payments: load by %s: %w", column, err)
	}
	return p, nil
}

// UpdateStatus moves the session's payment to status. A non-empty providerRef
// replaces the stored one; failures are counted and refunds are sticky.
func (r *Repository) UpdateStatus(ctx context.Context, sessionID uuid.UUID, status, providerRef string) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `
		UPDATE session_payments SET
			status = $2,
			provider_ref = COALESCE(NULLIF($3, ''), provider_ref),
			refunded = refunded OR $2 = 'refunded',
			failure_count = failure_count + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END,
			updated_at = now()
		WHERE session_id = $1
		RETURNING `+paymentColumns, sessionID, status, providerRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("payments: update status: %w", err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	if err := row.Scan(&p.ID, &p.SessionID, &p.ClientID, &p.Provider, &p.ProviderRef, &p.CheckoutURL,
		&p.AmountCents, &p.Currency, &p.Status, &p.Refunded, &p.FailureCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// MemoryRepository keeps payments in process for local runs and tests.
type MemoryRepository struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*Payment
	bySession map[uuid.UUID]uuid.UUID
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:      make(map[uuid.UUID]*Payment),
		bySession: make(map[uuid.UUID]uuid.UUID),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) EnsureForSession(_ context.Context, p Payment) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bySession[p.SessionID]; ok {
		existing := *m.byID[id]
		return &existing, nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = StatusPending
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	stored := p
	m.byID[p.ID] = &stored
	m.bySession[p.SessionID] = p.ID
	return &p, nil
}

func (m *MemoryRepository) SetCheckout(_ context.Context, id uuid.UUID, providerRef, checkoutURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrPaymentNotFound
	}
	p.ProviderRef = providerRef
	p.CheckoutURL = checkoutURL
	p.Status = StatusPending
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryRepository) GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	id, ok := m.bySession[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, sessionID uuid.UUID, status, providerRef string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p := m.byID[id]
	p.Status = status
	if providerRef != "" {
		p.ProviderRef = providerRef
	}
	if status == StatusRefunded {
		p.Refunded = true
	}
	if status == StatusFailed {
		p.FailureCount++
	}
	p.UpdatedAt = m.now()
	out := *p
	return &out, nil
}
