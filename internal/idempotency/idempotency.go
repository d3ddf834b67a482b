package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInFlight is returned while the first request with a key is still running.
	ErrInFlight = errors.New("idempotency: request in flight")

	// ErrKeyReused is returned when a key is replayed with a different request body.
	ErrKeyReused = errors.New("idempotency: key reused with different request")
)

const (
	statePending = "pending"
	stateDone    = "done"
)

// Record is the stored outcome of a keyed request.
type Record struct {
	State       string `json:"state"`
	Fingerprint string `json:"fingerprint"`
	Result      string `json:"result,omitempty"`
}

// Store guards creation calls so a retried request returns the original result.
type Store interface {
	// Claim reserves key for fingerprint. When the key already completed with
	// the same fingerprint, the stored record is returned with done=true.
	Claim(ctx context.Context, key, fingerprint string) (rec Record, done bool, err error)
	// Complete stores the result for a claimed key.
	Complete(ctx context.Context, key, fingerprint, result string) error
	// Release drops a pending claim so the caller may retry after a failure.
	Release(ctx context.Context, key string) error
}

func checkExisting(rec Record, fingerprint string) (Record, bool, error) {
	if rec.Fingerprint != fingerprint {
		return Record{}, false, ErrKeyReused
	}
	if rec.State != stateDone {
		return Record{}, false, ErrInFlight
	}
	return rec, true, nil
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	ttl        time.Duration
	pendingTTL time.Duration
	now        func() time.Time
}

// NewMemoryStore keeps completed records for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		ttl:        ttl,
		pendingTTL: defaultPendingTTL,
		now:        time.Now,
	}
}

func (m *MemoryStore) Claim(ctx context.Context, key, fingerprint string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if entry, ok := m.entries[key]; ok && now.Before(entry.expires) {
		return checkExisting(entry.rec, fingerprint)
	}
	m.entries[key] = memoryEntry{
		rec:     Record{State: statePending, Fingerprint: fingerprint},
		expires: now.Add(m.pendingTTL),
	}
	return Record{}, false, nil
}

func (m *MemoryStore) Complete(ctx context.Context, key, fingerprint, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{
		rec:     Record{State: stateDone, Fingerprint: fingerprint, Result: result},
		expires: m.now().Add(m.ttl),
	}
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok && entry.rec.State == statePending {
		delete(m.entries, key)
	}
	return nil
}
