package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPendingTTL = 30 * time.Second

// RedisStore keeps keyed request records in Redis. Claims use SETNX so only
// one concurrent request with a key runs.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewRedisStore keeps completed records for ttl.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client:     client,
		prefix:     "idempotency:",
		ttl:        ttl,
		pendingTTL: defaultPendingTTL,
	}
}

func (s *RedisStore) Claim(ctx context.Context, key, fingerprint string) (Record, bool, error) {
	pending, err := json.Marshal(Record{State: statePending, Fingerprint: fingerprint})
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: marshal claim: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, pending, s.pendingTTL).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: claim: %w", err)
	}
	if ok {
		return Record{}, false, nil
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Claim(ctx, key, fingerprint)
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return checkExisting(rec, fingerprint)
}

func (s *RedisStore) Complete(ctx context.Context, key, fingerprint, result string) error {
	done, err := json.Marshal(Record{State: stateDone, Fingerprint: fingerprint, Result: result})
	if err != nil {
		return fmt.Errorf("idempotency: marshal result: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, done, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}
