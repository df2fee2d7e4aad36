package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "idem:"

// redisClient is the subset of redis.Cmdable used by RedisStore.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps records as JSON strings with a native TTL.
type RedisStore struct {
	client redisClient
	prefix string
}

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	return newRedisStore(client, opts...)
}

func newRedisStore(client redisClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) key(key string) string {
	return s.prefix + documentID(key)
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = normalizeTTL(ttl)
	record := pendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, err
	}

	ok, err := s.client.SetNX(ctx, s.key(key), payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: redis reserve: %w", err)
	}
	if ok {
		return Reservation{Outcome: OutcomeFresh, Record: record}, nil
	}

	existing, found, err := s.load(ctx, key)
	if err != nil {
		return Reservation{}, err
	}
	if !found {
		// expired between SETNX and GET; the caller may retry
		return Reservation{Outcome: OutcomeInFlight, Record: record}, nil
	}
	return classify(existing, fingerprint)
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = normalizeTTL(ttl)
	record, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	} else if record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	payload, err := json.Marshal(complete(record, resp, now, ttl))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis save: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, _ string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: redis release: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op: redis expires keys on its own.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: redis load: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}
