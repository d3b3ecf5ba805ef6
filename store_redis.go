package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisEntry is the wire format stored in Redis, kept separate from
// CacheEntry so a future wire-format change doesn't ripple into the
// Store's in-process type.
type redisEntry struct {
	State       State          `json:"state"`
	Fingerprint Fingerprint    `json:"fingerprint"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Response    *redisResponse `json:"response,omitempty"`
}

type redisResponse struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`
}

// RedisStore is a Redis-backed Store, a drop-in replacement for
// NewMemoryStore when the Tracker needs to share state across processes.
// Uses SETNX for atomic insert and treats redis.Nil as a miss.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisKeyPrefix overrides the default "idempotency:" key prefix.
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore builds a Redis-backed Store around an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, keyPrefix: "idempotency:"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) key(id RequestID) string {
	return s.keyPrefix + string(id)
}

// Setup pings the client so construction-time misconfiguration surfaces
// early rather than on the first admitted request.
func (s *RedisStore) Setup(ctx context.Context, cfg StoreConfig) error {
	if cfg.TableName == "" {
		return fmt.Errorf("%w: table_name required", ErrMissingConfig)
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("idempotency: redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Insert(ctx context.Context, id RequestID, state State, fp Fingerprint, expiresAt time.Time) error {
	payload, err := json.Marshal(redisEntry{State: state, Fingerprint: fp, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("idempotency: marshal entry: %w", err)
	}

	// SETNX handles the race where two processes both find the key
	// absent and both try to insert it -- the same idiom as the
	// teacher's Add, generalized from a boolean "in-process" marker to
	// the tracker's three-state entry.
	ok, err := s.client.SetNX(ctx, s.key(id), payload, ttlOrFloor(expiresAt)).Result()
	if err != nil {
		return fmt.Errorf("idempotency: redis setnx %q: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, id RequestID) (CacheEntry, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("idempotency: redis get %q: %w", id, err)
	}

	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CacheEntry{}, fmt.Errorf("idempotency: unmarshal entry: %w", err)
	}
	return entry.toCacheEntry(), nil
}

func (s *RedisStore) Update(ctx context.Context, id RequestID, state State, expiresAt time.Time, response *CapturedResponse) error {
	key := s.key(id)

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("idempotency: redis get %q: %w", id, err)
	}

	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return fmt.Errorf("idempotency: unmarshal entry: %w", err)
	}

	entry.State = state
	entry.ExpiresAt = expiresAt
	if response != nil {
		entry.Response = &redisResponse{Status: response.Status, Headers: response.Headers, Body: response.Body}
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("idempotency: marshal entry: %w", err)
	}

	if err := s.client.Set(ctx, key, payload, ttlOrFloor(expiresAt)).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set %q: %w", id, err)
	}
	return nil
}

// Prune is a no-op: Redis expires keys on its own via the PX set on
// Insert/Update. RedisStore still implements Prune so callers can treat
// every Store uniformly without a type assertion.
func (s *RedisStore) Prune(context.Context, time.Time) error {
	return nil
}

func (e redisEntry) toCacheEntry() CacheEntry {
	entry := CacheEntry{State: e.State, Fingerprint: e.Fingerprint, ExpiresAt: e.ExpiresAt}
	if e.Response != nil {
		entry.Response = CapturedResponse{Status: e.Response.Status, Headers: e.Response.Headers, Body: e.Response.Body}
	}
	return entry
}

func ttlOrFloor(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}

var _ Store = (*RedisStore)(nil)
