package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// StoreConfig carries backend-specific setup options. TableName is kept
// for interface parity with a real persistent backing store (a SQL store
// would use it as the table to create); the in-memory Store records it
// and does not otherwise use it.
type StoreConfig struct {
	TableName string
}

// Store is the pluggable key -> (state, fingerprint, expiry) backing for
// the Tracker. Insert/Lookup/Update/Prune must be atomic with respect
// to each other: no observer may ever see a half-updated entry. A
// persistent or distributed implementation may be substituted without
// changing the Tracker.
type Store interface {
	// Setup performs idempotent initialization. Returns ErrMissingConfig
	// if a required option is absent.
	Setup(ctx context.Context, cfg StoreConfig) error

	// Insert atomically creates id's entry. Returns ErrAlreadyExists if
	// id is already present.
	Insert(ctx context.Context, id RequestID, state State, fp Fingerprint, expiresAt time.Time) error

	// Lookup returns id's current entry verbatim, or ErrNotFound.
	Lookup(ctx context.Context, id RequestID) (CacheEntry, error)

	// Update mutates id's state and expiry (and, when response is
	// non-nil, its captured response). Fingerprint is never changed.
	// Returns ErrNotFound if id is absent.
	Update(ctx context.Context, id RequestID, state State, expiresAt time.Time, response *CapturedResponse) error

	// Prune removes every entry whose ExpiresAt is before now.
	Prune(ctx context.Context, now time.Time) error
}

// memoryStoreShards bounds lock contention: admissions for unrelated
// keys landing in different shards never block each other.
const memoryStoreShards = 64

// memoryStore is the default Store: independently-locked shards selected
// by hashing the RequestID, giving concurrent-reader/serialized-writer
// semantics per shard.
type memoryStore struct {
	tableName string
	shards    [memoryStoreShards]*memoryShard
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[RequestID]CacheEntry
}

// NewMemoryStore constructs the default in-memory Store.
func NewMemoryStore() Store {
	s := &memoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[RequestID]CacheEntry)}
	}
	return s
}

func (s *memoryStore) shardFor(id RequestID) *memoryShard {
	h := xxhash.Sum64String(string(id))
	return s.shards[h%memoryStoreShards]
}

func (s *memoryStore) Setup(_ context.Context, cfg StoreConfig) error {
	if cfg.TableName == "" {
		return fmt.Errorf("%w: table_name required", ErrMissingConfig)
	}
	s.tableName = cfg.TableName
	return nil
}

func (s *memoryStore) Insert(_ context.Context, id RequestID, state State, fp Fingerprint, expiresAt time.Time) error {
	shard := s.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	shard.entries[id] = CacheEntry{State: state, Fingerprint: fp, ExpiresAt: expiresAt}
	return nil
}

func (s *memoryStore) Lookup(_ context.Context, id RequestID) (CacheEntry, error) {
	shard := s.shardFor(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, ok := shard.entries[id]
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *memoryStore) Update(_ context.Context, id RequestID, state State, expiresAt time.Time, response *CapturedResponse) error {
	shard := s.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	entry.State = state
	entry.ExpiresAt = expiresAt
	if response != nil {
		entry.Response = response.Clone()
	}
	shard.entries[id] = entry
	return nil
}

func (s *memoryStore) Prune(_ context.Context, now time.Time) error {
	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, entry := range shard.entries {
			if entry.ExpiresAt.Before(now) {
				delete(shard.entries, id)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

var _ Store = (*memoryStore)(nil)
