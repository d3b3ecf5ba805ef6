package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreInsertLookup(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	require.NoError(t, store.Setup(ctx, StoreConfig{TableName: "idempotency"}))

	id := RequestID("k1")
	expiresAt := time.Now().Add(time.Minute)
	require.NoError(t, store.Insert(ctx, id, StateProcessing, "fp1", expiresAt))

	entry, err := store.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateProcessing, entry.State)
	require.Equal(t, Fingerprint("fp1"), entry.Fingerprint)
}

func TestRedisStoreInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	id := RequestID("k1")
	expiresAt := time.Now().Add(time.Minute)
	require.NoError(t, store.Insert(ctx, id, StateProcessing, "fp1", expiresAt))

	err := store.Insert(ctx, id, StateProcessing, "fp1", expiresAt)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRedisStoreUpdateRoundTripsResponse(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	id := RequestID("k1")
	expiresAt := time.Now().Add(time.Minute)
	require.NoError(t, store.Insert(ctx, id, StateProcessing, "fp1", expiresAt))

	response := CapturedResponse{Status: 201, Headers: map[string][]string{"X-Header-Key": {"header-value"}}, Body: []byte("OTHER")}
	newExpiry := time.Now().Add(time.Hour)
	require.NoError(t, store.Update(ctx, id, StateCompleted, newExpiry, &response))

	entry, err := store.Lookup(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, entry.State)
	require.Equal(t, 201, entry.Response.Status)
	require.Equal(t, "header-value", entry.Response.Headers.Get("X-Header-Key"))
	require.Equal(t, []byte("OTHER"), entry.Response.Body)
}

func TestRedisStoreLookupMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)
	_, err := store.Lookup(ctx, RequestID("nope"))
	require.ErrorIs(t, err, ErrNotFound)
}
