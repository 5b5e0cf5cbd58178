//go:build integration

package features

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisStoreForTest(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	client, err := ConnectRedis(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client)
	require.NoError(t, store.Ping(context.Background()))
	return store
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store := redisStoreForTest(t)
	ctx := context.Background()

	updated := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Put(ctx, deviceKey, Record{
		UpdatedAt: updated,
		Fields:    map[string]Value{"txns_1h": Num(12), "distinct_cards_24h": Num(3)},
	}, time.Minute))

	rec, err := store.Lookup(ctx, deviceKey)
	require.NoError(t, err)
	assert.Equal(t, Num(12), rec.Fields["txns_1h"])
	assert.Equal(t, Num(3), rec.Fields["distinct_cards_24h"])
	assert.True(t, rec.UpdatedAt.Equal(updated))
}

func TestRedisStore_MissingIsNotFound(t *testing.T) {
	store := redisStoreForTest(t)
	_, err := store.Lookup(context.Background(), cardKey)
	if err == nil {
		t.Skip("card key already seeded in this redis")
	}
	assert.ErrorIs(t, err, ErrNotFound)
}
