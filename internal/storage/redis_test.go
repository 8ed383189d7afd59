package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgellow/fedlogin/internal/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPendingStore_KeyExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisPendingStoreWithClient(client, "fl")
	now := time.Now()
	require.NoError(t, store.CreatePending(ctx, newPending("s1", now, 5*time.Minute)))

	key := store.key("s1")
	assert.True(t, mr.Exists(key))
	assert.NotContains(t, key, "s1")
	assert.Equal(t, "fl:pending:"+crypto.HashToken("s1"), key)
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, 5*time.Minute)
	assert.LessOrEqual(t, ttl, 5*time.Minute+expiredRetention)

	mr.FastForward(10 * time.Minute)
	_, err := store.ConsumePending(ctx, "s1", FlowRedirect, now.Add(10*time.Minute))
	assert.ErrorIs(t, err, ErrPendingNotFound)
}

func TestRedisPendingStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisPendingStoreWithClient(client, "fl")

	mr.Close()

	_, err := store.ConsumePending(context.Background(), "s1", FlowRedirect, time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPendingNotFound)
}

func TestNewRedisPendingStore(t *testing.T) {
	t.Run("missing addr", func(t *testing.T) {
		_, err := NewRedisPendingStore(context.Background(), RedisConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis addr is required")
	})

	t.Run("connects", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisPendingStore(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "x"})
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, "x", store.keyPrefix)
	})
}

func TestRedisPendingStore_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisPendingStoreWithClient(client, "fl")

	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
