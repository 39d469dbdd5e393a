package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/liqradar/internal/domain"
)

func TestMemoryRegistry_AcquireAndReady(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	key := Key{Kind: domain.AlertStorm, Symbol: "BTCUSDT"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ready, err := r.Ready(ctx, key, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, 0, r.Len(), "peeking does not create entries")

	ok, _ := r.TryAcquire(ctx, key, time.Minute, now)
	assert.True(t, ok)
	ok, _ = r.TryAcquire(ctx, key, time.Minute, now.Add(59*time.Second))
	assert.False(t, ok)

	ready, _ = r.Ready(ctx, key, time.Minute, now.Add(time.Minute))
	assert.True(t, ready, "cooldown boundary is inclusive")
	ok, _ = r.TryAcquire(ctx, key, time.Minute, now.Add(time.Minute))
	assert.True(t, ok)
}

func TestMemoryRegistry_EvictThenAcquire(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()
	key := Key{Kind: domain.AlertRadar, Symbol: "ETHUSDT"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.TryAcquire(ctx, key, time.Minute, now)
	n, err := r.Evict(ctx, now.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, r.Len())

	ok, _ := r.TryAcquire(ctx, key, time.Minute, now.Add(2*time.Hour))
	assert.True(t, ok)
}

func TestRedisRegistry(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewRedisRegistry(db, "liqradar:cooldown:")
	ctx := context.Background()
	key := Key{Kind: domain.AlertStorm, Symbol: "SOLUSDT"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	redisKey := "liqradar:cooldown:liquidation_storm:SOLUSDT"
	stamp := "1772366400000"

	t.Run("ready when key absent", func(t *testing.T) {
		mock.ExpectExists(redisKey).SetVal(0)
		ready, err := r.Ready(ctx, key, 5*time.Minute, now)
		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("acquire sets key with cooldown ttl", func(t *testing.T) {
		mock.ExpectSetNX(redisKey, stamp, 5*time.Minute).SetVal(true)
		ok, err := r.TryAcquire(ctx, key, 5*time.Minute, now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("second acquire loses", func(t *testing.T) {
		mock.ExpectSetNX(redisKey, stamp, 5*time.Minute).SetVal(false)
		ok, err := r.TryAcquire(ctx, key, 5*time.Minute, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("not ready while key exists", func(t *testing.T) {
		mock.ExpectExists(redisKey).SetVal(1)
		ready, err := r.Ready(ctx, key, 5*time.Minute, now)
		require.NoError(t, err)
		assert.False(t, ready)
	})

	t.Run("redis error surfaces", func(t *testing.T) {
		mock.ExpectExists(redisKey).SetErr(errors.New("READONLY"))
		_, err := r.Ready(ctx, key, 5*time.Minute, now)
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())

	n, err := r.Evict(ctx, now, time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, -1, r.Len())
}
