package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	manager, err := NewRedisManager("redis://"+s.Addr(), "plant-a", ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager, s
}

func TestNewRedisManager(t *testing.T) {
	manager, _ := setupTestRedis(t, time.Hour)
	assert.Equal(t, "gearguard:board:plant-a", manager.Key())
	assert.NoError(t, manager.Ping(context.Background()))
}

func TestNewRedisManagerBadURL(t *testing.T) {
	_, err := NewRedisManager("://nope", "x", 0)
	assert.Error(t, err)
}

func TestRedisSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	manager, s := setupTestRedis(t, time.Hour)

	original := sampleCache(17, 1, 2)
	require.NoError(t, manager.Save(ctx, original))
	assert.True(t, s.Exists(manager.Key()))

	loaded, err := manager.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, original.LastSequence, loaded.LastSequence)
	assert.True(t, original.SavedAt.Equal(loaded.SavedAt), "sub-second precision is kept")
	require.Len(t, loaded.Requests, 2)
	assert.Equal(t, original.Requests[1].ID, loaded.Requests[1].ID)
	assert.Equal(t, original.Requests[1].Equipment.Name, loaded.Requests[1].Equipment.Name)
	require.NotNil(t, loaded.Requests[1].ScheduledDate)
	assert.True(t, original.Requests[1].ScheduledDate.Equal(*loaded.Requests[1].ScheduledDate))
}

func TestRedisSaveIsDeterministic(t *testing.T) {
	ctx := context.Background()
	manager, s := setupTestRedis(t, 0)

	require.NoError(t, manager.Save(ctx, sampleCache(3, 1, 2)))
	first, err := s.Get(manager.Key())
	require.NoError(t, err)

	require.NoError(t, manager.Save(ctx, sampleCache(3, 1, 2)))
	second, err := s.Get(manager.Key())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRedisLoadMissingKey(t *testing.T) {
	manager, _ := setupTestRedis(t, time.Hour)

	loaded, err := manager.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded.Requests)
	assert.Equal(t, types.CacheSchemaVersion, loaded.SchemaVer)
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	manager, s := setupTestRedis(t, time.Minute)

	require.NoError(t, manager.Save(ctx, sampleCache(1, 1)))
	assert.Equal(t, time.Minute, s.TTL(manager.Key()))

	s.FastForward(2 * time.Minute)

	loaded, err := manager.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Requests)
}

func TestRedisLoadCorrupted(t *testing.T) {
	manager, s := setupTestRedis(t, time.Hour)
	require.NoError(t, s.Set(manager.Key(), "\xff\x00garbage"))

	_, err := manager.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestRedisLoadVersionMismatch(t *testing.T) {
	manager, s := setupTestRedis(t, time.Hour)
	payload, err := marshalCBOR(types.CacheData{SchemaVer: 99})
	require.NoError(t, err)
	require.NoError(t, s.Set(manager.Key(), string(payload)))

	_, err = manager.Load(context.Background())
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestOpenRedis(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := Open(Config{Backend: BackendRedis, RedisURL: "redis://" + s.Addr()})
	require.NoError(t, err)
	defer c.Close()

	rm, ok := c.(*RedisManager)
	require.True(t, ok)
	assert.Equal(t, "gearguard:board:default", rm.Key())
}
