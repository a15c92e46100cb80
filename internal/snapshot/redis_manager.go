package snapshot

// ============================================================================
// Redis 看板快取
//
// 鍵: gearguard:board:<board-id>
// 值: CBOR 編碼的 CacheData
// TTL: 每次寫入時重設，過期等同首次掛載
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

const keyPrefix = "gearguard:board:"

// RedisManager Redis 快取管理器
type RedisManager struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisManager 解析 redisURL、確認連線後建立管理器
func NewRedisManager(redisURL, boardID string, ttl time.Duration) (*RedisManager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisManagerWithClient(client, boardID, ttl), nil
}

// NewRedisManagerWithClient 使用既有 client 建立管理器
func NewRedisManagerWithClient(client *redis.Client, boardID string, ttl time.Duration) *RedisManager {
	return &RedisManager{
		client: client,
		key:    keyPrefix + boardID,
		ttl:    ttl,
	}
}

// Key 回傳此看板使用的 Redis 鍵
func (r *RedisManager) Key() string {
	return r.key
}

// Save 寫入快取並重設 TTL（ttl 為 0 表示永不過期）
func (r *RedisManager) Save(ctx context.Context, data types.CacheData) error {
	data.SchemaVer = types.CacheSchemaVersion

	payload, err := marshalCBOR(data)
	if err != nil {
		return fmt.Errorf("encode board cache: %w", err)
	}
	if err := r.client.Set(ctx, r.key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("store board cache: %w", err)
	}
	return nil
}

// Load 讀取快取，鍵不存在時回傳空的 CacheData
func (r *RedisManager) Load(ctx context.Context) (types.CacheData, error) {
	payload, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return emptyCache(), nil
		}
		return types.CacheData{}, fmt.Errorf("load board cache: %w", err)
	}

	var data types.CacheData
	if err := unmarshalCBOR(payload, &data); err != nil {
		return types.CacheData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return checkVersion(data)
}

// Ping 檢查 Redis 連線
func (r *RedisManager) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 關閉 Redis client
func (r *RedisManager) Close() error {
	return r.client.Close()
}
