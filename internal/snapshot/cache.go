package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// Cache 看板快取後端
type Cache interface {
	Save(ctx context.Context, data types.CacheData) error
	Load(ctx context.Context) (types.CacheData, error)
	Close() error
}

// 後端名稱
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendNone  = "none"
)

// Config 快取配置
type Config struct {
	Backend  string        // file | redis | none
	Path     string        // file 後端的檔案路徑
	RedisURL string        // redis 後端的連線字串
	BoardID  string        // redis 鍵後綴
	TTL      time.Duration // redis 鍵的存活時間
}

// Open 依 Backend 建立快取
func Open(cfg Config) (Cache, error) {
	switch cfg.Backend {
	case BackendFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file cache requires a path")
		}
		return NewManager(cfg.Path), nil
	case BackendRedis:
		if cfg.BoardID == "" {
			cfg.BoardID = "default"
		}
		return NewRedisManager(cfg.RedisURL, cfg.BoardID, cfg.TTL)
	case BackendNone, "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Nop 不做任何事的快取
type Nop struct{}

func (Nop) Save(context.Context, types.CacheData) error { return nil }

func (Nop) Load(context.Context) (types.CacheData, error) { return emptyCache(), nil }

func (Nop) Close() error { return nil }
