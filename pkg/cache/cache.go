// Package cache 键值缓存，承载登录令牌与用户、会话查询结果。
//
// 单节点使用进程内 go-cache，多实例部署切换到 Redis；值统一经 Serializer 编码为字节。
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache 缓存接口
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Expire 刷新键的过期时间，键不存在返回 ErrCacheNotFound
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// Serializer 值编码
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer 默认编码
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONSerializer) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// New 按驱动创建缓存，cfg 为 nil 时使用进程内缓存
func New(cfg *Config) (Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Serializer == nil {
		cfg.Serializer = JSONSerializer{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		c   Cache
		err error
	)
	switch cfg.Driver {
	case DriverRedis:
		c, err = newRedisCache(cfg)
	case DriverMemory:
		c = newMemoryCache(cfg)
	default:
		err = fmt.Errorf("%w: driver %q", ErrCacheInvalidConfig, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Tracing {
		c = NewTracing(c)
	}
	return c, nil
}

// NewWithOptions 在默认配置上应用 Option
func NewWithOptions(opts ...Option) (Cache, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return New(cfg)
}
