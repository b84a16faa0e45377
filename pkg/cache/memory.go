package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// codec 键前缀、默认 TTL 与值编码，两种驱动共用
type codec struct {
	prefix     string
	defaultTTL time.Duration
	serializer Serializer
}

func newCodec(cfg *Config) codec {
	return codec{prefix: cfg.KeyPrefix, defaultTTL: cfg.DefaultTTL, serializer: cfg.Serializer}
}

func (c codec) key(k string) string { return c.prefix + k }

func (c codec) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c codec) encode(v any) ([]byte, error) {
	data, err := c.serializer.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheSerialization, err)
	}
	return data, nil
}

func (c codec) decode(data []byte, v any) error {
	if err := c.serializer.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheSerialization, err)
	}
	return nil
}

// memoryCache 进程内缓存，存编码后的字节，读出的值与 Redis 驱动行为一致
type memoryCache struct {
	store *gocache.Cache
	codec
}

func newMemoryCache(cfg *Config) Cache {
	mc := cfg.Memory
	if mc == nil {
		mc = DefaultMemoryConfig()
	}
	return &memoryCache{
		store: gocache.New(mc.DefaultExpiration, mc.CleanupInterval),
		codec: newCodec(cfg),
	}
}

func (m *memoryCache) Get(_ context.Context, key string, value any) error {
	v, ok := m.store.Get(m.key(key))
	if !ok {
		return ErrCacheNotFound
	}
	data, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("%w: unexpected %T", ErrCacheSerialization, v)
	}
	return m.decode(data, value)
}

func (m *memoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := m.encode(value)
	if err != nil {
		return err
	}
	m.store.Set(m.key(key), data, m.ttl(ttl))
	return nil
}

func (m *memoryCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.store.Delete(m.key(k))
	}
	return nil
}

func (m *memoryCache) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.store.Get(m.key(key))
	return ok, nil
}

func (m *memoryCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	k := m.key(key)
	v, ok := m.store.Get(k)
	if !ok {
		return ErrCacheNotFound
	}
	m.store.Set(k, v, ttl)
	return nil
}

func (m *memoryCache) Ping(context.Context) error { return nil }

// Close 清空全部条目
func (m *memoryCache) Close() error {
	m.store.Flush()
	return nil
}
