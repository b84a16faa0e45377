package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// Group 合并同一 key 的并发回源，热点会话被大量连接同时读取时使用
type Group struct {
	c     Cache
	group singleflight.Group
}

func NewGroup(c Cache) *Group { return &Group{c: c} }

func (g *Group) Cache() Cache { return g.c }

// Forget 丢弃 key 正在进行的回源，后续调用重新执行
func (g *Group) Forget(key string) { g.group.Forget(key) }

// Remember 读缓存，未命中时调用 load 并回写；load 失败不写缓存
func Remember[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if v, err := GetTyped[T](ctx, c, key); err == nil {
		return v, nil
	}
	v, err := load()
	if err == nil {
		_ = c.Set(ctx, key, v, ttl)
	}
	return v, err
}

// RememberWithLock 与 Remember 相同，但同一 key 的并发未命中只执行一次 load。
// 缓存本身出错（非未命中）时绕过缓存直接 load。
func RememberWithLock[T any](ctx context.Context, g *Group, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	v, err := GetTyped[T](ctx, g.c, key)
	switch {
	case err == nil:
		return v, nil
	case !errors.Is(err, ErrCacheNotFound) && !errors.Is(err, ErrCacheSerialization):
		return load()
	}

	var zero T
	shared, err, _ := g.group.Do(key, func() (any, error) {
		r, err := load()
		if err != nil {
			return nil, err
		}
		_ = g.c.Set(ctx, key, r, ttl)
		return r, nil
	})
	if err != nil {
		return zero, err
	}
	if r, ok := shared.(T); ok {
		return r, nil
	}
	return zero, ErrCacheSerialization.WithMessage("singleflight: unexpected result type")
}

// GetTyped 泛型读取
func GetTyped[T any](ctx context.Context, c Cache, key string) (T, error) {
	var v T
	err := c.Get(ctx, key, &v)
	return v, err
}
