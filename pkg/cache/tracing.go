package cache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracedCache 每次操作一个 client span；Get 未命中记为 cache.hit=false 而非错误
type tracedCache struct {
	Cache
}

// NewTracing 为缓存加上链路追踪
func NewTracing(c Cache) Cache {
	if _, ok := c.(*tracedCache); ok {
		return c
	}
	return &tracedCache{Cache: c}
}

func (t *tracedCache) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("qchat.cache").Start(ctx, "cache."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func finish(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	return err
}

func (t *tracedCache) Get(ctx context.Context, key string, value any) error {
	ctx, span := t.span(ctx, "Get", attribute.String("cache.key", key))
	err := t.Cache.Get(ctx, key, value)
	span.SetAttributes(attribute.Bool("cache.hit", err == nil))
	if errors.Is(err, ErrCacheNotFound) {
		span.End()
		return err
	}
	return finish(span, err)
}

func (t *tracedCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	ctx, span := t.span(ctx, "Set", attribute.String("cache.key", key), attribute.Float64("cache.ttl_seconds", ttl.Seconds()))
	return finish(span, t.Cache.Set(ctx, key, value, ttl))
}

func (t *tracedCache) Delete(ctx context.Context, keys ...string) error {
	ctx, span := t.span(ctx, "Delete", attribute.StringSlice("cache.keys", keys))
	return finish(span, t.Cache.Delete(ctx, keys...))
}

func (t *tracedCache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := t.span(ctx, "Exists", attribute.String("cache.key", key))
	ok, err := t.Cache.Exists(ctx, key)
	return ok, finish(span, err)
}

func (t *tracedCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, span := t.span(ctx, "Expire", attribute.String("cache.key", key), attribute.Float64("cache.ttl_seconds", ttl.Seconds()))
	return finish(span, t.Cache.Expire(ctx, key, ttl))
}

func (t *tracedCache) Ping(ctx context.Context) error {
	ctx, span := t.span(ctx, "Ping")
	return finish(span, t.Cache.Ping(ctx))
}
