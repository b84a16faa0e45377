package logger

import "context"

// contextKey 日志上下文键
type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	uidKey     contextKey = "uid"
	connIDKey  contextKey = "conn_id"
)

// WithTraceID 写入请求追踪 ID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithUID 写入当前用户 ID
func WithUID(ctx context.Context, uid int64) context.Context {
	return context.WithValue(ctx, uidKey, uid)
}

// WithConnID 写入 websocket 连接 ID
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// TraceIDFrom 读取追踪 ID
func TraceIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// UIDFrom 读取用户 ID
func UIDFrom(ctx context.Context) int64 {
	v, _ := ctx.Value(uidKey).(int64)
	return v
}
