package middleware

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokmz/qchat"
)

// TracingConfig 链路追踪中间件配置
type TracingConfig struct {
	// TracerName Tracer 名称（默认 "qchat.http"）
	TracerName string

	// ExcludePaths 排除的路径（不追踪），如 /healthz、/metrics
	ExcludePaths []string
}

// Tracing 创建链路追踪中间件
// 提取上游 TraceContext，创建 Server Span，并把 TraceID 写入上下文供日志与响应使用
func Tracing(cfgs ...*TracingConfig) qchat.HandlerFunc {
	cfg := &TracingConfig{TracerName: "qchat.http"}
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = cfgs[0]
	}
	if cfg.TracerName == "" {
		cfg.TracerName = "qchat.http"
	}

	skipMap := make(map[string]bool)
	for _, path := range cfg.ExcludePaths {
		skipMap[path] = true
	}

	return func(c *qchat.Context) {
		r := c.Request()
		if skipMap[r.URL.Path] {
			c.Next()
			return
		}

		// 每次请求时获取 tracer，避免 Provider 后初始化导致使用 noop
		tracer := otel.Tracer(cfg.TracerName)
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		// FullPath 未匹配路由时为空，回退到 URL.Path
		route := c.FullPath()
		spanName := fmt.Sprintf("%s %s", r.Method, route)
		if route == "" {
			spanName = fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}

		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			semconv.ServerAddress(r.Host),
			semconv.UserAgentOriginalKey.String(r.UserAgent()),
			attribute.String("http.client_ip", c.ClientIP()),
		}
		if route != "" {
			attrs = append(attrs, semconv.HTTPRouteKey.String(route))
		}
		ctx, span := tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		c.SetTraceID(span.SpanContext().TraceID().String())
		c.SetRequestContext(ctx)

		// 响应头须在 handler 写出之前注入
		propagator.Inject(ctx, propagation.HeaderCarrier(c.Writer().Header()))

		c.Next()

		status := c.Writer().Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if uid := c.UserID(); uid != 0 {
			span.SetAttributes(attribute.Int64("enduser.id", uid))
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
