// Package request 调用上游 JSON 接口的 HTTP 客户端。
//
// 请求体在首次序列化后缓存，重试时重放；非 2xx 返回 ErrStatus，
// 错误信息中的响应体截断到 512 字节。
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/logger"
)

const maxErrorBodyLen = 512

// Config 客户端配置
type Config struct {
	BaseURL   string
	Timeout   time.Duration     // 单次请求超时（默认 30s）
	Retry     *RetryConfig      // nil 不重试
	Token     func() string     // 非空时写入 Authorization: Bearer
	Logger    logger.Logger     // nil 不记录
	Tracing   bool              // 创建 client span 并注入 trace headers
	Transport http.RoundTripper // nil 使用连接池默认配置
}

// Option 配置项
type Option func(*Config)

// WithBaseURL 设置基础 URL
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithTimeout 设置单次请求超时
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithRetry 设置重试，传 nil 关闭
func WithRetry(cfg *RetryConfig) Option {
	return func(c *Config) { c.Retry = cfg }
}

// WithBearer 设置令牌来源
func WithBearer(token func() string) Option {
	return func(c *Config) { c.Token = token }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithTracing 启用链路追踪
func WithTracing(enable bool) Option {
	return func(c *Config) { c.Tracing = enable }
}

// WithTransport 设置 Transport，测试时注入
func WithTransport(t http.RoundTripper) Option {
	return func(c *Config) { c.Transport = t }
}

// Client HTTP 客户端
type Client struct {
	cfg    Config
	client *http.Client
	log    logger.Logger
}

// New 创建客户端
func New(opts ...Option) *Client {
	cfg := Config{Timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		log:    log,
	}
}

// PostJSON 以 JSON 发送 in，把 2xx 响应解到 out，out 为 nil 时丢弃响应体
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return ErrEncode.WithError(err)
	}
	url := c.url(path)

	var (
		status  int
		payload []byte
	)
	attempts := 1
	var rc RetryConfig
	if c.cfg.Retry != nil {
		rc = *c.cfg.Retry
		rc.normalize()
		attempts += rc.MaxAttempts
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(rc.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ErrTimeout.WithError(ctx.Err())
			case <-timer.C:
			}
		}

		status, payload, err = c.do(ctx, http.MethodPost, url, body)
		if !retryable(status, err) || attempt == attempts-1 {
			break
		}
		c.log.DebugContext(ctx, "request: retrying",
			zap.String("url", url), zap.Int("attempt", attempt+1), zap.Int("status", status), zap.Error(err))
	}
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return statusError(status, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return ErrDecode.WithError(err)
	}
	return nil
}

func (c *Client) url(path string) string {
	if c.cfg.BaseURL == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// do 执行一次请求，返回状态码与完整响应体
func (c *Client) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	if c.cfg.Tracing {
		var span trace.Span
		ctx, span = otel.Tracer("qchat.request").Start(ctx, "HTTP "+method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.method", method),
				attribute.String("http.url", url),
			),
		)
		defer span.End()
		status, payload, err := c.send(ctx, method, url, body)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status >= 400:
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		return status, payload, err
	}
	return c.send(ctx, method, url, body)
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, ErrRequest.WithError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != nil {
		if token := c.cfg.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if c.cfg.Tracing {
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "request: send failed", zap.String("url", url), zap.Error(err))
		return 0, nil, transportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, transportError(err)
	}
	c.log.DebugContext(ctx, "request: done",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return resp.StatusCode, payload, nil
}

// transportError 超时单独区分，调用方据此判定上游超时
func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout.WithError(err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout.WithError(err)
	}
	return ErrRequest.WithError(err)
}

func statusError(status int, payload []byte) error {
	if len(payload) > maxErrorBodyLen {
		payload = payload[:maxErrorBodyLen]
	}
	msg := "HTTP " + http.StatusText(status)
	if len(payload) > 0 {
		msg += ": " + string(payload)
	}
	return ErrStatus.WithMessage(msg)
}
