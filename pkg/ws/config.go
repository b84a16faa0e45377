package ws

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

// Config 连接层参数
type Config struct {
	MaxConnections   int // 全进程
	MaxRoomSize      int // 单房间
	HandshakeTimeout time.Duration
	MaxMessageSize   int64 // 单帧字节数

	// 心跳：每 PingPeriod 发 ping，PongWait 内无任何读入即断开
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration

	// 发送队列长度，满即断开慢订阅者
	MessageQueueSize int

	UpgraderConfig UpgraderConfig
	Metrics        Metrics
}

// UpgraderConfig 握手参数。CheckOrigin 优先于 AllowedOrigins，二者都为空时只放行同源
type UpgraderConfig struct {
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	AllowedOrigins    []string
	CheckOrigin       func(*http.Request) bool
}

func DefaultConfig() *Config {
	return &Config{
		MaxConnections:   10000,
		MaxRoomSize:      1000,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   64 << 10,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       54 * time.Second,
		MessageQueueSize: 256,
		UpgraderConfig:   UpgraderConfig{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

func (c *Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
	}
	for _, err := range []error{
		check(c.MaxConnections > 0, "max connections must be positive, got %d", c.MaxConnections),
		check(c.MaxRoomSize > 0, "max room size must be positive, got %d", c.MaxRoomSize),
		check(c.MaxMessageSize > 0, "max message size must be positive, got %d", c.MaxMessageSize),
		check(c.MessageQueueSize > 0, "message queue size must be positive, got %d", c.MessageQueueSize),
		check(c.WriteWait > 0, "write wait must be positive, got %v", c.WriteWait),
		check(c.PingPeriod > 0 && c.PongWait > c.PingPeriod,
			"pong wait (%v) must exceed ping period (%v)", c.PongWait, c.PingPeriod),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

type Option func(*Config)

func WithMaxConnections(n int) Option { return func(c *Config) { c.MaxConnections = n } }

func WithMaxRoomSize(n int) Option { return func(c *Config) { c.MaxRoomSize = n } }

func WithMessageSizeLimit(n int64) Option { return func(c *Config) { c.MaxMessageSize = n } }

func WithMessageQueueSize(n int) Option { return func(c *Config) { c.MessageQueueSize = n } }

func WithWriteWait(d time.Duration) Option { return func(c *Config) { c.WriteWait = d } }

func WithMetrics(m Metrics) Option { return func(c *Config) { c.Metrics = m } }

// WithHeartbeat pongWait 必须大于 pingPeriod
func WithHeartbeat(pingPeriod, pongWait time.Duration) Option {
	return func(c *Config) { c.PingPeriod, c.PongWait = pingPeriod, pongWait }
}

func WithBufferSize(read, write int) Option {
	return func(c *Config) {
		c.UpgraderConfig.ReadBufferSize, c.UpgraderConfig.WriteBufferSize = read, write
	}
}

func WithEnableCompression(enable bool) Option {
	return func(c *Config) { c.UpgraderConfig.EnableCompression = enable }
}

// WithCheckOriginWhitelist 只放行列表中的 Origin，"*" 放行全部；空列表不改变默认的同源检查
func WithCheckOriginWhitelist(origins []string) Option {
	return func(c *Config) { c.UpgraderConfig.AllowedOrigins = origins }
}

// WithAllowAllOrigins 仅限开发环境
func WithAllowAllOrigins() Option {
	return func(c *Config) { c.UpgraderConfig.CheckOrigin = func(*http.Request) bool { return true } }
}

// NewConfig DefaultConfig 叠加 opts 后校验
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	return cfg, nil
}

func (uc UpgraderConfig) checkOrigin() func(*http.Request) bool {
	switch {
	case uc.CheckOrigin != nil:
		return uc.CheckOrigin
	case slices.Contains(uc.AllowedOrigins, "*"):
		return func(*http.Request) bool { return true }
	case len(uc.AllowedOrigins) > 0:
		allowed := slices.Clone(uc.AllowedOrigins)
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin != "" && slices.Contains(allowed, origin)
		}
	}
	return sameOrigin
}

// sameOrigin 非浏览器客户端不带 Origin，放行
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Upgrader 把 HTTP 请求升级为 *Conn
type Upgrader struct {
	upgrader websocket.Upgrader
	cfg      *Config
}

func NewUpgrader(cfg *Config) *Upgrader {
	uc := cfg.UpgraderConfig
	return &Upgrader{
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			ReadBufferSize:    uc.ReadBufferSize,
			WriteBufferSize:   uc.WriteBufferSize,
			EnableCompression: uc.EnableCompression,
			CheckOrigin:       uc.checkOrigin(),
		},
		cfg: cfg,
	}
}

// Upgrade 握手失败时 gorilla 已写出错误响应
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, u.cfg), nil
}
