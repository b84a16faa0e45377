package config

import (
	"fmt"
	"strings"
	"time"
)

// Settings 服务完整配置树，字段与配置文件键一一对应
type Settings struct {
	Server   ServerSettings   `mapstructure:"server"`
	WS       WSSettings       `mapstructure:"ws"`
	Message  MessageSettings  `mapstructure:"message"`
	Database DatabaseSettings `mapstructure:"database"`
	Cache    CacheSettings    `mapstructure:"cache"`
	Auth     AuthSettings     `mapstructure:"auth"`
	AI       AISettings       `mapstructure:"ai"`
	Outbox   OutboxSettings   `mapstructure:"outbox"`
	Presence PresenceSettings `mapstructure:"presence"`
	Log      LogSettings      `mapstructure:"log"`
	Tracing  TracingSettings  `mapstructure:"tracing"`
}

// ServerSettings HTTP 服务
type ServerSettings struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // debug / release / test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimit       float64       `mapstructure:"rate_limit"` // REST 每秒请求数，0 关闭
	RateBurst       int           `mapstructure:"rate_burst"`
}

// WSSettings websocket 连接
type WSSettings struct {
	MaxConnections    int           `mapstructure:"max_connections"`
	MaxRoomSize       int           `mapstructure:"max_room_size"`
	MessageQueueSize  int           `mapstructure:"message_queue_size"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	PingPeriod        time.Duration `mapstructure:"ping_period"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	MaxInvalidFrames  int           `mapstructure:"max_invalid_frames"`
	InboundRate       float64       `mapstructure:"inbound_rate"`
	InboundBurst      int           `mapstructure:"inbound_burst"`
}

// MessageSettings 消息服务
type MessageSettings struct {
	MaxContentLength int `mapstructure:"max_content_length"`
	LockStripes      int `mapstructure:"lock_stripes"`
}

// DatabaseSettings 关系型存储
type DatabaseSettings struct {
	Type            string        `mapstructure:"type"`
	DSN             string        `mapstructure:"dsn"`
	Replicas        []string      `mapstructure:"replicas"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        int           `mapstructure:"log_level"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	Tracing         bool          `mapstructure:"tracing"`
}

// CacheSettings 缓存
type CacheSettings struct {
	Driver     string        `mapstructure:"driver"` // memory / redis
	KeyPrefix  string        `mapstructure:"key_prefix"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	Redis      RedisSettings `mapstructure:"redis"`
}

// RedisSettings Redis 连接
type RedisSettings struct {
	Mode       string   `mapstructure:"mode"` // standalone / cluster / sentinel
	Addr       string   `mapstructure:"addr"`
	Addrs      []string `mapstructure:"addrs"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	PoolSize   int      `mapstructure:"pool_size"`
	MasterName string   `mapstructure:"master_name"`
}

// AuthSettings 会话令牌
type AuthSettings struct {
	SessionPrefix string `mapstructure:"session_prefix"`
	QueryParam    string `mapstructure:"query_param"`
}

// AISettings AI 助手
type AISettings struct {
	Enabled      bool            `mapstructure:"enabled"`
	BaseURL      string          `mapstructure:"base_url"`
	APIKey       string          `mapstructure:"api_key"`
	Model        string          `mapstructure:"model"`
	SystemPrompt string          `mapstructure:"system_prompt"`
	MaxTokens    int             `mapstructure:"max_tokens"`
	Temperature  float64         `mapstructure:"temperature"`
	Timeout      time.Duration   `mapstructure:"timeout"`
	MaxInflight  int             `mapstructure:"max_inflight"`
	Username     string          `mapstructure:"username"`
	DisplayName  string          `mapstructure:"display_name"`
	Breaker      BreakerSettings `mapstructure:"breaker"`
}

// BreakerSettings 熔断器
type BreakerSettings struct {
	MaxFailures      int           `mapstructure:"max_failures"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenRequests int           `mapstructure:"half_open_requests"`
}

// OutboxSettings 消息事件外发
type OutboxSettings struct {
	Driver     string        `mapstructure:"driver"` // noop / kafka / amqp
	Topic      string        `mapstructure:"topic"`
	BufferSize int           `mapstructure:"buffer_size"`
	Workers    int           `mapstructure:"workers"`
	Kafka      KafkaSettings `mapstructure:"kafka"`
	AMQP       AMQPSettings  `mapstructure:"amqp"`
}

// KafkaSettings Kafka 生产者
type KafkaSettings struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// AMQPSettings RabbitMQ 连接
type AMQPSettings struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// PresenceSettings 在线状态
type PresenceSettings struct {
	ReconcileSpec string `mapstructure:"reconcile_spec"`
}

// LogSettings 日志
type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// TracingSettings 链路追踪
type TracingSettings struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Environment  string  `mapstructure:"environment"`
	Exporter     string  `mapstructure:"exporter"` // otlp / otlpgrpc / stdout / noop
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// DefaultValues 返回配置键的默认值，传给 WithDefaults
func DefaultValues() map[string]any {
	return map[string]any{
		"server.addr":             ":8080",
		"server.mode":             "release",
		"server.read_timeout":     "15s",
		"server.write_timeout":    "15s",
		"server.idle_timeout":     "60s",
		"server.shutdown_timeout": "10s",
		"server.cors_origins":     []string{"*"},
		"server.rate_limit":       50.0,
		"server.rate_burst":       100,

		"ws.max_connections":    10000,
		"ws.max_room_size":      1000,
		"ws.message_queue_size": 256,
		"ws.max_message_size":   64 * 1024,
		"ws.read_buffer_size":   1024,
		"ws.write_buffer_size":  1024,
		"ws.write_wait":         "10s",
		"ws.pong_wait":          "60s",
		"ws.ping_period":        "54s",
		"ws.max_invalid_frames": 10,
		"ws.inbound_rate":       20.0,
		"ws.inbound_burst":      40,
		"ws.enable_compression": false,
		"ws.allowed_origins":    []string{},

		"message.max_content_length": 4000,
		"message.lock_stripes":       64,

		"database.type":              "sqlite",
		"database.dsn":               "qchat.db",
		"database.max_idle_conns":    10,
		"database.max_open_conns":    100,
		"database.conn_max_lifetime": "1h",
		"database.log_level":         3,
		"database.slow_threshold":    "200ms",
		"database.auto_migrate":      true,
		"database.tracing":           true,
		"database.replicas":          []string{},

		"cache.driver":            "memory",
		"cache.key_prefix":        "qchat:",
		"cache.default_ttl":       "10m",
		"cache.redis.mode":        "standalone",
		"cache.redis.addr":        "localhost:6379",
		"cache.redis.addrs":       []string{},
		"cache.redis.username":    "",
		"cache.redis.password":    "",
		"cache.redis.db":          0,
		"cache.redis.pool_size":   100,
		"cache.redis.master_name": "",

		"auth.session_prefix": "auth:session:",
		"auth.query_param":    "token",

		"ai.enabled":                    false,
		"ai.base_url":                   "https://api.openai.com/v1",
		"ai.api_key":                    "",
		"ai.model":                      "gpt-4",
		"ai.system_prompt":              "You are a helpful assistant in a chat application.",
		"ai.max_tokens":                 500,
		"ai.temperature":                0.7,
		"ai.timeout":                    "8s",
		"ai.max_inflight":               16,
		"ai.username":                   "ai_assistant",
		"ai.display_name":               "AI Assistant",
		"ai.breaker.max_failures":       5,
		"ai.breaker.reset_timeout":      "30s",
		"ai.breaker.half_open_requests": 1,

		"outbox.driver":          "noop",
		"outbox.topic":           "qchat.messages",
		"outbox.buffer_size":     1000,
		"outbox.workers":         4,
		"outbox.kafka.brokers":   []string{},
		"outbox.kafka.client_id": "qchat",
		"outbox.amqp.url":        "",
		"outbox.amqp.exchange":   "qchat.events",

		"presence.reconcile_spec": "@every 1m",

		"log.level":       "info",
		"log.format":      "json",
		"log.file":        "",
		"log.max_size":    100,
		"log.max_age":     30,
		"log.max_backups": 10,
		"log.compress":    false,

		"tracing.enabled":       false,
		"tracing.service_name":  "qchat",
		"tracing.environment":   "development",
		"tracing.exporter":      "noop",
		"tracing.sampling_rate": 1.0,
		"tracing.endpoint":      "",
		"tracing.insecure":      false,
	}
}

// LoadSettings 加载配置文件（可缺省）与 QCHAT_ 前缀环境变量，返回管理器与解析后的配置
func LoadSettings(file string, opts ...Option) (*Config, *Settings, error) {
	base := []Option{
		WithDefaults(DefaultValues()),
		WithEnvPrefix("QCHAT"),
		WithEnvKeyReplacer(strings.NewReplacer(".", "_")),
		WithOptional(true),
	}
	if file != "" {
		base = append(base, WithConfigFile(file))
	} else {
		base = append(base, WithConfigName("config"), WithConfigType("yaml"), WithConfigPaths(".", "./configs"))
	}

	c := New(append(base, opts...)...)
	if err := c.Load(); err != nil {
		return nil, nil, err
	}

	s, err := c.Settings()
	if err != nil {
		return nil, nil, err
	}
	return c, s, nil
}

// Settings 将当前配置反序列化为 Settings 并校验
func (c *Config) Settings() (*Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return nil, ErrConfigInvalid.WithError(err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate 校验配置
func (s *Settings) Validate() error {
	switch {
	case s.WS.MessageQueueSize <= 0:
		return invalid("ws.message_queue_size must be positive")
	case s.WS.MaxConnections <= 0:
		return invalid("ws.max_connections must be positive")
	case s.WS.PingPeriod >= s.WS.PongWait:
		return invalid("ws.ping_period must be less than ws.pong_wait")
	case s.Message.MaxContentLength <= 0:
		return invalid("message.max_content_length must be positive")
	case s.AI.Enabled && s.AI.Timeout <= 0:
		return invalid("ai.timeout must be positive when ai is enabled")
	}

	switch s.Outbox.Driver {
	case "", "noop":
	case "kafka":
		if len(s.Outbox.Kafka.Brokers) == 0 {
			return invalid("outbox.kafka.brokers is required")
		}
	case "amqp":
		if s.Outbox.AMQP.URL == "" {
			return invalid("outbox.amqp.url is required")
		}
	default:
		return invalid(fmt.Sprintf("unknown outbox driver %q", s.Outbox.Driver))
	}
	return nil
}

func invalid(msg string) error {
	return ErrConfigInvalid.WithMessage("配置校验失败: " + msg)
}
