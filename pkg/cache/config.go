package cache

import (
	"fmt"
	"time"
)

// DriverType 存储驱动
type DriverType string

const (
	DriverRedis  DriverType = "redis"
	DriverMemory DriverType = "memory"
)

// RedisMode Redis 部署形态
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// Config 缓存配置
type Config struct {
	Driver     DriverType
	Redis      *RedisConfig
	Memory     *MemoryConfig
	Serializer Serializer

	KeyPrefix  string        // 多个服务共用一个 Redis 时区分命名空间
	DefaultTTL time.Duration // Set 传 0 时使用
	Tracing    bool          // 每次操作创建 client span
}

// RedisConfig 连接参数，Addrs 用于集群与哨兵
type RedisConfig struct {
	Mode       RedisMode
	Addr       string
	Addrs      []string
	MasterName string

	Username string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MemoryConfig go-cache 参数
type MemoryConfig struct {
	DefaultExpiration time.Duration
	CleanupInterval   time.Duration
}

// DefaultConfig 进程内缓存，TTL 10 分钟
func DefaultConfig() *Config {
	return &Config{
		Driver:     DriverMemory,
		Serializer: JSONSerializer{},
		DefaultTTL: 10 * time.Minute,
		Memory:     DefaultMemoryConfig(),
	}
}

// DefaultRedisConfig 本机单节点
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Mode:         RedisStandalone,
		Addr:         "localhost:6379",
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// DefaultMemoryConfig 过期 10 分钟，每 5 分钟清理
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{DefaultExpiration: 10 * time.Minute, CleanupInterval: 5 * time.Minute}
}

// Option 配置项
type Option func(*Config)

func WithRedis(rc *RedisConfig) Option {
	return func(c *Config) { c.Driver, c.Redis = DriverRedis, rc }
}

func WithMemory(mc *MemoryConfig) Option {
	return func(c *Config) { c.Driver, c.Memory = DriverMemory, mc }
}

func WithKeyPrefix(prefix string) Option {
	return func(c *Config) { c.KeyPrefix = prefix }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Config) { c.DefaultTTL = ttl }
}

func WithTracing(enable bool) Option {
	return func(c *Config) { c.Tracing = enable }
}

// Validate 检查驱动与 Redis 拓扑参数
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrCacheInvalidConfig}, args...)...)
	}
	if c.Serializer == nil {
		return invalid("serializer is required")
	}
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverRedis:
	default:
		return invalid("driver %q", c.Driver)
	}

	r := c.Redis
	if r == nil {
		return invalid("redis config is required")
	}
	switch r.Mode {
	case RedisStandalone, "":
		if r.Addr == "" {
			return invalid("redis addr is required")
		}
	case RedisCluster:
		if len(r.Addrs) < 3 {
			return invalid("redis cluster needs at least 3 nodes, got %d", len(r.Addrs))
		}
	case RedisSentinel:
		if len(r.Addrs) == 0 || r.MasterName == "" {
			return invalid("redis sentinel needs addrs and master name")
		}
	default:
		return invalid("redis mode %q", r.Mode)
	}
	return nil
}
