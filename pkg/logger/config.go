package logger

import "go.uber.org/zap/zapcore"

// Format 输出编码
type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console"
)

// IsValid 是否为支持的编码
func (f Format) IsValid() bool {
	return f == JSONFormat || f == ConsoleFormat
}

// Config 日志配置
type Config struct {
	Level   Level
	Format  Format        // 默认 json
	Console bool          // 无其他输出时强制开启
	File    string        // 直接追加写入，不轮转
	Rotate  *RotateConfig // 轮转文件，与 File 可同时存在

	// 高频连接日志（帧收发、心跳）按秒采样，nil 不采样
	Sampling *SamplingConfig

	Caller     bool
	Stacktrace bool // Error 及以上附带堆栈

	Hooks []Hook
}

// RotateConfig lumberjack 轮转参数，大小单位 MB
type RotateConfig struct {
	Filename   string
	MaxSize    int // 默认 100
	MaxAge     int // 天，默认 30
	MaxBackups int // 默认 10
	LocalTime  bool
	Compress   bool
}

func (r *RotateConfig) setDefaults() {
	if r.MaxSize <= 0 {
		r.MaxSize = 100
	}
	if r.MaxAge <= 0 {
		r.MaxAge = 30
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 10
	}
	r.LocalTime = true
}

// SamplingConfig 每秒前 Initial 条全量，之后每 Thereafter 条取 1 条
type SamplingConfig struct {
	Initial    int
	Thereafter int
}

func (s *SamplingConfig) setDefaults() {
	if s.Initial <= 0 {
		s.Initial = 100
	}
	if s.Thereafter <= 0 {
		s.Thereafter = 100
	}
}

func (c *Config) setDefaults() {
	if !c.Format.IsValid() {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
	if c.Rotate != nil {
		c.Rotate.setDefaults()
	}
	if c.Sampling != nil {
		c.Sampling.setDefaults()
	}
}

// Hook 在条目写出前调用，返回错误时丢弃该条目
type Hook interface {
	OnWrite(entry zapcore.Entry, fields []zapcore.Field) error
}

// Option 配置项
type Option func(*Config)

func WithLevel(level Level) Option {
	return func(c *Config) { c.Level = level }
}

func WithFormat(format Format) Option {
	return func(c *Config) { c.Format = format }
}

func WithConsoleOutput() Option {
	return func(c *Config) { c.Console = true }
}

func WithFileOutput(filename string) Option {
	return func(c *Config) { c.File = filename }
}

func WithRotateOutput(rc *RotateConfig) Option {
	return func(c *Config) { c.Rotate = rc }
}

func WithSampling(sc *SamplingConfig) Option {
	return func(c *Config) { c.Sampling = sc }
}

func WithCaller(enable bool) Option {
	return func(c *Config) { c.Caller = enable }
}

func WithStacktrace(enable bool) Option {
	return func(c *Config) { c.Stacktrace = enable }
}

func WithHook(hook Hook) Option {
	return func(c *Config) { c.Hooks = append(c.Hooks, hook) }
}
