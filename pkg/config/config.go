// Package config 基于 viper 的配置加载：文件、QCHAT_ 环境变量与默认值三层合并，
// 文件变更时重新解析 Settings 并回调。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 配置管理器
type Config struct {
	v  *viper.Viper
	mu sync.RWMutex

	file     string
	name     string
	typ      string
	paths    []string
	optional bool

	defaults  map[string]any
	envPrefix string
	replacer  *strings.Replacer

	autoWatch bool
	watching  bool
	onReload  func(*Settings)
	onError   func(error)
}

// Option 配置项
type Option func(*Config)

// WithConfigFile 指定文件路径，优先于名称搜索
func WithConfigFile(path string) Option {
	return func(c *Config) { c.file = path }
}

// WithConfigName 文件名（不含扩展名）
func WithConfigName(name string) Option {
	return func(c *Config) { c.name = name }
}

func WithConfigType(typ string) Option {
	return func(c *Config) { c.typ = typ }
}

func WithConfigPaths(paths ...string) Option {
	return func(c *Config) { c.paths = paths }
}

// WithOptional 文件缺失时只用默认值与环境变量
func WithOptional(optional bool) Option {
	return func(c *Config) { c.optional = optional }
}

func WithDefaults(defaults map[string]any) Option {
	return func(c *Config) { c.defaults = defaults }
}

func WithEnvPrefix(prefix string) Option {
	return func(c *Config) { c.envPrefix = prefix }
}

func WithEnvKeyReplacer(r *strings.Replacer) Option {
	return func(c *Config) { c.replacer = r }
}

// WithAutoWatch 加载成功后开始监听文件
func WithAutoWatch(watch bool) Option {
	return func(c *Config) { c.autoWatch = watch }
}

// WithOnReload 文件变更且新配置校验通过后回调，校验失败时保留旧值
func WithOnReload(fn func(*Settings)) Option {
	return func(c *Config) { c.onReload = fn }
}

// WithOnError 重新加载失败时回调，默认写 stderr
func WithOnError(fn func(error)) Option {
	return func(c *Config) { c.onError = fn }
}

// New 创建配置管理器
func New(opts ...Option) *Config {
	c := &Config{v: viper.New()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load 读取配置文件；文件缺失且 optional 时不报错，也不监听
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.defaults {
		c.v.SetDefault(k, v)
	}
	if c.envPrefix != "" {
		c.v.SetEnvPrefix(c.envPrefix)
		c.v.AutomaticEnv()
	}
	if c.replacer != nil {
		c.v.SetEnvKeyReplacer(c.replacer)
	}

	if c.file != "" {
		c.v.SetConfigFile(c.file)
	} else {
		if c.name != "" {
			c.v.SetConfigName(c.name)
		}
		if c.typ != "" {
			c.v.SetConfigType(c.typ)
		}
		for _, p := range c.paths {
			c.v.AddConfigPath(p)
		}
	}

	if err := c.v.ReadInConfig(); err != nil {
		switch {
		case !isNotFound(err):
			return fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
		case c.optional:
			return nil
		default:
			return fmt.Errorf("%w: %w", ErrConfigNotFound, err)
		}
	}

	if c.autoWatch {
		c.watch()
	}
	return nil
}

// StartWatch 开始监听文件，重复调用无副作用
func (c *Config) StartWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.watching && c.v.ConfigFileUsed() != "" {
		c.watch()
	}
}

// StopWatch 停止回调。viper 不支持关闭底层 watcher，事件在此之后被忽略
func (c *Config) StopWatch() {
	c.mu.Lock()
	c.watching = false
	c.mu.Unlock()
}

// Close 等同 StopWatch
func (c *Config) Close() { c.StopWatch() }

// 调用方持有 mu
func (c *Config) watch() {
	c.watching = true
	c.v.OnConfigChange(func(fsnotify.Event) {
		c.mu.RLock()
		active := c.watching
		c.mu.RUnlock()
		if !active {
			return
		}

		s, err := c.Settings()
		if err != nil {
			c.reportError(fmt.Errorf("config: reload %s: %w", c.ConfigFileUsed(), err))
			return
		}
		if c.onReload != nil {
			c.onReload(s)
		}
	})
	c.v.WatchConfig()
}

func (c *Config) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
		return
	}
	fmt.Fprintln(os.Stderr, err)
}

func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetDuration(key)
}

func (c *Config) GetStringSlice(key string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetStringSlice(key)
}

// Set 覆盖运行时值，优先级高于文件与环境变量
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.Set(key, value)
}

func (c *Config) IsSet(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.IsSet(key)
}

func (c *Config) Unmarshal(out any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.Unmarshal(out)
}

func (c *Config) UnmarshalKey(key string, out any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.UnmarshalKey(key, out)
}

// ConfigFileUsed 实际读取的文件，未读取时为空
func (c *Config) ConfigFileUsed() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.ConfigFileUsed()
}

// 按名称搜索时 viper 返回 ConfigFileNotFoundError，指定路径时返回 fs.ErrNotExist
func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist)
}
