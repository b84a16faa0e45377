package qchat

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/openapi"
)

// Config HTTP 服务配置
type Config struct {
	Mode string // debug / release / test

	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	ShutdownTimeout time.Duration
	// BeforeShutdown 先于 http.Server.Shutdown 执行。
	// 被劫持的 websocket 连接不受 http.Server 管理，在这里关闭
	BeforeShutdown func(ctx context.Context)
	AfterShutdown  func(ctx context.Context)

	TrustedProxies []string
	CORSOrigins    []string // 空不启用，["*"] 放行全部
	Logger         logger.Logger
	Banner         bool
	OpenAPI        *openapi.Config // nil 不生成文档
}

// Option 配置项
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		Mode:            gin.ReleaseMode,
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 10 * time.Second,
		Banner:          true,
	}
}

func WithMode(mode string) Option {
	return func(c *Config) {
		if mode != "" {
			c.Mode = mode
		}
	}
}

func WithAddr(addr string) Option {
	return func(c *Config) { c.Addr = addr }
}

// WithReadTimeout 只作用于 REST，websocket 升级后由会话自己管理读超时
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = d }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ShutdownTimeout = d
		}
	}
}

func WithBeforeShutdown(fn func(ctx context.Context)) Option {
	return func(c *Config) { c.BeforeShutdown = fn }
}

func WithAfterShutdown(fn func(ctx context.Context)) Option {
	return func(c *Config) { c.AfterShutdown = fn }
}

func WithTrustedProxies(proxies ...string) Option {
	return func(c *Config) { c.TrustedProxies = proxies }
}

func WithCORSOrigins(origins ...string) Option {
	return func(c *Config) { c.CORSOrigins = origins }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithBanner 启动时打印 banner 与路由表
func WithBanner(on bool) Option {
	return func(c *Config) { c.Banner = on }
}

// WithOpenAPI 由 GET/POST 注册的接口生成文档，挂在 cfg.Path
func WithOpenAPI(cfg openapi.Config) Option {
	return func(c *Config) { c.OpenAPI = &cfg }
}

// Engine HTTP 与 websocket 入口
type Engine struct {
	config *Config
	engine *gin.Engine
	server *http.Server
	log    logger.Logger
	docs   *openapi.Registry
}

// New 创建 Engine，只挂 Recovery 与 CORS。gin.SetMode 是全局状态，进程内只创建一个
func New(opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	gin.SetMode(cfg.Mode)
	silenceGin()

	g := gin.New()
	g.Use(wrap(Recovery(log)))
	if cfg.TrustedProxies != nil {
		if err := g.SetTrustedProxies(cfg.TrustedProxies); err != nil {
			log.Warn("engine: trusted proxies rejected", zap.Error(err))
		}
	}
	if len(cfg.CORSOrigins) > 0 {
		g.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	}
	e := &Engine{config: cfg, engine: g, log: log}
	if cfg.OpenAPI != nil {
		e.docs = openapi.NewRegistry(*cfg.OpenAPI)
		g.GET(e.docs.Path(), func(c *gin.Context) {
			c.JSON(http.StatusOK, e.docs.Build())
		})
	}
	return e
}

func corsConfig(origins []string) cors.Config {
	cc := cors.DefaultConfig()
	if len(origins) == 1 && origins[0] == "*" {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	cc.AddAllowHeaders("Authorization")
	return cc
}

// Default New 加上请求日志
func Default(opts ...Option) *Engine {
	e := New(opts...)
	e.Use(Logger(e.log))
	return e
}

// Use 全局中间件
func (e *Engine) Use(middlewares ...HandlerFunc) {
	e.engine.Use(wrapAll(middlewares)...)
}

// RouterGroup 根路由组
func (e *Engine) RouterGroup() *RouterGroup {
	return &RouterGroup{group: &e.engine.RouterGroup, docs: e.docs}
}

// OpenAPI 文档登记表，未开启时为 nil
func (e *Engine) OpenAPI() *openapi.Registry { return e.docs }

// Handler 供 httptest 使用
func (e *Engine) Handler() http.Handler { return e.engine }

// Run 监听直到 ctx 结束或收到 SIGINT/SIGTERM，然后在 ShutdownTimeout 内关闭
func (e *Engine) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := e.config
	e.server = &http.Server{
		Addr:           c.Addr,
		Handler:        e.engine,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		IdleTimeout:    c.IdleTimeout,
		MaxHeaderBytes: c.MaxHeaderBytes,
	}
	if c.Banner {
		e.printBanner(c.Addr)
	}
	e.log.Info("server listening", zap.String("addr", c.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		e.log.Info("server shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(sctx); err != nil {
			e.log.Error("server shutdown incomplete", zap.Error(err))
			return err
		}
		e.log.Info("server stopped")
		return nil
	})
	return g.Wait()
}

// Shutdown 依次执行 BeforeShutdown、http.Server.Shutdown、AfterShutdown
func (e *Engine) Shutdown(ctx context.Context) error {
	if fn := e.config.BeforeShutdown; fn != nil {
		fn(ctx)
	}
	var err error
	if e.server != nil {
		err = e.server.Shutdown(ctx)
	}
	if fn := e.config.AfterShutdown; fn != nil {
		fn(ctx)
	}
	return err
}
