package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tokmz/qchat"
	"github.com/tokmz/qchat/middleware"
	"github.com/tokmz/qchat/pkg/assistant"
	"github.com/tokmz/qchat/pkg/auth"
	"github.com/tokmz/qchat/pkg/cache"
	"github.com/tokmz/qchat/pkg/config"
	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/message"
	"github.com/tokmz/qchat/pkg/metrics"
	"github.com/tokmz/qchat/pkg/openapi"
	"github.com/tokmz/qchat/pkg/orm"
	"github.com/tokmz/qchat/pkg/outbox"
	"github.com/tokmz/qchat/pkg/presence"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/session"
	"github.com/tokmz/qchat/pkg/store"
	"github.com/tokmz/qchat/pkg/tracing"
	"github.com/tokmz/qchat/pkg/ws"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "配置文件路径，默认查找 ./config.yaml 与 ./configs/config.yaml")
	envFile := pflag.String("env", ".env", "环境变量文件，不存在时忽略")
	pflag.Parse()

	if err := run(*configFile, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "qchat: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, envFile string) error {
	// .env 只补充未设置的变量
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load env file: %w", err)
	}

	var log logger.Logger
	cfg, s, err := config.LoadSettings(configFile,
		config.WithAutoWatch(true),
		config.WithOnReload(func(ns *config.Settings) {
			// 只热更新日志级别，其余配置需要重启
			if lvl, err := logger.ParseLevel(ns.Log.Level); err == nil && log != nil {
				log.SetLevel(lvl)
				log.Info("log level changed", zap.Stringer("level", lvl))
			}
		}),
		config.WithOnError(func(err error) {
			if log != nil {
				log.Warn("config reload rejected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return err
	}
	defer cfg.Close()

	log, err = newLogger(s.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	if s.Tracing.Enabled {
		if _, err := tracing.NewTracerProvider(&tracing.Config{
			ServiceName:      s.Tracing.ServiceName,
			ServiceVersion:   qchat.Version,
			Environment:      s.Tracing.Environment,
			ExporterType:     s.Tracing.Exporter,
			ExporterEndpoint: s.Tracing.Endpoint,
			Insecure:         s.Tracing.Insecure,
			SamplingRate:     s.Tracing.SamplingRate,
			SamplingType:     "parent_based",
			Enabled:          true,
		}); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(sctx); err != nil {
				log.Warn("tracing shutdown failed", zap.Error(err))
			}
		}()
	}

	db, err := orm.New(newORMConfig(s.Database, log))
	if err != nil {
		return err
	}
	gormRepo := store.NewGormRepository(db)
	if s.Database.AutoMigrate {
		if err := gormRepo.Migrate(ctx); err != nil {
			return err
		}
	}

	ccfg := newCacheConfig(s.Cache)
	ccfg.Tracing = s.Tracing.Enabled
	kv, err := cache.New(ccfg)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	repo := store.NewCachedRepository(gormRepo, kv, s.Cache.DefaultTTL)
	authn := auth.NewTokenAuthenticator(kv, s.Auth.SessionPrefix)
	collector := metrics.New("qchat")

	wcfg, err := ws.NewConfig(
		ws.WithMaxConnections(s.WS.MaxConnections),
		ws.WithMaxRoomSize(s.WS.MaxRoomSize),
		ws.WithMessageQueueSize(s.WS.MessageQueueSize),
		ws.WithMessageSizeLimit(s.WS.MaxMessageSize),
		ws.WithBufferSize(s.WS.ReadBufferSize, s.WS.WriteBufferSize),
		ws.WithHeartbeat(s.WS.PingPeriod, s.WS.PongWait),
		ws.WithWriteWait(s.WS.WriteWait),
		ws.WithEnableCompression(s.WS.EnableCompression),
		ws.WithCheckOriginWhitelist(s.WS.AllowedOrigins),
		ws.WithMetrics(collector),
	)
	if err != nil {
		return err
	}
	registry := ws.NewRegistry(wcfg)
	broadcaster := ws.NewBroadcaster(wcfg)

	sink, err := outbox.OpenSink(&outbox.Config{
		Driver:        s.Outbox.Driver,
		Topic:         s.Outbox.Topic,
		KafkaBrokers:  s.Outbox.Kafka.Brokers,
		KafkaClientID: s.Outbox.Kafka.ClientID,
		AMQPURL:       s.Outbox.AMQP.URL,
		AMQPExchange:  s.Outbox.AMQP.Exchange,
	})
	if err != nil {
		return err
	}
	dispatcher := outbox.NewDispatcher(sink,
		outbox.WithWorkers(s.Outbox.Workers),
		outbox.WithBufferSize(s.Outbox.BufferSize),
		outbox.WithLogger(log),
		outbox.WithMetrics(collector),
	)

	msgOpts := []message.Option{
		message.WithOutbox(dispatcher),
		message.WithMetrics(collector),
		message.WithLogger(log),
	}
	var aiUser protocol.UserRef
	if s.AI.Enabled {
		u, err := repo.EnsureUser(ctx, s.AI.Username, s.AI.DisplayName)
		if err != nil {
			return fmt.Errorf("ensure ai user: %w", err)
		}
		aiUser = assistant.Identity(u)
		msgOpts = append(msgOpts, message.WithAIUser(aiUser))
	}
	svc := message.NewService(repo, broadcaster, message.Config{
		MaxContentLength: s.Message.MaxContentLength,
		LockStripes:      s.Message.LockStripes,
	}, msgOpts...)

	tracker := presence.NewTracker(repo, broadcaster, presence.WithLogger(log), presence.WithMetrics(collector))
	reconciler, err := presence.NewReconciler(tracker, s.Presence.ReconcileSpec, log)
	if err != nil {
		return fmt.Errorf("presence reconciler: %w", err)
	}
	reconciler.Start(ctx)

	hubOpts := []session.Option{session.WithLogger(log), session.WithMetrics(collector)}
	var responder *assistant.Responder
	if s.AI.Enabled && s.AI.APIKey == "" {
		log.Warn("ai enabled without api key, assistant disabled")
	}
	if s.AI.Enabled && s.AI.APIKey != "" {
		provider := assistant.NewOpenAIProvider(assistant.OpenAIConfig{
			BaseURL: s.AI.BaseURL,
			APIKey:  s.AI.APIKey,
			Model:   s.AI.Model,
			Timeout: s.AI.Timeout,
			Logger:  log,
		})
		responder = assistant.NewResponder(provider, svc, broadcaster, aiUser, assistant.Config{
			SystemPrompt: s.AI.SystemPrompt,
			MaxTokens:    s.AI.MaxTokens,
			Temperature:  s.AI.Temperature,
			Timeout:      s.AI.Timeout,
			MaxInflight:  s.AI.MaxInflight,
			Breaker: assistant.BreakerConfig{
				MaxFailures:      s.AI.Breaker.MaxFailures,
				ResetTimeout:     s.AI.Breaker.ResetTimeout,
				HalfOpenRequests: s.AI.Breaker.HalfOpenRequests,
			},
		}, assistant.WithLogger(log), assistant.WithMetrics(collector))
		hubOpts = append(hubOpts, session.WithResponder(responder))
	}

	hub := session.NewHub(registry, broadcaster, svc, tracker, session.Config{
		PingPeriod:       s.WS.PingPeriod,
		MaxInvalidFrames: s.WS.MaxInvalidFrames,
		InboundRate:      s.WS.InboundRate,
		InboundBurst:     s.WS.InboundBurst,
	}, hubOpts...)

	engine := qchat.Default(
		qchat.WithMode(s.Server.Mode),
		qchat.WithAddr(s.Server.Addr),
		qchat.WithReadTimeout(s.Server.ReadTimeout),
		qchat.WithWriteTimeout(s.Server.WriteTimeout),
		qchat.WithIdleTimeout(s.Server.IdleTimeout),
		qchat.WithShutdownTimeout(s.Server.ShutdownTimeout),
		qchat.WithCORSOrigins(s.Server.CORSOrigins...),
		qchat.WithLogger(log),
		qchat.WithOpenAPI(openapi.Config{
			Title:   "qchat",
			Version: qchat.Version,
			SecuritySchemes: map[string]*openapi.SecurityScheme{
				"bearer": {Type: "http", Scheme: "bearer"},
			},
		}),
		qchat.WithBeforeShutdown(func(ctx context.Context) {
			if err := hub.Shutdown(ctx); err != nil {
				log.Warn("hub shutdown", zap.Error(err))
			}
			if responder != nil {
				if err := responder.Shutdown(ctx); err != nil {
					log.Warn("assistant shutdown", zap.Error(err))
				}
			}
			if err := reconciler.Stop(ctx); err != nil {
				log.Warn("reconciler stop", zap.Error(err))
			}
			if err := dispatcher.Close(ctx); err != nil {
				log.Warn("outbox close", zap.Error(err))
			}
		}),
	)

	excluded := []string{"/healthz", "/metrics", "/openapi.json"}
	engine.Use(
		middleware.Tracing(&middleware.TracingConfig{ExcludePaths: excluded}),
		middleware.Metrics(collector),
	)

	restMiddlewares := []qchat.HandlerFunc{middleware.Timeout(s.Server.WriteTimeout)}
	if s.Server.RateLimit > 0 {
		limiter, stop := middleware.RateLimiter(&middleware.RateLimiterConfig{
			RequestsPerSecond: s.Server.RateLimit,
			Burst:             s.Server.RateBurst,
			Logger:            log,
		})
		defer stop()
		restMiddlewares = append(restMiddlewares, limiter)
	}

	root := engine.RouterGroup()
	qchat.NewChatAPI(svc, hub, tracker, ws.NewUpgrader(wcfg), authn,
		qchat.WithTokenParam(s.Auth.QueryParam),
		qchat.WithAPILogger(log),
	).Register(root, restMiddlewares...)

	root.GET("/healthz", qchat.Health(map[string]qchat.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"cache": kv.Ping,
	}))
	root.Mount(http.MethodGet, "/metrics", collector.Handler())

	return engine.Run(context.Background())
}

func newLogger(s config.LogSettings) (logger.Logger, error) {
	lvl, err := logger.ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}
	cfg := &logger.Config{
		Level:      lvl,
		Format:     logger.Format(s.Format),
		Console:    true,
		Caller:     true,
		Stacktrace: true,
	}
	if s.File != "" {
		cfg.Rotate = &logger.RotateConfig{
			Filename:   s.File,
			MaxSize:    s.MaxSize,
			MaxAge:     s.MaxAge,
			MaxBackups: s.MaxBackups,
			LocalTime:  true,
			Compress:   s.Compress,
		}
	}
	return logger.New(cfg)
}

func newORMConfig(s config.DatabaseSettings, log logger.Logger) *orm.Config {
	cfg := orm.DefaultConfig()
	cfg.Type = orm.DBType(s.Type)
	cfg.DSN = s.DSN
	cfg.MaxIdleConns = s.MaxIdleConns
	cfg.MaxOpenConns = s.MaxOpenConns
	cfg.ConnMaxLifetime = s.ConnMaxLifetime
	cfg.LogLevel = s.LogLevel
	cfg.SlowThreshold = s.SlowThreshold
	cfg.Tracing = s.Tracing
	cfg.Logger = log
	if len(s.Replicas) > 0 {
		cfg.ReadWriteSplit = &orm.ReadWriteSplitConfig{Sources: s.Replicas, Policy: "round_robin"}
	}
	return cfg
}

func newCacheConfig(s config.CacheSettings) *cache.Config {
	cfg := cache.DefaultConfig()
	cfg.KeyPrefix = s.KeyPrefix
	if s.DefaultTTL > 0 {
		cfg.DefaultTTL = s.DefaultTTL
	}
	if cache.DriverType(s.Driver) == cache.DriverRedis {
		rc := cache.DefaultRedisConfig()
		rc.Mode = cache.RedisMode(s.Redis.Mode)
		rc.Addr = s.Redis.Addr
		rc.Addrs = s.Redis.Addrs
		rc.Username = s.Redis.Username
		rc.Password = s.Redis.Password
		rc.DB = s.Redis.DB
		rc.MasterName = s.Redis.MasterName
		if s.Redis.PoolSize > 0 {
			rc.PoolSize = s.Redis.PoolSize
		}
		cfg.Driver = cache.DriverRedis
		cfg.Redis = rc
		cfg.Memory = nil
	}
	return cfg
}
