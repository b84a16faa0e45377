package middleware

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qchat"
	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/ratelimit"
)

// ErrTooManyRequests 请求过于频繁
var ErrTooManyRequests = errors.New(1005, "请求过于频繁", 429)

// RateLimiterConfig REST 接口限流，每个 key 一个令牌桶
type RateLimiterConfig struct {
	RequestsPerSecond float64 // 默认 100
	Burst             int     // 默认同 RequestsPerSecond
	KeyFunc           func(c *qchat.Context) string
	ExcludePaths      []string
	Logger            logger.Logger

	// 空闲桶清理，零值使用 ratelimit.Store 的默认值
	CleanupInterval time.Duration
	BucketExpiry    time.Duration
}

func clientIP(c *qchat.Context) string { return c.ClientIP() }

// RateLimiter 返回限流中间件及停止后台清理的 stop
func RateLimiter(cfgs ...*RateLimiterConfig) (qchat.HandlerFunc, func()) {
	var cfg RateLimiterConfig
	if len(cfgs) > 0 && cfgs[0] != nil {
		cfg = *cfgs[0]
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	keyOf := cfg.KeyFunc
	if keyOf == nil {
		keyOf = clientIP
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	buckets := ratelimit.NewStore(cfg.RequestsPerSecond, cfg.Burst, cfg.CleanupInterval, cfg.BucketExpiry)
	handler := func(c *qchat.Context) {
		path := c.Request().URL.Path
		if slices.Contains(cfg.ExcludePaths, path) {
			c.Next()
			return
		}
		if key := keyOf(c); !buckets.Allow(key) {
			log.WarnContext(c.RequestContext(), "rate limited", zap.String("key", key), zap.String("path", path))
			c.AbortWithError(ErrTooManyRequests)
			return
		}
		c.Next()
	}
	return handler, buckets.Close
}
