package middleware

import (
	"time"

	"github.com/tokmz/qchat"
)

// HTTPObserver 请求指标
type HTTPObserver interface {
	ObserveHTTP(method, path string, status int, d time.Duration)
}

// Metrics 记录请求数与耗时，路径使用路由模板避免高基数
func Metrics(o HTTPObserver) qchat.HandlerFunc {
	return func(c *qchat.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		o.ObserveHTTP(c.Request().Method, path, c.Writer().Status(), time.Since(start))
	}
}
