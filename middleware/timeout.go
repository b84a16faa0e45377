package middleware

import (
	"context"
	"time"

	"github.com/tokmz/qchat"
	"github.com/tokmz/qchat/pkg/errors"
)

// ErrRequestTimeout 请求超时
var ErrRequestTimeout = errors.New(1006, "请求超时", 408)

// Timeout 创建超时中间件
// 通过 context.WithTimeout 注入超时 context，handler 通过 ctx.Done() 感知超时；
// 只用于 REST 路由，websocket 连接的生命周期不受它约束
func Timeout(timeout time.Duration) qchat.HandlerFunc {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(c *qchat.Context) {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		c.SetRequestContext(ctx)

		// 在当前 goroutine 中执行，避免并发写响应
		c.Next()

		// handler 未写响应且已超时
		if ctx.Err() == context.DeadlineExceeded && !c.Writer().Written() {
			c.AbortWithError(ErrRequestTimeout)
		}
	}
}
