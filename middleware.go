package qchat

import (
	"errors"
	"net/http"
	"runtime/debug"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/logger"
)

// Logger 请求日志。websocket 升级请求在连接关闭后才记录，耗时即会话时长
func Logger(log logger.Logger, skipPaths ...string) HandlerFunc {
	return func(c *Context) {
		path := c.Request().URL.Path
		if slices.Contains(skipPaths, path) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer().Status()
		fields := []zap.Field{
			zap.String("method", c.Request().Method),
			zap.String("path", path),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		ctx := c.RequestContext()
		switch {
		case status >= http.StatusInternalServerError:
			log.ErrorContext(ctx, "request", fields...)
		case status >= http.StatusBadRequest:
			log.WarnContext(ctx, "request", fields...)
		default:
			log.InfoContext(ctx, "request", fields...)
		}
	}
}

// Recovery panic 转为 500 统一响应；客户端断开导致的 panic 只记 warn
func Recovery(log logger.Logger) HandlerFunc {
	return func(c *Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && clientGone(err) {
				log.Warn("client disconnected", zap.Error(err), zap.String("path", c.Request().URL.Path))
				c.Abort()
				return
			}
			log.ErrorContext(c.RequestContext(), "panic recovered",
				zap.Any("panic", rec),
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.ByteString("stack", debug.Stack()),
			)
			c.JSON(http.StatusInternalServerError, NewResponse(http.StatusInternalServerError, nil, "Internal Server Error"))
			c.Abort()
		}()
		c.Next()
	}
}

func clientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
