package qchat

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/qchat/pkg/auth"
	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/logger"
)

// gin.Context 中的键
const (
	keyTraceID  = "trace_id"
	keyUID      = "uid"
	keyIdentity = "identity"
)

// Context 包装 gin.Context，处理器只通过它读取请求与写响应
type Context struct {
	ctx *gin.Context
}

func (c *Context) Request() *http.Request      { return c.ctx.Request }
func (c *Context) Writer() gin.ResponseWriter  { return c.ctx.Writer }
func (c *Context) Param(key string) string     { return c.ctx.Param(key) }
func (c *Context) Query(key string) string     { return c.ctx.Query(key) }
func (c *Context) GetHeader(key string) string { return c.ctx.GetHeader(key) }
func (c *Context) Header(key, value string)    { c.ctx.Header(key, value) }
func (c *Context) ClientIP() string            { return c.ctx.ClientIP() }

// FullPath 路由模板，如 /conversations/:id，未匹配时为空
func (c *Context) FullPath() string { return c.ctx.FullPath() }

func (c *Context) ShouldBind(obj any) error      { return c.ctx.ShouldBind(obj) }
func (c *Context) ShouldBindQuery(obj any) error { return c.ctx.ShouldBindQuery(obj) }
func (c *Context) ShouldBindUri(obj any) error   { return c.ctx.ShouldBindUri(obj) }

func (c *Context) Set(key string, value any)   { c.ctx.Set(key, value) }
func (c *Context) Get(key string) (any, bool)  { return c.ctx.Get(key) }
func (c *Context) GetString(key string) string { return c.ctx.GetString(key) }
func (c *Context) JSON(code int, obj any)      { c.ctx.JSON(code, obj) }
func (c *Context) Next()                       { c.ctx.Next() }
func (c *Context) Abort()                      { c.ctx.Abort() }

// TraceID 由 Tracing 中间件写入
func (c *Context) TraceID() string      { return c.ctx.GetString(keyTraceID) }
func (c *Context) SetTraceID(id string) { c.ctx.Set(keyTraceID, id) }
func (c *Context) UserID() int64        { return c.ctx.GetInt64(keyUID) }

// Identity 认证通过后的身份，未认证返回 nil
func (c *Context) Identity() *auth.Identity {
	v, ok := c.ctx.Get(keyIdentity)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.Identity)
	return id
}

// SetIdentity 同时写入 uid 供日志与限流使用
func (c *Context) SetIdentity(id *auth.Identity) {
	c.ctx.Set(keyIdentity, id)
	c.ctx.Set(keyUID, id.UserID)
}

// Success 200，data 放入统一响应体
func (c *Context) Success(data any) {
	c.respond(http.StatusOK, Success(data))
}

// Nil 200，无数据
func (c *Context) Nil() { c.Success(nil) }

// RespondError *errors.Error 按其 HttpCode 返回；其他错误统一为 500，原始信息不外泄
func (c *Context) RespondError(err error) {
	e := errors.From(err)
	if e == nil {
		e = errors.ErrServer
	}
	c.respond(e.HttpCode, NewResponse(e.Code, nil, e.Message))
}

// AbortWithError RespondError 后中止
func (c *Context) AbortWithError(err error) {
	c.RespondError(err)
	c.Abort()
}

func (c *Context) respond(status int, resp *Response) {
	if id := c.TraceID(); id != "" {
		resp.WithTraceID(id)
	}
	c.JSON(status, resp)
}

func (c *Context) bindError(err error) error {
	return errors.ErrBadRequest.WithError(err)
}

// RequestContext 请求的 context.Context，带上 trace_id 与 uid 供日志提取
func (c *Context) RequestContext() context.Context {
	ctx := c.ctx.Request.Context()
	if id := c.TraceID(); id != "" {
		ctx = logger.WithTraceID(ctx, id)
	}
	if uid := c.UserID(); uid != 0 {
		ctx = logger.WithUID(ctx, uid)
	}
	return ctx
}

// SetRequestContext 替换请求的 context，中间件注入 span 时使用
func (c *Context) SetRequestContext(ctx context.Context) {
	c.ctx.Request = c.ctx.Request.WithContext(ctx)
}
