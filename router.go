package qchat

import (
	"net/http"
	"path"
	"reflect"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/qchat/pkg/openapi"
)

// HandlerFunc 处理器与中间件共用的签名，中间件调用 c.Next() 继续
type HandlerFunc func(*Context)

func wrap(h HandlerFunc) gin.HandlerFunc {
	if h == nil {
		panic("qchat: nil handler")
	}
	return func(c *gin.Context) { h(&Context{ctx: c}) }
}

func wrapAll(hs []HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, len(hs))
	for i, h := range hs {
		out[i] = wrap(h)
	}
	return out
}

// RouterGroup 路由组
type RouterGroup struct {
	group *gin.RouterGroup
	docs  *openapi.Registry // nil 时不登记文档
}

// Group 子路由组，middlewares 只作用于组内路由
func (rg *RouterGroup) Group(path string, middlewares ...HandlerFunc) *RouterGroup {
	return &RouterGroup{group: rg.group.Group(path, wrapAll(middlewares)...), docs: rg.docs}
}

func (rg *RouterGroup) Use(middlewares ...HandlerFunc) {
	rg.group.Use(wrapAll(middlewares)...)
}

// GET 路由级中间件先于 handler 执行
func (rg *RouterGroup) GET(path string, h HandlerFunc, middlewares ...HandlerFunc) {
	rg.group.GET(path, append(wrapAll(middlewares), wrap(h))...)
}

func (rg *RouterGroup) POST(path string, h HandlerFunc, middlewares ...HandlerFunc) {
	rg.group.POST(path, append(wrapAll(middlewares), wrap(h))...)
}

// Mount 挂载 http.Handler，如 /metrics
func (rg *RouterGroup) Mount(method, path string, h http.Handler) {
	rg.group.Handle(method, path, gin.WrapH(h))
}

// GET 注册带自动绑定的 JSON 接口：参数绑定失败返回 1001，
// handler 的错误经 RespondError 输出，成功时 resp 作为 data。
// 开启 OpenAPI 时同时登记 Req/Resp 类型与 doc
func GET[Req, Resp any](
	rg *RouterGroup,
	path string,
	handler func(*Context, *Req) (*Resp, error),
	doc *openapi.DocOption,
	middlewares ...HandlerFunc,
) {
	handle(rg, http.MethodGet, path, handler, doc, middlewares)
}

func POST[Req, Resp any](
	rg *RouterGroup,
	path string,
	handler func(*Context, *Req) (*Resp, error),
	doc *openapi.DocOption,
	middlewares ...HandlerFunc,
) {
	handle(rg, http.MethodPost, path, handler, doc, middlewares)
}

func handle[Req, Resp any](
	rg *RouterGroup,
	method, relative string,
	handler func(*Context, *Req) (*Resp, error),
	doc *openapi.DocOption,
	middlewares []HandlerFunc,
) {
	h := func(c *Context) {
		var req Req
		if err := bind(c, &req); err != nil {
			c.RespondError(err)
			return
		}
		resp, err := handler(c, &req)
		if err != nil {
			c.RespondError(err)
			return
		}
		c.Success(resp)
	}
	rg.group.Handle(method, relative, append(wrapAll(middlewares), wrap(h))...)

	if rg.docs != nil {
		rg.docs.Add(openapi.Route{
			Method: method,
			Path:   path.Join(rg.group.BasePath(), relative),
			Req:    reflect.TypeFor[Req](),
			Resp:   reflect.TypeFor[*Resp](),
			Doc:    doc,
		})
	}
}

// bind 先绑路径参数；GET/DELETE 绑 query，其他方法绑 body，空 body 跳过
func bind(c *Context, obj any) error {
	// 路由没有 uri 参数时失败，忽略
	_ = c.ShouldBindUri(obj)

	var err error
	switch c.Request().Method {
	case http.MethodGet, http.MethodDelete:
		err = c.ShouldBindQuery(obj)
	default:
		if c.Request().ContentLength == 0 {
			return nil
		}
		err = c.ShouldBind(obj)
	}
	if err != nil {
		return c.bindError(err)
	}
	return nil
}
