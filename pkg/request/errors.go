package request

import "github.com/tokmz/qchat/pkg/errors"

// 4000 段错误码：上游 HTTP 调用
var (
	// ErrRequest 请求未送达
	ErrRequest = errors.New(4001, "请求失败", 502)
	// ErrTimeout 请求超时
	ErrTimeout = errors.New(4002, "请求超时", 504)
	// ErrEncode 请求体序列化失败
	ErrEncode = errors.New(4003, "序列化失败", 500)
	// ErrDecode 响应体反序列化失败
	ErrDecode = errors.New(4004, "反序列化失败", 502)
	// ErrStatus 非 2xx 响应
	ErrStatus = errors.New(4007, "响应状态异常", 502)
)
