package errors

/*
	内置常用错误码
*/

var (
	// ErrServer 服务器错误
	ErrServer = New(1000, "服务器异常", 500)
	// ErrBadRequest 客户端请求错误
	ErrBadRequest = New(1001, "请求异常", 400)
	// ErrUnauthorized 未授权
	ErrUnauthorized = New(1002, "授权异常", 401)
	// ErrForbidden 禁止访问
	ErrForbidden = New(1003, "禁止访问", 403)
	// ErrNotFound 资源不存在
	ErrNotFound = New(1004, "资源不存在", 404)
)

/*
	聊天业务错误码
*/

var (
	// ErrValidation 输入内容或格式不合法，仅回报给发起连接
	ErrValidation = New(2001, "参数校验失败", 400)
	// ErrAuthorization 非会话参与者
	ErrAuthorization = New(2002, "无权访问该会话", 403)
	// ErrBackpressure 订阅者消费过慢，连接被强制断开
	ErrBackpressure = New(2003, "发送队列已满", 503)
	// ErrUpstream AI 服务调用失败或超时
	ErrUpstream = New(2004, "上游服务不可用", 502)
	// ErrPersistence 存储不可用
	ErrPersistence = New(2005, "数据持久化失败", 500)
)

// IsValidation 是否为校验错误
func IsValidation(err error) bool { return Is(err, ErrValidation) }

// IsAuthorization 是否为鉴权错误
func IsAuthorization(err error) bool { return Is(err, ErrAuthorization) }

// IsNotFound 是否为资源不存在
func IsNotFound(err error) bool { return Is(err, ErrNotFound) }

// IsBackpressure 是否为背压错误
func IsBackpressure(err error) bool { return Is(err, ErrBackpressure) }

// IsUpstream 是否为上游错误
func IsUpstream(err error) bool { return Is(err, ErrUpstream) }

// IsPersistence 是否为持久化错误
func IsPersistence(err error) bool { return Is(err, ErrPersistence) }
