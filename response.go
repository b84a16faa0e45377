package qchat

import "net/http"

// Response REST 统一响应体，成功时 code 为 200
type Response struct {
	Code    int    `json:"code"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

func NewResponse(code int, data any, message string) *Response {
	return &Response{Code: code, Data: data, Message: message}
}

func (r *Response) WithTraceID(traceID string) *Response {
	r.TraceID = traceID
	return r
}

// Success 包装成功数据
func Success(data any) *Response {
	return NewResponse(http.StatusOK, data, "success")
}

// ListResp 列表，空列表输出 [] 而不是 null
type ListResp struct {
	List  any `json:"list"`
	Total int `json:"total"`
}

func NewListResp[T any](list []T) *ListResp {
	if list == nil {
		list = []T{}
	}
	return &ListResp{List: list, Total: len(list)}
}
