// Package protocol 定义 websocket 帧格式。
//
// 入站与出站帧都是封闭接口，只在会话边界解码、编码一次，
// 业务代码通过类型分支处理，新增帧类型时编译器会提示遗漏的分支。
package protocol

// Type 帧类型
type Type string

const (
	TypeChatMessage Type = "chat_message"
	TypeTyping      Type = "typing"
	TypeReadReceipt Type = "read_receipt"
	TypeUserStatus  Type = "user_status"
	TypeError       Type = "error"
)

// UserRef 帧中携带的用户摘要
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Status 在线状态
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// 关闭码，4xxx 为应用自定义
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
	CloseUnauthorized    = 4401
	CloseForbidden       = 4403
	CloseNotFound        = 4404
	CloseBackpressure    = 4408
	ClosePolicyViolation = 1008
)
