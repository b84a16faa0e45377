package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound 服务端下发的帧
type Outbound interface {
	Type() Type
	outbound()
}

// MessagePayload chat_message 帧中的消息体
type MessagePayload struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	Timestamp   time.Time `json:"timestamp"`
	Sender      UserRef   `json:"sender"`
}

// ChatMessageEvent 新消息
type ChatMessageEvent struct {
	Message MessagePayload `json:"message"`
}

// TypingEvent 输入状态
type TypingEvent struct {
	User     UserRef `json:"user"`
	IsTyping bool    `json:"is_typing"`
}

// UserStatusEvent 上下线
type UserStatusEvent struct {
	User   UserRef `json:"user"`
	Status Status  `json:"status"`
}

// ReadReceiptEvent 已读回执
type ReadReceiptEvent struct {
	User       UserRef  `json:"user"`
	MessageIDs []string `json:"message_ids"`
}

// ErrorEvent 只回给出错的连接
type ErrorEvent struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

func (*ChatMessageEvent) Type() Type { return TypeChatMessage }
func (*TypingEvent) Type() Type      { return TypeTyping }
func (*UserStatusEvent) Type() Type  { return TypeUserStatus }
func (*ReadReceiptEvent) Type() Type { return TypeReadReceipt }
func (*ErrorEvent) Type() Type       { return TypeError }

func (*ChatMessageEvent) outbound() {}
func (*TypingEvent) outbound()      {}
func (*UserStatusEvent) outbound()  {}
func (*ReadReceiptEvent) outbound() {}
func (*ErrorEvent) outbound()       {}

// Encode 编码出站帧，type 字段与帧内容平铺
func Encode(f Outbound) ([]byte, error) {
	switch v := f.(type) {
	case *ChatMessageEvent:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*ChatMessageEvent
		}{TypeChatMessage, v})
	case *TypingEvent:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*TypingEvent
		}{TypeTyping, v})
	case *UserStatusEvent:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*UserStatusEvent
		}{TypeUserStatus, v})
	case *ReadReceiptEvent:
		if v.MessageIDs == nil {
			v.MessageIDs = []string{}
		}
		return json.Marshal(struct {
			Type Type `json:"type"`
			*ReadReceiptEvent
		}{TypeReadReceipt, v})
	case *ErrorEvent:
		return json.Marshal(struct {
			Type Type `json:"type"`
			*ErrorEvent
		}{TypeError, v})
	default:
		return nil, fmt.Errorf("protocol: unsupported outbound frame %T", f)
	}
}

// NewError 构造错误帧
func NewError(code int, msg string) *ErrorEvent {
	return &ErrorEvent{Error: msg, Code: code}
}
