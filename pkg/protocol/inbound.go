package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tokmz/qchat/pkg/errors"
)

// Inbound 客户端发来的帧
type Inbound interface {
	Type() Type
	inbound()
}

// ChatMessageRequest 发送消息
type ChatMessageRequest struct {
	Content     string
	MessageType string // 缺省为 text
}

// TypingRequest 输入状态
type TypingRequest struct {
	IsTyping bool
}

// ReadReceiptRequest 已读回执，MessageIDs 为空表示全部已读
type ReadReceiptRequest struct {
	MessageIDs []string
}

func (*ChatMessageRequest) Type() Type { return TypeChatMessage }
func (*TypingRequest) Type() Type      { return TypeTyping }
func (*ReadReceiptRequest) Type() Type { return TypeReadReceipt }

func (*ChatMessageRequest) inbound() {}
func (*TypingRequest) inbound()      {}
func (*ReadReceiptRequest) inbound() {}

// wireInbound 入站帧的线上格式，指针字段用于区分缺失与零值
type wireInbound struct {
	Type        Type     `json:"type"`
	Content     *string  `json:"content"`
	MessageType string   `json:"message_type"`
	IsTyping    *bool    `json:"is_typing"`
	MessageIDs  []string `json:"message_ids"`
}

// Decode 解析入站帧，格式错误返回 errors.ErrValidation
func Decode(data []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrapf(errors.ErrValidation, err, "invalid frame encoding")
	}

	switch w.Type {
	case TypeChatMessage:
		if w.Content == nil {
			return nil, malformed("chat_message requires content")
		}
		mt := w.MessageType
		if mt == "" {
			mt = "text"
		}
		return &ChatMessageRequest{Content: *w.Content, MessageType: mt}, nil
	case TypeTyping:
		if w.IsTyping == nil {
			return nil, malformed("typing requires is_typing")
		}
		return &TypingRequest{IsTyping: *w.IsTyping}, nil
	case TypeReadReceipt:
		return &ReadReceiptRequest{MessageIDs: w.MessageIDs}, nil
	case "":
		return nil, malformed("missing frame type")
	default:
		return nil, malformed(fmt.Sprintf("unknown frame type %q", w.Type))
	}
}

func malformed(msg string) error {
	return errors.ErrValidation.WithMessage(msg)
}
