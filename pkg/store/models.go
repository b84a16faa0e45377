package store

import (
	"slices"
	"time"

	"github.com/tokmz/qchat/pkg/errors"
)

// MessageType 消息类型
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
)

// Valid 是否为已知类型
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo:
		return true
	}
	return false
}

// User 用户，账号体系在外部，这里只读 id/name，只写在线状态
type User struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username    string     `gorm:"size:64;uniqueIndex;not null" json:"username"`
	DisplayName string     `gorm:"size:128" json:"display_name"`
	Online      bool       `gorm:"not null;default:false;index" json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"-"`
	UpdatedAt   time.Time  `json:"-"`
}

// Conversation 会话，成员创建后不可变
type Conversation struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id"`
	Name          string        `gorm:"size:128" json:"name"`
	IsGroup       bool          `gorm:"not null;default:false" json:"is_group"`
	AIEnabled     bool          `gorm:"column:ai_enabled;not null;default:false" json:"ai_enabled"`
	Participants  []Participant `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"participants"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Participant 会话成员，按 Position 排序
type Participant struct {
	ConversationID string    `gorm:"primaryKey;size:36" json:"conversation_id"`
	UserID         int64     `gorm:"primaryKey;index" json:"user_id"`
	Position       int       `gorm:"not null" json:"position"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Message 消息，ID 为 ULID，按时间可排序
type Message struct {
	ID             string      `gorm:"primaryKey;size:26" json:"id"`
	ConversationID string      `gorm:"size:36;not null;index:idx_messages_conv_ts,priority:1" json:"conversation_id"`
	SenderID       int64       `gorm:"not null;index" json:"sender_id"`
	Content        string      `gorm:"type:text" json:"content"`
	Type           MessageType `gorm:"size:16;not null;default:text" json:"message_type"`
	Timestamp      time.Time   `gorm:"not null;index:idx_messages_conv_ts,priority:2" json:"timestamp"`
	ReadBy         []int64     `gorm:"-" json:"read_by"`
}

// MessageRead 已读记录，只增不删
type MessageRead struct {
	MessageID      string    `gorm:"primaryKey;size:26"`
	UserID         int64     `gorm:"primaryKey;index"`
	ConversationID string    `gorm:"size:36;not null;index"`
	ReadAt         time.Time `gorm:"not null"`
}

// ParticipantIDs 成员 ID，按 Position 排序
func (c *Conversation) ParticipantIDs() []int64 {
	ps := slices.Clone(c.Participants)
	slices.SortFunc(ps, func(a, b Participant) int { return a.Position - b.Position })
	ids := make([]int64, len(ps))
	for i, p := range ps {
		ids[i] = p.UserID
	}
	return ids
}

// HasParticipant 是否为会话成员
func (c *Conversation) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Validate 校验成员：至少两人且不重复，单聊恰好两人
func (c *Conversation) Validate() error {
	seen := make(map[int64]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		if _, dup := seen[p.UserID]; dup {
			return errors.ErrValidation.WithMessage("duplicate participant")
		}
		seen[p.UserID] = struct{}{}
	}
	switch {
	case len(seen) < 2:
		return errors.ErrValidation.WithMessage("conversation needs at least 2 participants")
	case !c.IsGroup && len(seen) != 2:
		return errors.ErrValidation.WithMessage("direct conversation must have exactly 2 participants")
	}
	return nil
}

// IsReadBy 是否已被该用户读过
func (m *Message) IsReadBy(userID int64) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Models 需要迁移的表
func Models() []any {
	return []any{&User{}, &Conversation{}, &Participant{}, &Message{}, &MessageRead{}}
}
