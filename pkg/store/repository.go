// Package store 持久化：gorm 实现、内存实现与缓存装饰器
//
// 所有实现遵循同一组语义：
//   - 不存在返回 errors.ErrNotFound
//   - 存储故障返回 errors.ErrPersistence
//   - CreateMessage 在一个事务内写入消息、发送者自读记录并推进会话 updated_at
//   - 同一会话内消息时间戳按写入顺序单调不减
package store

import (
	"context"
	"time"
)

// Repository 核心依赖的存储访问
type Repository interface {
	// 用户
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUsers(ctx context.Context, ids []int64) ([]*User, error)
	// EnsureUser 按用户名查找，不存在则创建
	EnsureUser(ctx context.Context, username, displayName string) (*User, error)
	// SetPresence 写在线标记；下线时同时写 last_seen
	SetPresence(ctx context.Context, userID int64, online bool, at time.Time) error
	ListOnlineUserIDs(ctx context.Context) ([]int64, error)

	// 会话
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	ConversationIDsForUser(ctx context.Context, userID int64) ([]string, error)

	// 消息
	CreateMessage(ctx context.Context, msg *Message) error
	// ListMessages 最近 limit 条，按时间正序
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	// MarkRead 标记已读，ids 为空表示会话内全部未读；返回本次新标记的消息 ID
	MarkRead(ctx context.Context, conversationID string, userID int64, ids []string) ([]string, error)
	UnreadCount(ctx context.Context, conversationID string, userID int64) (int64, error)
	// RecentContacts 在用户所在会话中给他发过消息的其他人，最近的在前
	RecentContacts(ctx context.Context, userID int64, limit int) ([]*User, error)
}

// clampTimestamp 保证会话内时间戳不回退
func clampTimestamp(ts time.Time, last *time.Time) time.Time {
	if last != nil && ts.Before(*last) {
		return *last
	}
	return ts
}
