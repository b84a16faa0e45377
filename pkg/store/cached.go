package store

import (
	"context"
	"strconv"
	"time"

	"github.com/tokmz/qchat/pkg/cache"
)

// CachedRepository 缓存装饰器
//
// 会话成员创建后不可变，整条会话可以缓存，缓存中的 updated_at 最多滞后一个 ttl。
// 用户只缓存到下一次在线状态变化。消息与已读记录每次都走底层存储。
type CachedRepository struct {
	Repository
	group *cache.Group
	ttl   time.Duration
}

var _ Repository = (*CachedRepository)(nil)

// NewCachedRepository 包装存储，ttl <= 0 时取 10 分钟
func NewCachedRepository(next Repository, c cache.Cache, ttl time.Duration) *CachedRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedRepository{Repository: next, group: cache.NewGroup(c), ttl: ttl}
}

func conversationKey(id string) string { return "conv:" + id }
func userKey(id int64) string          { return "user:" + strconv.FormatInt(id, 10) }

func (r *CachedRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return cache.RememberWithLock(ctx, r.group, conversationKey(id), r.ttl, func() (*Conversation, error) {
		return r.Repository.GetConversation(ctx, id)
	})
}

func (r *CachedRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	return cache.RememberWithLock(ctx, r.group, userKey(id), r.ttl, func() (*User, error) {
		return r.Repository.GetUser(ctx, id)
	})
}

func (r *CachedRepository) SetPresence(ctx context.Context, userID int64, online bool, at time.Time) error {
	err := r.Repository.SetPresence(ctx, userID, online, at)
	r.invalidate(ctx, userKey(userID))
	return err
}

func (r *CachedRepository) invalidate(ctx context.Context, key string) {
	_ = r.group.Cache().Delete(ctx, key)
	r.group.Forget(key)
}
