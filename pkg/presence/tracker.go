// Package presence 维护用户在线状态。
//
// 在线与否由内存中的连接计数决定，只在 0→1、1→0 两个边沿写库并广播 user_status，
// 数据库里的 online 字段只是尽力而为的镜像，由 Reconciler 定期校正。
package presence

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/store"
)

const stripes = 64

// Publisher 房间广播
type Publisher interface {
	Publish(conversationID string, frame protocol.Outbound, exclude ...string) (int, error)
}

// Metrics 状态切换计数
type Metrics interface {
	PresenceTransition(status string)
}

type noopMetrics struct{}

func (noopMetrics) PresenceTransition(string) {}

// Tracker 在线状态跟踪
type Tracker struct {
	repo    store.Repository
	pub     Publisher
	log     logger.Logger
	metrics Metrics
	now     func() time.Time

	mu     sync.Mutex
	counts map[int64]int

	// 同一用户的计数变化与副作用在同一把锁内完成，保证广播顺序与边沿顺序一致
	locks [stripes]sync.Mutex
	seed  maphash.Seed
}

// Option 配置项
type Option func(*Tracker)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m Metrics) Option {
	return func(t *Tracker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker 创建跟踪器
func NewTracker(repo store.Repository, pub Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		repo:    repo,
		pub:     pub,
		log:     logger.Nop(),
		metrics: noopMetrics{},
		now:     time.Now,
		counts:  make(map[int64]int),
		seed:    maphash.MakeSeed(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) lock(userID int64) *sync.Mutex {
	return &t.locks[maphash.Comparable(t.seed, userID)%stripes]
}

// ConnectionOpened 连接建立，返回是否发生 0→1 切换
func (t *Tracker) ConnectionOpened(ctx context.Context, user protocol.UserRef) bool {
	l := t.lock(user.ID)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	t.counts[user.ID]++
	first := t.counts[user.ID] == 1
	t.mu.Unlock()

	if first {
		t.transition(ctx, user, protocol.StatusOnline)
	}
	return first
}

// ConnectionClosed 连接关闭，返回是否发生 1→0 切换
func (t *Tracker) ConnectionClosed(ctx context.Context, user protocol.UserRef) bool {
	l := t.lock(user.ID)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	n, ok := t.counts[user.ID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	last := n <= 1
	if last {
		delete(t.counts, user.ID)
	} else {
		t.counts[user.ID] = n - 1
	}
	t.mu.Unlock()

	if last {
		t.transition(ctx, user, protocol.StatusOffline)
	}
	return last
}

// IsOnline 是否至少有一个存活连接
func (t *Tracker) IsOnline(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID] > 0
}

// Count 用户当前连接数
func (t *Tracker) Count(userID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userID]
}

func (t *Tracker) transition(ctx context.Context, user protocol.UserRef, status protocol.Status) {
	t.metrics.PresenceTransition(string(status))
	online := status == protocol.StatusOnline

	if err := t.repo.SetPresence(ctx, user.ID, online, t.now().UTC()); err != nil {
		t.log.WarnContext(ctx, "presence: persist status failed",
			zap.Int64("user_id", user.ID), zap.String("status", string(status)), zap.Error(err))
	}

	ids, err := t.repo.ConversationIDsForUser(ctx, user.ID)
	if err != nil {
		t.log.WarnContext(ctx, "presence: list conversations failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}
	frame := &protocol.UserStatusEvent{User: user, Status: status}
	for _, id := range ids {
		// 不活跃的房间直接跳过
		if _, err := t.pub.Publish(id, frame); err != nil {
			t.log.WarnContext(ctx, "presence: publish status failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

// Reconcile 把库中标记在线但没有存活连接的用户置为离线，返回修正数量
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	ids, err := t.repo.ListOnlineUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	fixed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return fixed, ctx.Err()
		}
		if t.clearStale(ctx, id) {
			fixed++
		}
	}
	return fixed, nil
}

func (t *Tracker) clearStale(ctx context.Context, userID int64) bool {
	l := t.lock(userID)
	l.Lock()
	defer l.Unlock()

	if t.IsOnline(userID) {
		return false
	}
	if err := t.repo.SetPresence(ctx, userID, false, t.now().UTC()); err != nil {
		t.log.WarnContext(ctx, "presence: clear stale flag failed", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return true
}
