package ws

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/protocol"
)

// Registry 存活连接登记表
//
// 句柄从 Register 返回起到 Unregister 返回止对 ConnectionsForUser 可见。
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Handle
	byUser map[int64]map[string]*Handle

	count     atomic.Int64 // 连接数
	maxConns  int          // 最大连接数
	queueSize int
	metrics   Metrics
}

// NewRegistry 创建登记表
func NewRegistry(cfg *Config) *Registry {
	m := cfg.Metrics
	if m == nil {
		m = NoopMetrics{}
	}
	return &Registry{
		byID:      make(map[string]*Handle),
		byUser:    make(map[int64]map[string]*Handle),
		maxConns:  cfg.MaxConnections,
		queueSize: cfg.MessageQueueSize,
		metrics:   m,
	}
}

// Register 登记连接，connID 为空时生成 UUID
func (r *Registry) Register(connID string, user protocol.UserRef) (*Handle, error) {
	if connID == "" {
		connID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[connID]; exists {
		return nil, ErrHandleExists
	}
	if len(r.byID) >= r.maxConns {
		return nil, ErrTooManyConnections
	}

	h := newHandle(connID, user, r.queueSize, r.metrics)
	r.byID[connID] = h
	set, ok := r.byUser[user.ID]
	if !ok {
		set = make(map[string]*Handle, 1)
		r.byUser[user.ID] = set
	}
	set[connID] = h

	r.count.Add(1)
	r.metrics.IncrementConnections()
	return h, nil
}

// Unregister 注销连接，幂等
//
// 句柄未登记时返回 errors.ErrNotFound，调用方记录后忽略即可。
func (r *Registry) Unregister(h *Handle) error {
	if h == nil {
		return errors.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[h.ID]
	if !ok || cur != h {
		return errors.ErrNotFound.WithMessage("connection not registered: " + h.ID)
	}
	delete(r.byID, h.ID)
	if set, ok := r.byUser[h.User.ID]; ok {
		delete(set, h.ID)
		if len(set) == 0 {
			delete(r.byUser, h.User.ID)
		}
	}

	r.count.Add(-1)
	r.metrics.DecrementConnections()
	return nil
}

// Get 按连接 ID 查找
func (r *Registry) Get(connID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[connID]
	return h, ok
}

// ConnectionsForUser 用户的全部连接（快照）
func (r *Registry) ConnectionsForUser(userID int64) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	handles := make([]*Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	return handles
}

// IsUserOnline 用户是否至少有一条存活连接
func (r *Registry) IsUserOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count 获取连接数
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Range 遍历所有连接（快照），f 返回 false 时停止
func (r *Registry) Range(f func(*Handle) bool) {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.byID))
	for _, h := range r.byID {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		if !f(h) {
			return
		}
	}
}
