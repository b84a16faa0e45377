package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tokmz/qchat/pkg/errors"
)

// MemoryRepository 内存实现，用于测试与单机演示
type MemoryRepository struct {
	mu            sync.RWMutex
	nextUserID    int64
	users         map[int64]*User
	conversations map[string]*Conversation
	messages      map[string][]*Message // conversationID -> 按写入顺序
	reads         map[string]map[int64]time.Time

	// failWrites 非 nil 时所有写操作返回该错误
	failWrites error
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository 创建内存存储
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:         make(map[int64]*User),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		reads:         make(map[string]map[int64]time.Time),
	}
}

// FailWrites 模拟存储故障，传 nil 恢复
func (r *MemoryRepository) FailWrites(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWrites = err
}

func (r *MemoryRepository) writeErr(op string) error {
	if r.failWrites != nil {
		return errors.Wrapf(errors.ErrPersistence, r.failWrites, "%s failed", op)
	}
	return nil
}

// AddUser 直接写入用户，ID 为 0 时自动分配
func (r *MemoryRepository) AddUser(u *User) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addUserLocked(u)
}

func (r *MemoryRepository) addUserLocked(u *User) *User {
	if u.ID == 0 {
		r.nextUserID++
		u.ID = r.nextUserID
	} else if u.ID > r.nextUserID {
		r.nextUserID = u.ID
	}
	cp := *u
	r.users[cp.ID] = &cp
	return u
}

func (r *MemoryRepository) GetUser(_ context.Context, id int64) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, errors.ErrNotFound.WithMessage("get user: not found")
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) GetUsers(_ context.Context, ids []int64) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) EnsureUser(_ context.Context, username, displayName string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	if err := r.writeErr("ensure user"); err != nil {
		return nil, err
	}
	u := r.addUserLocked(&User{Username: username, DisplayName: displayName})
	cp := *u
	return &cp, nil
}

func (r *MemoryRepository) SetPresence(_ context.Context, userID int64, online bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeErr("set presence"); err != nil {
		return err
	}
	u, ok := r.users[userID]
	if !ok {
		return errors.ErrNotFound.WithMessage("set presence: not found")
	}
	u.Online = online
	if !online {
		t := at
		u.LastSeen = &t
	}
	return nil
}

func (r *MemoryRepository) ListOnlineUserIDs(_ context.Context) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, u := range r.users {
		if u.Online {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *MemoryRepository) GetConversation(_ context.Context, id string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, errors.ErrNotFound.WithMessage("get conversation: not found")
	}
	return cloneConversation(c), nil
}

func (r *MemoryRepository) CreateConversation(_ context.Context, conv *Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeErr("create conversation"); err != nil {
		return err
	}
	now := time.Now().UTC()
	prepareConversation(conv, now)
	if _, exists := r.conversations[conv.ID]; exists {
		return errors.Wrapf(errors.ErrPersistence, nil, "create conversation: duplicate id")
	}
	conv.CreatedAt, conv.UpdatedAt = now, now
	r.conversations[conv.ID] = cloneConversation(conv)
	return nil
}

func (r *MemoryRepository) ConversationIDsForUser(_ context.Context, userID int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.conversations {
		if c.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) CreateMessage(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeErr("create message"); err != nil {
		return err
	}
	c, ok := r.conversations[msg.ConversationID]
	if !ok {
		return errors.ErrNotFound.WithMessage("create message: not found")
	}

	prepareMessage(msg)
	stampMessage(msg, c.LastMessageAt)
	msg.ReadBy = []int64{msg.SenderID}

	cp := *msg
	cp.ReadBy = nil
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], &cp)
	r.reads[msg.ID] = map[int64]time.Time{msg.SenderID: msg.Timestamp}

	ts := msg.Timestamp
	c.LastMessageAt = &ts
	c.UpdatedAt = ts
	return nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Message, len(all))
	for i, m := range all {
		cp := *m
		cp.ReadBy = r.readersLocked(m.ID)
		out[i] = &cp
	}
	return out, nil
}

// readersLocked 按已读时间排序的读者
func (r *MemoryRepository) readersLocked(messageID string) []int64 {
	rs := r.reads[messageID]
	ids := make([]int64, 0, len(rs))
	for id := range rs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := rs[ids[i]], rs[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids
}

func (r *MemoryRepository) MarkRead(_ context.Context, conversationID string, userID int64, ids []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeErr("mark read"); err != nil {
		return nil, err
	}

	var want map[string]struct{}
	if len(ids) > 0 {
		want = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
	}

	now := time.Now().UTC()
	var marked []string
	for _, m := range r.messages[conversationID] {
		if want != nil {
			if _, ok := want[m.ID]; !ok {
				continue
			}
		}
		if _, read := r.reads[m.ID][userID]; read {
			continue
		}
		r.reads[m.ID][userID] = now
		marked = append(marked, m.ID)
	}
	return marked, nil
}

func (r *MemoryRepository) UnreadCount(_ context.Context, conversationID string, userID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, m := range r.messages[conversationID] {
		if _, read := r.reads[m.ID][userID]; !read {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) RecentContacts(ctx context.Context, userID int64, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 10
	}

	r.mu.RLock()
	last := make(map[int64]time.Time)
	for cid, c := range r.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		for _, m := range r.messages[cid] {
			if m.SenderID == userID {
				continue
			}
			if m.Timestamp.After(last[m.SenderID]) {
				last[m.SenderID] = m.Timestamp
			}
		}
	}
	r.mu.RUnlock()

	ids := make([]int64, 0, len(last))
	for id := range last {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return last[ids[i]].After(last[ids[j]]) })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return r.GetUsers(ctx, ids)
}

func cloneConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	return &cp
}
