package ws

import (
	"sync"
	"time"

	"github.com/tokmz/qchat/pkg/protocol"
)

// room 会话房间，至少有一个连接时存在
type room struct {
	id string

	// seq 串行化同一房间的发布，保证每个订阅者按调用顺序收到
	seq sync.Mutex

	mu      sync.RWMutex
	members map[string]*Handle
	dead    bool // 已从 Broadcaster 摘除，不可再加入
}

// Broadcaster 房间扇出
//
// 发布时在房间锁内取成员快照后逐个入队。发布进行中加入的连接
// 可能收到也可能收不到这一条，不做线性化保证。
type Broadcaster struct {
	rooms       sync.Map // conversationID -> *room
	maxRoomSize int
	metrics     Metrics
}

// NewBroadcaster 创建房间扇出器
func NewBroadcaster(cfg *Config) *Broadcaster {
	m := cfg.Metrics
	if m == nil {
		m = NoopMetrics{}
	}
	return &Broadcaster{
		maxRoomSize: cfg.MaxRoomSize,
		metrics:     m,
	}
}

// Join 加入房间，房间不存在时创建；重复加入无副作用
func (b *Broadcaster) Join(h *Handle, conversationID string) error {
	for {
		value, loaded := b.rooms.LoadOrStore(conversationID, &room{
			id:      conversationID,
			members: make(map[string]*Handle),
		})
		r := value.(*room)

		r.mu.Lock()
		if r.dead {
			// 恰好被最后一个成员离开时摘除，重试
			r.mu.Unlock()
			continue
		}
		if _, ok := r.members[h.ID]; !ok {
			if len(r.members) >= b.maxRoomSize {
				r.mu.Unlock()
				return ErrRoomFull
			}
			r.members[h.ID] = h
		}
		r.mu.Unlock()

		h.rooms.Store(conversationID, struct{}{})
		if !loaded {
			b.metrics.SetRoomCount(b.RoomCount())
		}
		return nil
	}
}

// Leave 离开房间，最后一个成员离开时销毁房间
func (b *Broadcaster) Leave(h *Handle, conversationID string) {
	h.rooms.Delete(conversationID)

	value, ok := b.rooms.Load(conversationID)
	if !ok {
		return
	}
	r := value.(*room)

	r.mu.Lock()
	delete(r.members, h.ID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		b.remove(r)
	}
}

// remove 摘除空房间
func (b *Broadcaster) remove(r *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.dead {
		return
	}
	r.dead = true
	if b.rooms.CompareAndDelete(r.id, r) {
		b.metrics.SetRoomCount(b.RoomCount())
	}
}

// LeaveAll 离开全部房间，返回离开的房间 ID
func (b *Broadcaster) LeaveAll(h *Handle) []string {
	ids := h.Rooms()
	for _, id := range ids {
		b.Leave(h, id)
	}
	return ids
}

// Publish 向房间当前成员发布帧，返回成功入队的连接数
//
// 房间不存在时什么也不做。exclude 中的连接 ID 被跳过。
// 入队失败的连接已被 Handle 以背压错误关闭，发布继续。
func (b *Broadcaster) Publish(conversationID string, frame protocol.Outbound, exclude ...string) (int, error) {
	value, ok := b.rooms.Load(conversationID)
	if !ok {
		return 0, nil
	}
	r := value.(*room)

	data, err := protocol.Encode(frame)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	r.seq.Lock()
	defer r.seq.Unlock()

	r.mu.RLock()
	members := make([]*Handle, 0, len(r.members))
	for _, h := range r.members {
		members = append(members, h)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, h := range members {
		if excluded(h.ID, exclude) {
			continue
		}
		if err := h.Enqueue(data); err != nil {
			continue
		}
		delivered++
	}

	b.metrics.IncrementFrames("out", string(frame.Type()))
	b.metrics.RecordBroadcastLatency(time.Since(start))
	return delivered, nil
}

func excluded(id string, exclude []string) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

// HasRoom 房间是否存活
func (b *Broadcaster) HasRoom(conversationID string) bool {
	_, ok := b.rooms.Load(conversationID)
	return ok
}

// RoomCount 获取房间数量
func (b *Broadcaster) RoomCount() int {
	count := 0
	b.rooms.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Members 获取房间成员（快照）
func (b *Broadcaster) Members(conversationID string) []*Handle {
	value, ok := b.rooms.Load(conversationID)
	if !ok {
		return nil
	}
	r := value.(*room)

	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]*Handle, 0, len(r.members))
	for _, h := range r.members {
		members = append(members, h)
	}
	return members
}
