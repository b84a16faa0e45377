package ws

import (
	"sync"
	"sync/atomic"

	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/protocol"
)

// Handle 一条存活连接在内存中的句柄
//
// 发送队列有界，Enqueue 从不阻塞；队列满时句柄以 ErrBackpressure 关闭，
// 写协程看到 Done 后退出并关闭底层连接。
type Handle struct {
	ID   string
	User protocol.UserRef

	// 发送队列，不关闭，避免与并发 Enqueue 竞争
	queue chan []byte

	// 生命周期
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	err       error // 关闭原因，done 关闭后只读

	// 已加入的房间
	rooms sync.Map // conversationID -> struct{}

	metrics Metrics
}

func newHandle(id string, user protocol.UserRef, queueSize int, m Metrics) *Handle {
	if m == nil {
		m = NoopMetrics{}
	}
	return &Handle{
		ID:      id,
		User:    user,
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
		metrics: m,
	}
}

// Enqueue 非阻塞入队
//
// 已关闭返回 ErrConnectionClosed；队列满时关闭句柄并返回 ErrChannelFull。
func (h *Handle) Enqueue(frame []byte) error {
	if h.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case h.queue <- frame:
		return nil
	default:
		h.metrics.IncrementDroppedMessages()
		h.Close(errors.ErrBackpressure)
		return ErrChannelFull
	}
}

// Send 编码并入队单个帧
func (h *Handle) Send(frame protocol.Outbound) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return h.Enqueue(data)
}

// Queue 发送队列，只由写协程消费
func (h *Handle) Queue() <-chan []byte {
	return h.queue
}

// Done 句柄关闭后返回的 channel 被关闭
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close 关闭句柄，幂等；只记录第一次的原因
func (h *Handle) Close(reason error) {
	h.closeOnce.Do(func() {
		h.err = reason
		h.closed.Store(true)
		close(h.done)
	})
}

// Err 关闭原因，未关闭或正常关闭返回 nil
func (h *Handle) Err() error {
	if !h.closed.Load() {
		return nil
	}
	<-h.done
	return h.err
}

// IsClosed 检查是否已关闭
func (h *Handle) IsClosed() bool {
	return h.closed.Load()
}

// Rooms 当前加入的房间快照
func (h *Handle) Rooms() []string {
	rooms := make([]string, 0, 4)
	h.rooms.Range(func(key, _ any) bool {
		if id, ok := key.(string); ok {
			rooms = append(rooms, id)
		}
		return true
	})
	return rooms
}

// InRoom 是否已加入房间
func (h *Handle) InRoom(conversationID string) bool {
	_, ok := h.rooms.Load(conversationID)
	return ok
}
