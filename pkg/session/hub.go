// Package session 驱动单条 websocket 连接的生命周期。
//
// 状态只会按 Connecting → Open → Closed 前进。进入 Open 之前的任何失败都以对应的关闭码
// 直接关闭连接；进入 Open 之后，退出路径只有一条，清理动作恰好执行一次。
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/auth"
	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/message"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/store"
	"github.com/tokmz/qchat/pkg/ws"
)

// Messages 会话依赖的消息能力
type Messages interface {
	Authorize(ctx context.Context, conversationID string, userID int64) (*store.Conversation, error)
	PostMessage(ctx context.Context, in message.PostInput) (*store.Message, error)
	MarkRead(ctx context.Context, conversationID string, user protocol.UserRef, ids []string) (int64, error)
}

// Presence 在线计数
type Presence interface {
	ConnectionOpened(ctx context.Context, user protocol.UserRef) bool
	ConnectionClosed(ctx context.Context, user protocol.UserRef) bool
}

// Responder AI 回复，不等待结果
type Responder interface {
	MaybeRespond(conv *store.Conversation, trigger *store.Message) bool
}

// Config 会话参数
type Config struct {
	PingPeriod       time.Duration
	MaxInvalidFrames int     // 连续非法帧上限，超过后断开
	InboundRate      float64 // 每秒入站帧数，0 不限
	InboundBurst     int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PingPeriod:       54 * time.Second,
		MaxInvalidFrames: 10,
		InboundRate:      20,
		InboundBurst:     40,
	}
}

// Hub 管理所有会话
type Hub struct {
	reg       *ws.Registry
	bc        *ws.Broadcaster
	messages  Messages
	presence  Presence
	responder Responder
	cfg       Config
	log       logger.Logger
	metrics   ws.Metrics

	mu       sync.Mutex
	closing  bool
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

// Option 配置项
type Option func(*Hub)

// WithResponder 设置 AI 回复
func WithResponder(r Responder) Option {
	return func(h *Hub) { h.responder = r }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m ws.Metrics) Option {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHub 创建会话管理器
func NewHub(reg *ws.Registry, bc *ws.Broadcaster, msgs Messages, presence Presence, cfg Config, opts ...Option) *Hub {
	def := DefaultConfig()
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.MaxInvalidFrames <= 0 {
		cfg.MaxInvalidFrames = def.MaxInvalidFrames
	}
	h := &Hub{
		reg:      reg,
		bc:       bc,
		messages: msgs,
		presence: presence,
		cfg:      cfg,
		log:      logger.Nop(),
		metrics:  ws.NoopMetrics{},
		sessions: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve 运行一个会话直到连接关闭，返回进入 Open 之前的拒绝原因
func (hub *Hub) Serve(ctx context.Context, t ws.Transport, id *auth.Identity, conversationID string) error {
	if hub.isClosing() {
		_ = t.CloseWithCode(protocol.CloseGoingAway, "server shutting down")
		return ws.ErrShuttingDown
	}
	if id == nil {
		_ = t.CloseWithCode(protocol.CloseUnauthorized, "unauthorized")
		return errors.ErrUnauthorized
	}
	log := hub.log.With(zap.Int64("uid", id.UserID), zap.String("conversation_id", conversationID))

	conv, err := hub.messages.Authorize(ctx, conversationID, id.UserID)
	if err != nil {
		code, reason := rejectCode(err)
		log.DebugContext(ctx, "session: rejected", zap.Int("code", code), zap.Error(err))
		_ = t.CloseWithCode(code, reason)
		return err
	}

	h, err := hub.reg.Register("", id.Ref())
	if err != nil {
		log.WarnContext(ctx, "session: register failed", zap.Error(err))
		_ = t.CloseWithCode(protocol.CloseTryAgainLater, "try again later")
		return err
	}
	if err := hub.bc.Join(h, conversationID); err != nil {
		_ = hub.reg.Unregister(h)
		log.WarnContext(ctx, "session: join failed", zap.Error(err))
		_ = t.CloseWithCode(protocol.CloseTryAgainLater, "try again later")
		return err
	}

	s := newSession(hub, h, t, conv, log.With(zap.String("conn_id", h.ID)))
	s.run(logger.WithConnID(logger.WithUID(ctx, id.UserID), h.ID))
	return nil
}

func rejectCode(err error) (int, string) {
	switch {
	case errors.IsNotFound(err):
		return protocol.CloseNotFound, "conversation not found"
	case errors.IsAuthorization(err):
		return protocol.CloseForbidden, "forbidden"
	default:
		return protocol.CloseInternalError, "internal error"
	}
}

func (hub *Hub) isClosing() bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.closing
}

// track 登记会话，关闭中返回 false
func (hub *Hub) track(s *Session) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.closing {
		return false
	}
	hub.sessions[s] = struct{}{}
	hub.wg.Add(1)
	return true
}

func (hub *Hub) untrack(s *Session) {
	hub.mu.Lock()
	delete(hub.sessions, s)
	hub.mu.Unlock()
	hub.wg.Done()
}

// Count 存活会话数
func (hub *Hub) Count() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.sessions)
}

// Shutdown 以 1001 关闭所有会话并等待清理完成
func (hub *Hub) Shutdown(ctx context.Context) error {
	hub.mu.Lock()
	hub.closing = true
	for s := range hub.sessions {
		s.h.Close(ws.ErrShuttingDown)
	}
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeCode 按句柄关闭原因选择关闭码
func closeCode(reason error) (int, string) {
	switch {
	case reason == nil, errors.Is(reason, errPeerClosed):
		return protocol.CloseNormal, ""
	case errors.IsBackpressure(reason):
		return protocol.CloseBackpressure, "backpressure"
	case errors.Is(reason, ws.ErrShuttingDown):
		return protocol.CloseGoingAway, "server shutting down"
	case errors.Is(reason, errTooManyInvalid):
		return protocol.ClosePolicyViolation, "too many invalid frames"
	default:
		return protocol.CloseInternalError, "internal error"
	}
}
