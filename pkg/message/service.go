// Package message 消息写入与已读。
//
// 同一会话的持久化与广播在同一把条带锁内完成，房间内收到的顺序与落库顺序一致；
// 不同会话落在不同条带上时互不阻塞。
package message

import (
	"context"
	"hash/maphash"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/outbox"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/store"
	"github.com/tokmz/qchat/pkg/tracing"
)

// Publisher 房间广播
type Publisher interface {
	Publish(conversationID string, frame protocol.Outbound, exclude ...string) (int, error)
}

// Outbox 事件外发
type Outbox interface {
	Emit(ctx context.Context, ev outbox.Event) bool
}

// Metrics 消息计数
type Metrics interface {
	MessagePosted(messageType, sender string)
}

type noopOutbox struct{}

func (noopOutbox) Emit(context.Context, outbox.Event) bool { return true }

type noopMetrics struct{}

func (noopMetrics) MessagePosted(string, string) {}

// Config 服务配置
type Config struct {
	MaxContentLength int // 按字符计
	LockStripes      int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{MaxContentLength: 4000, LockStripes: 64}
}

// Service 消息服务
type Service struct {
	repo    store.Repository
	pub     Publisher
	outbox  Outbox
	metrics Metrics
	log     logger.Logger
	cfg     Config

	aiUser protocol.UserRef

	locks []sync.Mutex
	seed  maphash.Seed
}

// Option 配置项
type Option func(*Service)

// WithOutbox 设置事件外发
func WithOutbox(o Outbox) Option {
	return func(s *Service) {
		if o != nil {
			s.outbox = o
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAIUser 设置保留的 AI 身份，只能在开启 AI 的会话中发言
func WithAIUser(u protocol.UserRef) Option {
	return func(s *Service) { s.aiUser = u }
}

// NewService 创建消息服务
func NewService(repo store.Repository, pub Publisher, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = def.MaxContentLength
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = def.LockStripes
	}
	s := &Service{
		repo:    repo,
		pub:     pub,
		outbox:  noopOutbox{},
		metrics: noopMetrics{},
		log:     logger.Nop(),
		cfg:     cfg,
		locks:   make([]sync.Mutex, cfg.LockStripes),
		seed:    maphash.MakeSeed(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AIUser 保留的 AI 身份
func (s *Service) AIUser() protocol.UserRef {
	return s.aiUser
}

func (s *Service) isAI(userID int64) bool {
	return s.aiUser.ID != 0 && userID == s.aiUser.ID
}

func (s *Service) lock(conversationID string) *sync.Mutex {
	return &s.locks[maphash.String(s.seed, conversationID)%uint64(len(s.locks))]
}

// PostInput 发消息参数
type PostInput struct {
	ConversationID string
	SenderID       int64
	SenderName     string // 为空时从存储读取
	Content        string
	Type           store.MessageType // 为空时取 text
}

// PostMessage 校验、持久化并广播一条消息
//
// 持久化失败时不广播；广播之后再发外发事件。
func (s *Service) PostMessage(ctx context.Context, in PostInput) (*store.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "message.post")
	defer span.End()
	tracing.SetAttributes(span, map[string]any{
		"conversation.id": in.ConversationID,
		"sender.id":       in.SenderID,
	})

	msg, sender, err := s.prepare(ctx, in)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	l := s.lock(in.ConversationID)
	l.Lock()
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		l.Unlock()
		tracing.RecordError(span, err)
		s.log.ErrorContext(ctx, "message: persist failed",
			zap.String("conversation_id", in.ConversationID), zap.Error(err))
		return nil, err
	}
	if _, err := s.pub.Publish(msg.ConversationID, chatEvent(msg, sender)); err != nil {
		s.log.WarnContext(ctx, "message: publish failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	l.Unlock()

	s.outbox.Emit(ctx, outbox.Event{
		Type:    outbox.EventMessageCreated,
		Key:     msg.ConversationID,
		Time:    msg.Timestamp,
		Payload: msg,
	})

	role := "user"
	if s.isAI(msg.SenderID) {
		role = "ai"
	}
	s.metrics.MessagePosted(string(msg.Type), role)
	return msg, nil
}

func (s *Service) prepare(ctx context.Context, in PostInput) (*store.Message, protocol.UserRef, error) {
	sender := protocol.UserRef{ID: in.SenderID, Username: in.SenderName}

	typ := in.Type
	if typ == "" {
		typ = store.MessageText
	}
	if !typ.Valid() {
		return nil, sender, errors.ErrValidation.WithMessage("unknown message type: " + string(typ))
	}
	if typ == store.MessageText && strings.TrimSpace(in.Content) == "" {
		return nil, sender, errors.ErrValidation.WithMessage("content must not be empty")
	}
	if utf8.RuneCountInString(in.Content) > s.cfg.MaxContentLength {
		return nil, sender, errors.ErrValidation.WithMessage("content too long")
	}

	conv, err := s.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, sender, err
	}
	if !s.canPost(conv, in.SenderID) {
		return nil, sender, errors.ErrAuthorization.WithMessage("sender is not a participant")
	}

	if sender.Username == "" {
		u, err := s.repo.GetUser(ctx, in.SenderID)
		if err != nil {
			return nil, sender, err
		}
		sender.Username = u.Username
	}

	return &store.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           typ,
	}, sender, nil
}

func (s *Service) canPost(conv *store.Conversation, userID int64) bool {
	if s.isAI(userID) {
		return conv.AIEnabled
	}
	return conv.HasParticipant(userID)
}

func chatEvent(m *store.Message, sender protocol.UserRef) *protocol.ChatMessageEvent {
	return &protocol.ChatMessageEvent{Message: protocol.MessagePayload{
		ID:          m.ID,
		Content:     m.Content,
		MessageType: string(m.Type),
		Timestamp:   m.Timestamp,
		Sender:      sender,
	}}
}

// authorize 读取会话并校验成员
func (s *Service) authorize(ctx context.Context, conversationID string, userID int64) (*store.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, errors.ErrAuthorization.WithMessage("not a participant")
	}
	return conv, nil
}

// Authorize 校验用户能否进入会话
func (s *Service) Authorize(ctx context.Context, conversationID string, userID int64) (*store.Conversation, error) {
	return s.authorize(ctx, conversationID, userID)
}

// MarkRead 标记已读，ids 为空时标记全部未读消息，返回新标记数量
func (s *Service) MarkRead(ctx context.Context, conversationID string, user protocol.UserRef, ids []string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "message.mark_read")
	defer span.End()

	if _, err := s.authorize(ctx, conversationID, user.ID); err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	marked, err := s.repo.MarkRead(ctx, conversationID, user.ID, ids)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}
	if len(marked) == 0 {
		return 0, nil
	}

	if user.Username == "" {
		if u, err := s.repo.GetUser(ctx, user.ID); err == nil {
			user.Username = u.Username
		}
	}
	if _, err := s.pub.Publish(conversationID, &protocol.ReadReceiptEvent{User: user, MessageIDs: marked}); err != nil {
		s.log.WarnContext(ctx, "message: publish read receipt failed", zap.Error(err))
	}
	s.outbox.Emit(ctx, outbox.Event{
		Type: outbox.EventMessageRead,
		Key:  conversationID,
		Payload: map[string]any{
			"conversation_id": conversationID,
			"user_id":         user.ID,
			"message_ids":     marked,
		},
	})
	return int64(len(marked)), nil
}

// UnreadCount 未读数
func (s *Service) UnreadCount(ctx context.Context, conversationID string, userID int64) (int64, error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return s.repo.UnreadCount(ctx, conversationID, userID)
}

// History 最近的消息，limit <= 0 时返回全部
func (s *Service) History(ctx context.Context, conversationID string, userID int64, limit int) ([]*store.Message, error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID, limit)
}

// RecentContacts 最近给该用户发过消息的人，新的在前
func (s *Service) RecentContacts(ctx context.Context, userID int64, limit int) ([]*store.User, error) {
	return s.repo.RecentContacts(ctx, userID, limit)
}

// CreateConversationInput 建会话参数
type CreateConversationInput struct {
	CreatorID      int64
	Name           string
	IsGroup        bool
	ParticipantIDs []int64 // 不含创建者
	AIEnabled      *bool   // 为空时与 IsGroup 相同
}

// CreateConversation 创建会话，创建者排在第一位
func (s *Service) CreateConversation(ctx context.Context, in CreateConversationInput) (*store.Conversation, error) {
	if !in.IsGroup && len(in.ParticipantIDs) != 1 {
		return nil, errors.ErrValidation.WithMessage("direct conversation requires exactly one other participant")
	}

	ids := append([]int64{in.CreatorID}, in.ParticipantIDs...)
	users, err := s.repo.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[int64]struct{}, len(users))
	for _, u := range users {
		known[u.ID] = struct{}{}
	}

	conv := &store.Conversation{Name: in.Name, IsGroup: in.IsGroup, AIEnabled: in.IsGroup}
	if in.AIEnabled != nil {
		conv.AIEnabled = *in.AIEnabled
	}
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return nil, errors.ErrNotFound.WithMessage("user not found")
		}
		conv.Participants = append(conv.Participants, store.Participant{UserID: id})
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}
