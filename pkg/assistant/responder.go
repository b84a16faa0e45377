// Package assistant 在开启 AI 的会话里自动回复。
//
// MaybeRespond 立即返回，补全在独立 goroutine 中进行，受超时、并发上限与熔断器约束；
// 任何失败只记日志与指标，不影响房间广播。
package assistant

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/message"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/store"
	"github.com/tokmz/qchat/pkg/tracing"
)

// 结果标签
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeBreakerOpen = "breaker_open"
	OutcomeDropped     = "dropped"
	OutcomeRoomGone    = "room_gone"
	OutcomeEmpty       = "empty"
)

// Poster 以 AI 身份发消息
type Poster interface {
	PostMessage(ctx context.Context, in message.PostInput) (*store.Message, error)
}

// Rooms 房间是否还有连接
type Rooms interface {
	HasRoom(conversationID string) bool
}

// Metrics 结果计数
type Metrics interface {
	AIOutcome(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) AIOutcome(string) {}

// Config 回复配置
type Config struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	MaxInflight  int
	Breaker      BreakerConfig
}

// Responder AI 回复
type Responder struct {
	provider Provider
	poster   Poster
	rooms    Rooms
	ai       protocol.UserRef
	cfg      Config
	breaker  *Breaker
	sem      chan struct{}
	log      logger.Logger
	metrics  Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option 配置项
type Option func(*Responder)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(r *Responder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m Metrics) Option {
	return func(r *Responder) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewResponder 创建回复器，provider 为 nil 时从不触发
func NewResponder(provider Provider, poster Poster, rooms Rooms, ai protocol.UserRef, cfg Config, opts ...Option) *Responder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Responder{
		provider: provider,
		poster:   poster,
		rooms:    rooms,
		ai:       ai,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxInflight),
		log:      logger.Nop(),
		metrics:  noopMetrics{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if c, ok := provider.(interface{ Configured() bool }); ok && !c.Configured() {
		r.log.Warn("assistant: provider not configured, replies disabled")
		r.provider = nil
	}

	bc := cfg.Breaker
	onChange := bc.OnStateChange
	bc.OnStateChange = func(from, to State) {
		r.log.Warn("assistant: breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		if onChange != nil {
			onChange(from, to)
		}
	}
	r.breaker = NewBreaker(bc)
	return r
}

// Breaker 熔断器
func (r *Responder) Breaker() *Breaker {
	return r.breaker
}

// Identity AI 账号在消息里的身份，名字优先取 display_name
func Identity(u *store.User) protocol.UserRef {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return protocol.UserRef{ID: u.ID, Username: name}
}

// MaybeRespond 满足条件时异步生成回复，返回是否已受理
func (r *Responder) MaybeRespond(conv *store.Conversation, trigger *store.Message) bool {
	if r.provider == nil || conv == nil || trigger == nil {
		return false
	}
	if !conv.AIEnabled || trigger.SenderID == r.ai.ID {
		return false
	}
	if trigger.Type != store.MessageText || strings.TrimSpace(trigger.Content) == "" {
		return false
	}

	select {
	case r.sem <- struct{}{}:
	default:
		r.metrics.AIOutcome(OutcomeDropped)
		r.log.Warn("assistant: too many inflight completions, dropped",
			zap.String("conversation_id", conv.ID), zap.String("message_id", trigger.ID))
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.sem
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		r.respond(conv.ID, trigger)
	}()
	return true
}

func (r *Responder) respond(conversationID string, trigger *store.Message) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "assistant.complete")
	defer span.End()
	tracing.SetAttributes(span, map[string]any{
		"conversation.id": conversationID,
		"message.id":      trigger.ID,
	})

	var reply string
	err := r.breaker.Execute(func() error {
		var err error
		reply, err = r.provider.Complete(ctx, CompletionRequest{
			SystemPrompt: r.cfg.SystemPrompt,
			UserMessage:  trigger.Content,
			MaxTokens:    r.cfg.MaxTokens,
			Temperature:  r.cfg.Temperature,
		})
		return err
	})
	if err != nil {
		outcome := OutcomeError
		switch {
		case stderrors.Is(err, ErrBreakerOpen):
			outcome = OutcomeBreakerOpen
		case ctx.Err() != nil:
			outcome = OutcomeTimeout
		}
		uerr := errors.Wrapf(errors.ErrUpstream, err, "completion %s", outcome)
		tracing.RecordError(span, uerr)
		r.metrics.AIOutcome(outcome)
		r.log.WarnContext(ctx, "assistant: completion failed",
			zap.String("conversation_id", conversationID), zap.String("outcome", outcome), zap.Error(uerr))
		return
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		r.metrics.AIOutcome(OutcomeEmpty)
		return
	}
	// 所有连接都已离开时不再写入
	if !r.rooms.HasRoom(conversationID) {
		r.metrics.AIOutcome(OutcomeRoomGone)
		r.log.DebugContext(ctx, "assistant: room closed before reply", zap.String("conversation_id", conversationID))
		return
	}

	if _, err := r.poster.PostMessage(r.ctx, message.PostInput{
		ConversationID: conversationID,
		SenderID:       r.ai.ID,
		SenderName:     r.ai.Username,
		Content:        reply,
		Type:           store.MessageText,
	}); err != nil {
		r.metrics.AIOutcome(OutcomeError)
		r.log.WarnContext(ctx, "assistant: post reply failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	r.metrics.AIOutcome(OutcomeSuccess)
}

// Shutdown 取消进行中的补全并等待 goroutine 退出
func (r *Responder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
