package session

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/message"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/ratelimit"
	"github.com/tokmz/qchat/pkg/store"
	"github.com/tokmz/qchat/pkg/ws"
)

// State 会话状态
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	errPeerClosed     = stderrors.New("session: peer closed")
	errTooManyInvalid = stderrors.New("session: too many invalid frames")
	errRateLimited    = errors.ErrBadRequest.WithMessage("rate limit exceeded")
)

// Session 单条连接
type Session struct {
	hub     *Hub
	h       *ws.Handle
	t       ws.Transport
	conv    *store.Conversation
	log     logger.Logger
	limiter *ratelimit.Bucket

	state    atomic.Int32
	invalid  int // 连续非法帧数，只在读协程访问
	teardown sync.Once
}

func newSession(hub *Hub, h *ws.Handle, t ws.Transport, conv *store.Conversation, log logger.Logger) *Session {
	s := &Session{hub: hub, h: h, t: t, conv: conv, log: log}
	if hub.cfg.InboundRate > 0 {
		s.limiter = ratelimit.NewBucket(hub.cfg.InboundRate, hub.cfg.InboundBurst)
	}
	return s
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// run 写协程负责发送与心跳，读协程在当前 goroutine；任一方退出后关闭另一方
func (s *Session) run(ctx context.Context) {
	s.hub.presence.ConnectionOpened(ctx, s.h.User)
	s.state.Store(int32(StateOpen))
	if s.hub.track(s) {
		defer s.hub.untrack(s)
	} else {
		// Shutdown 已开始，走正常退出路径
		s.h.Close(ws.ErrShuttingDown)
	}
	s.log.DebugContext(ctx, "session: open")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := ws.Pump(s.h, s.t, s.hub.cfg.PingPeriod); err != nil {
			s.log.DebugContext(ctx, "session: write failed", zap.Error(err))
		}
		// 关闭传输层以唤醒阻塞的读
		code, reason := closeCode(s.h.Err())
		_ = s.t.CloseWithCode(code, reason)
	}()

	s.readLoop(ctx)
	<-writerDone
	s.close(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		data, err := s.t.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedClose(err) && !s.h.IsClosed() {
				s.log.DebugContext(ctx, "session: read failed", zap.Error(err))
			}
			s.h.Close(errPeerClosed)
			return
		}
		if s.h.IsClosed() {
			return
		}
		s.handle(ctx, data)
	}
}

// close 清理只执行一次：离开房间、注销、在线计数
func (s *Session) close(ctx context.Context) {
	s.teardown.Do(func() {
		s.h.Close(nil)
		s.state.Store(int32(StateClosed))

		ctx := context.WithoutCancel(ctx)
		s.hub.bc.LeaveAll(s.h)
		if err := s.hub.reg.Unregister(s.h); err != nil {
			s.log.DebugContext(ctx, "session: unregister", zap.Error(err))
		}
		s.hub.presence.ConnectionClosed(ctx, s.h.User)
		s.log.DebugContext(ctx, "session: closed", zap.NamedError("reason", s.h.Err()))
	})
}

func (s *Session) handle(ctx context.Context, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		s.hub.metrics.IncrementInvalidFrames()
		s.invalid++
		if s.invalid > s.hub.cfg.MaxInvalidFrames {
			s.h.Close(errTooManyInvalid)
			return
		}
		s.reply(ctx, err)
		return
	}
	s.invalid = 0

	if s.limiter != nil && !s.limiter.Allow() {
		s.reply(ctx, errRateLimited)
		return
	}
	s.hub.metrics.IncrementFrames("in", string(in.Type()))

	switch f := in.(type) {
	case *protocol.ChatMessageRequest:
		msg, err := s.hub.messages.PostMessage(ctx, message.PostInput{
			ConversationID: s.conv.ID,
			SenderID:       s.h.User.ID,
			SenderName:     s.h.User.Username,
			Content:        f.Content,
			Type:           store.MessageType(f.MessageType),
		})
		if err != nil {
			s.reply(ctx, err)
			return
		}
		if s.hub.responder != nil {
			s.hub.responder.MaybeRespond(s.conv, msg)
		}

	case *protocol.TypingRequest:
		ev := &protocol.TypingEvent{User: s.h.User, IsTyping: f.IsTyping}
		if _, err := s.hub.bc.Publish(s.conv.ID, ev, s.h.ID); err != nil {
			s.reply(ctx, err)
		}

	case *protocol.ReadReceiptRequest:
		if _, err := s.hub.messages.MarkRead(ctx, s.conv.ID, s.h.User, f.MessageIDs); err != nil {
			s.reply(ctx, err)
		}
	}
}

// reply 只回给当前连接的 error 帧
func (s *Session) reply(ctx context.Context, err error) {
	code, msg := errors.ErrServer.Code, "internal error"
	if e := errors.From(err); e != nil {
		code, msg = e.Code, e.Message
	} else {
		s.log.ErrorContext(ctx, "session: unexpected error", zap.Error(err))
	}
	if serr := s.h.Send(protocol.NewError(code, msg)); serr != nil {
		s.log.DebugContext(ctx, "session: send error frame failed", zap.Error(serr))
	}
}
