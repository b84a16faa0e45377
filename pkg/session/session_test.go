package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tokmz/qchat/pkg/auth"
	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/message"
	"github.com/tokmz/qchat/pkg/presence"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/store"
	"github.com/tokmz/qchat/pkg/ws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const wait = 2 * time.Second

// fakeConn 内存传输
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	// 非 nil 时写阻塞到 release 关闭
	release chan struct{}

	once   sync.Once
	mu     sync.Mutex
	code   int
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.release != nil {
		<-c.release
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) CloseWithCode(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// hangup 模拟对端断开
func (c *fakeConn) hangup() { _ = c.CloseWithCode(protocol.CloseNormal, "") }

func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	var b []byte
	switch x := v.(type) {
	case string:
		b = []byte(x)
	default:
		var err error
		b, err = json.Marshal(v)
		require.NoError(t, err)
	}
	select {
	case c.in <- b:
	case <-time.After(wait):
		t.Fatal("send timed out")
	}
}

func (c *fakeConn) closeCode(t *testing.T) int {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(wait):
		t.Fatal("connection not closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

type frame struct {
	Type    string `json:"type"`
	Message struct {
		ID      string           `json:"id"`
		Content string           `json:"content"`
		Sender  protocol.UserRef `json:"sender"`
	} `json:"message"`
	User       protocol.UserRef `json:"user"`
	Status     string           `json:"status"`
	IsTyping   bool             `json:"is_typing"`
	MessageIDs []string         `json:"message_ids"`
	Error      string           `json:"error"`
	Code       int              `json:"code"`
}

// next 读取下一帧，跳过 skip 中列出的类型
func (c *fakeConn) next(t *testing.T, skip ...string) frame {
	t.Helper()
	for {
		select {
		case b := <-c.out:
			var f frame
			require.NoError(t, json.Unmarshal(b, &f))
			if contains(skip, f.Type) {
				continue
			}
			return f
		case <-time.After(wait):
			t.Fatal("no frame received")
			return frame{}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type env struct {
	repo    *store.MemoryRepository
	reg     *ws.Registry
	bc      *ws.Broadcaster
	svc     *message.Service
	tracker *presence.Tracker
	hub     *Hub
	alice   *auth.Identity
	bob     *auth.Identity
	mallory *auth.Identity
	direct  *store.Conversation
}

func newEnv(t *testing.T, cfg Config, wsOpts ...ws.Option) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{repo: store.NewMemoryRepository()}

	ident := func(name string) *auth.Identity {
		u, err := e.repo.EnsureUser(ctx, name, name)
		require.NoError(t, err)
		return &auth.Identity{UserID: u.ID, Username: u.Username}
	}
	e.alice, e.bob, e.mallory = ident("alice"), ident("bob"), ident("mallory")

	wcfg, err := ws.NewConfig(wsOpts...)
	require.NoError(t, err)
	e.reg = ws.NewRegistry(wcfg)
	e.bc = ws.NewBroadcaster(wcfg)
	e.svc = message.NewService(e.repo, e.bc, message.DefaultConfig())
	e.tracker = presence.NewTracker(e.repo, e.bc)
	e.hub = NewHub(e.reg, e.bc, e.svc, e.tracker, cfg)

	e.direct, err = e.svc.CreateConversation(ctx, message.CreateConversationInput{
		CreatorID:      e.alice.UserID,
		ParticipantIDs: []int64{e.bob.UserID},
	})
	require.NoError(t, err)
	return e
}

// serve 在后台运行会话，返回 Serve 的结果
func (e *env) serve(c *fakeConn, id *auth.Identity, conversationID string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.hub.Serve(context.Background(), c, id, conversationID) }()
	return done
}

// open 在单聊里建立会话并等待进入 Open
func (e *env) open(t *testing.T, id *auth.Identity) (*fakeConn, <-chan error) {
	t.Helper()
	return e.openIn(t, id, e.direct.ID)
}

func (e *env) openIn(t *testing.T, id *auth.Identity, conversationID string) (*fakeConn, <-chan error) {
	t.Helper()
	before := e.hub.Count()
	c := newFakeConn()
	done := e.serve(c, id, conversationID)
	require.Eventually(t, func() bool { return e.hub.Count() > before }, wait, time.Millisecond)
	return c, done
}

func result(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(wait):
		t.Fatal("session did not return")
		return nil
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestServe_Rejections(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	tests := []struct {
		name string
		id   *auth.Identity
		conv string
		code int
		is   error
	}{
		{"unauthenticated", nil, e.direct.ID, protocol.CloseUnauthorized, errors.ErrUnauthorized},
		{"unknown conversation", e.alice, "missing", protocol.CloseNotFound, errors.ErrNotFound},
		{"not a participant", e.mallory, e.direct.ID, protocol.CloseForbidden, errors.ErrAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeConn()
			err := result(t, e.serve(c, tt.id, tt.conv))
			assert.True(t, errors.Is(err, tt.is), "got %v", err)
			assert.Equal(t, tt.code, c.closeCode(t))
			assert.Zero(t, e.reg.Count())
			assert.False(t, e.bc.HasRoom(tt.conv))
		})
	}
}

func TestServe_TooManyConnections(t *testing.T) {
	e := newEnv(t, DefaultConfig(), ws.WithMaxConnections(1))

	a, done := e.open(t, e.alice)
	c := newFakeConn()
	err := result(t, e.serve(c, e.bob, e.direct.ID))
	assert.ErrorIs(t, err, ws.ErrTooManyConnections)
	assert.Equal(t, protocol.CloseTryAgainLater, c.closeCode(t))

	a.hangup()
	assert.NoError(t, result(t, done))
}

func TestSession_DirectChat(t *testing.T) {
	e := newEnv(t, DefaultConfig())

	a, aliceDone := e.open(t, e.alice)
	b, bobDone := e.open(t, e.bob)

	// alice 先看到 bob 上线
	f := a.next(t)
	for f.User.ID != e.bob.UserID {
		f = a.next(t)
	}
	assert.Equal(t, "user_status", f.Type)
	assert.Equal(t, "online", f.Status)

	a.send(t, map[string]any{"type": "chat_message", "content": "hello"})

	var id string
	for _, c := range []*fakeConn{a, b} {
		f := c.next(t, "user_status")
		require.Equal(t, "chat_message", f.Type)
		assert.Equal(t, "hello", f.Message.Content)
		assert.Equal(t, e.alice.Ref(), f.Message.Sender)
		id = f.Message.ID
	}

	b.send(t, map[string]any{"type": "read_receipt", "message_ids": []string{id}})
	f = a.next(t, "user_status")
	assert.Equal(t, "read_receipt", f.Type)
	assert.Equal(t, e.bob.Ref(), f.User)
	assert.Equal(t, []string{id}, f.MessageIDs)

	n, err := e.svc.UnreadCount(context.Background(), e.direct.ID, e.bob.UserID)
	require.NoError(t, err)
	assert.Zero(t, n)

	a.hangup()
	assert.NoError(t, result(t, aliceDone))
	f = b.next(t, "read_receipt")
	assert.Equal(t, "user_status", f.Type)
	assert.Equal(t, e.alice.Ref(), f.User)
	assert.Equal(t, "offline", f.Status)
	assert.Len(t, e.reg.ConnectionsForUser(e.alice.UserID), 0)

	b.hangup()
	assert.NoError(t, result(t, bobDone))
	assert.Zero(t, e.reg.Count())
	assert.False(t, e.bc.HasRoom(e.direct.ID))
	assert.Zero(t, e.hub.Count())
}

func TestSession_TypingNotEchoed(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a, aliceDone := e.open(t, e.alice)
	b, bobDone := e.open(t, e.bob)

	a.send(t, map[string]any{"type": "typing", "is_typing": true})
	f := b.next(t, "user_status")
	assert.Equal(t, "typing", f.Type)
	assert.True(t, f.IsTyping)
	assert.Equal(t, e.alice.Ref(), f.User)

	// 同房间 FIFO：alice 下一帧应是自己的消息而不是 typing
	a.send(t, map[string]any{"type": "chat_message", "content": "done"})
	f = a.next(t, "user_status")
	assert.Equal(t, "chat_message", f.Type)

	a.hangup()
	b.hangup()
	result(t, aliceDone)
	result(t, bobDone)
}

func TestSession_MalformedFrameKeepsSession(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a, done := e.open(t, e.alice)

	a.send(t, "not json")
	f := a.next(t, "user_status")
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, errors.ErrValidation.Code, f.Code)

	a.send(t, map[string]any{"content": "no type"})
	f = a.next(t, "user_status")
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "missing frame type", f.Error)

	a.send(t, map[string]any{"type": "chat_message", "content": "   "})
	f = a.next(t, "user_status")
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, errors.ErrValidation.Code, f.Code)

	a.send(t, map[string]any{"type": "chat_message", "content": "still here"})
	f = a.next(t, "user_status")
	assert.Equal(t, "chat_message", f.Type)
	assert.Equal(t, "still here", f.Message.Content)

	a.hangup()
	assert.NoError(t, result(t, done))
}

func TestSession_TooManyInvalidFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInvalidFrames = 2
	e := newEnv(t, cfg)
	a, done := e.open(t, e.alice)

	for i := 0; i < 3; i++ {
		a.send(t, "{")
	}
	assert.Equal(t, protocol.ClosePolicyViolation, a.closeCode(t))
	assert.NoError(t, result(t, done))
	assert.Zero(t, e.reg.Count())
}

func TestSession_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InboundRate = 1
	cfg.InboundBurst = 1
	e := newEnv(t, cfg)
	a, done := e.open(t, e.alice)

	a.send(t, map[string]any{"type": "typing", "is_typing": true})
	a.send(t, map[string]any{"type": "typing", "is_typing": false})
	f := a.next(t, "user_status")
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "rate limit exceeded", f.Error)

	a.hangup()
	assert.NoError(t, result(t, done))
}

func TestSession_Backpressure(t *testing.T) {
	e := newEnv(t, DefaultConfig(), ws.WithMessageQueueSize(1))

	a := newFakeConn()
	a.release = make(chan struct{})
	done := e.serve(a, e.alice, e.direct.ID)
	require.Eventually(t, func() bool { return e.hub.Count() == 1 }, wait, time.Millisecond)

	// 写协程卡住，房间消息堆满队列
	for i := 0; i < 4; i++ {
		_, err := e.svc.PostMessage(context.Background(), message.PostInput{
			ConversationID: e.direct.ID,
			SenderID:       e.bob.UserID,
			Content:        "flood",
		})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		hs := e.reg.ConnectionsForUser(e.alice.UserID)
		return len(hs) == 0 || hs[0].IsClosed()
	}, wait, time.Millisecond)

	close(a.release)
	assert.Equal(t, protocol.CloseBackpressure, a.closeCode(t))
	assert.NoError(t, result(t, done))
	assert.False(t, e.tracker.IsOnline(e.alice.UserID))
}

func TestHub_Shutdown(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	a, aliceDone := e.open(t, e.alice)
	b, bobDone := e.open(t, e.bob)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, e.hub.Shutdown(ctx))

	assert.Equal(t, protocol.CloseGoingAway, a.closeCode(t))
	assert.Equal(t, protocol.CloseGoingAway, b.closeCode(t))
	assert.NoError(t, result(t, aliceDone))
	assert.NoError(t, result(t, bobDone))
	assert.Zero(t, e.hub.Count())
	assert.Zero(t, e.reg.Count())

	c := newFakeConn()
	err := result(t, e.serve(c, e.alice, e.direct.ID))
	assert.ErrorIs(t, err, ws.ErrShuttingDown)
	assert.Equal(t, protocol.CloseGoingAway, c.closeCode(t))
	assert.Zero(t, e.reg.Count())
}

func TestSession_PresenceAcrossConnections(t *testing.T) {
	e := newEnv(t, DefaultConfig())
	ctx := context.Background()

	a1, done1 := e.open(t, e.alice)
	a2, done2 := e.open(t, e.alice)
	assert.Equal(t, 2, e.tracker.Count(e.alice.UserID))
	u, err := e.repo.GetUser(ctx, e.alice.UserID)
	require.NoError(t, err)
	assert.True(t, u.Online)

	a1.hangup()
	require.NoError(t, result(t, done1))
	assert.True(t, e.tracker.IsOnline(e.alice.UserID))

	a2.hangup()
	require.NoError(t, result(t, done2))
	assert.False(t, e.tracker.IsOnline(e.alice.UserID))
	u, err = e.repo.GetUser(ctx, e.alice.UserID)
	require.NoError(t, err)
	assert.False(t, u.Online)
	assert.NotNil(t, u.LastSeen)
}
