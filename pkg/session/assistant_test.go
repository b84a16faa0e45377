package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qchat/pkg/assistant"
	"github.com/tokmz/qchat/pkg/message"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/store"
)

type aiOutcomes struct {
	mu sync.Mutex
	n  map[string]int
}

func (o *aiOutcomes) AIOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.n == nil {
		o.n = make(map[string]int)
	}
	o.n[outcome]++
}

func (o *aiOutcomes) get(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n[outcome]
}

type aiEnv struct {
	*env
	ai      protocol.UserRef
	group   *store.Conversation
	outcome *aiOutcomes
}

// newAIEnv 在 env 之上换成带 AI 回复的 hub，并建一个开启 AI 的群聊
func newAIEnv(t *testing.T, p assistant.Provider, cfg assistant.Config) *aiEnv {
	t.Helper()
	ctx := context.Background()
	e := &aiEnv{env: newEnv(t, DefaultConfig()), outcome: &aiOutcomes{}}

	u, err := e.repo.EnsureUser(ctx, "ai_assistant", "AI Assistant")
	require.NoError(t, err)
	e.ai = assistant.Identity(u)

	e.svc = message.NewService(e.repo, e.bc, message.DefaultConfig(), message.WithAIUser(e.ai))
	on := true
	e.group, err = e.svc.CreateConversation(ctx, message.CreateConversationInput{
		CreatorID:      e.alice.UserID,
		IsGroup:        true,
		ParticipantIDs: []int64{e.bob.UserID, e.mallory.UserID},
		AIEnabled:      &on,
	})
	require.NoError(t, err)

	r := assistant.NewResponder(p, e.svc, e.bc, e.ai, cfg, assistant.WithMetrics(e.outcome))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	e.hub = NewHub(e.reg, e.bc, e.svc, e.tracker, DefaultConfig(), WithResponder(r))
	return e
}

// pending 取出已写出但未读的帧
func (c *fakeConn) pending(t *testing.T) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case b := <-c.out:
			var f frame
			require.NoError(t, json.Unmarshal(b, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestSession_AIReplyAfterFanOut(t *testing.T) {
	release := make(chan struct{})
	called := make(chan struct{}, 1)
	e := newAIEnv(t, assistant.ProviderFunc(func(ctx context.Context, req assistant.CompletionRequest) (string, error) {
		assert.Equal(t, "what time is it?", req.UserMessage)
		called <- struct{}{}
		select {
		case <-release:
			return "it is noon", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}), assistant.Config{Timeout: wait})

	a, aDone := e.openIn(t, e.alice, e.group.ID)
	b, bDone := e.openIn(t, e.bob, e.group.ID)
	m, mDone := e.openIn(t, e.mallory, e.group.ID)
	conns := []*fakeConn{a, b, m}

	a.send(t, map[string]any{"type": "chat_message", "content": "what time is it?"})

	select {
	case <-called:
	case <-time.After(wait):
		t.Fatal("provider not called")
	}
	// 补全仍阻塞，人类消息已送达全部连接
	for _, c := range conns {
		f := c.next(t, "user_status")
		require.Equal(t, "chat_message", f.Type)
		assert.Equal(t, "what time is it?", f.Message.Content)
		assert.Equal(t, e.alice.Ref(), f.Message.Sender)
	}

	close(release)
	for _, c := range conns {
		f := c.next(t, "user_status")
		require.Equal(t, "chat_message", f.Type)
		assert.Equal(t, "it is noon", f.Message.Content)
		assert.Equal(t, e.ai, f.Message.Sender)
	}
	require.Eventually(t, func() bool { return e.outcome.get(assistant.OutcomeSuccess) == 1 }, wait, time.Millisecond)

	for _, c := range conns {
		c.hangup()
	}
	for _, done := range []<-chan error{aDone, bDone, mDone} {
		assert.NoError(t, result(t, done))
	}
}

func TestSession_AITimeoutIsSilent(t *testing.T) {
	e := newAIEnv(t, assistant.ProviderFunc(func(ctx context.Context, _ assistant.CompletionRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), assistant.Config{Timeout: 20 * time.Millisecond})

	a, aDone := e.openIn(t, e.alice, e.group.ID)
	b, bDone := e.openIn(t, e.bob, e.group.ID)
	m, mDone := e.openIn(t, e.mallory, e.group.ID)
	conns := []*fakeConn{a, b, m}

	a.send(t, map[string]any{"type": "chat_message", "content": "anyone?"})
	for _, c := range conns {
		f := c.next(t, "user_status")
		require.Equal(t, "chat_message", f.Type)
		assert.Equal(t, "anyone?", f.Message.Content)
	}
	require.Eventually(t, func() bool { return e.outcome.get(assistant.OutcomeTimeout) == 1 }, wait, time.Millisecond)

	for _, c := range conns {
		for _, f := range c.pending(t) {
			assert.NotEqual(t, "error", f.Type)
			assert.NotEqual(t, "chat_message", f.Type, "超时后不应有 AI 消息")
		}
	}
	msgs, err := e.repo.ListMessages(context.Background(), e.group.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, e.alice.UserID, msgs[0].SenderID)

	// 会话不受影响
	b.send(t, map[string]any{"type": "typing", "is_typing": true})
	f := a.next(t, "user_status")
	assert.Equal(t, "typing", f.Type)

	for _, c := range conns {
		c.hangup()
	}
	for _, done := range []<-chan error{aDone, bDone, mDone} {
		assert.NoError(t, result(t, done))
	}
}
