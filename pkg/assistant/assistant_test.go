package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/message"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/request"
	"github.com/tokmz/qchat/pkg/store"
	"github.com/tokmz/qchat/pkg/ws"
)

func TestBreaker(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := NewBreaker(BreakerConfig{
		MaxFailures:      2,
		ResetTimeout:     time.Minute,
		HalfOpenRequests: 1,
		OnStateChange:    func(from, to State) { transitions = append(transitions, from.String()+"->"+to.String()) },
	})
	b.now = func() time.Time { return now }

	boom := errors.New("boom")
	fail := func() error { return boom }
	ok := func() error { return nil }

	assert.ErrorIs(t, b.Execute(fail), boom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(fail), boom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ok), ErrBreakerOpen)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	// 半开失败重新打开
	assert.ErrorIs(t, b.Execute(fail), boom)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(time.Minute)
	assert.NoError(t, b.Execute(ok))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"closed->open", "open->half-open", "half-open->open", "open->half-open", "half-open->closed",
	}, transitions)
}

func TestBreaker_HalfOpenLimitsTrials(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenRequests: 1})
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errors.New("x") })
	now = now.Add(time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() { done <- b.Execute(func() error { <-release; return nil }) }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.trials == 1
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrBreakerOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4", body.Model)
		assert.Equal(t, 500, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, DefaultSystemPrompt, body.Messages[0].Content)
		assert.Equal(t, "hello?", body.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hi there \n"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	out, err := p.Complete(context.Background(), CompletionRequest{UserMessage: "hello?", MaxTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)
}

func TestOpenAIProvider_Errors(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"bad key"}`))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, request.WithRetry(nil))
	_, err := p.Complete(context.Background(), CompletionRequest{UserMessage: "x"})
	assert.ErrorIs(t, err, request.ErrStatus)

	status = http.StatusOK
	_, err = p.Complete(context.Background(), CompletionRequest{UserMessage: "x"})
	assert.ErrorContains(t, err, "empty completion")
}

func TestOpenAIProvider_MissingKey(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL})
	assert.False(t, p.Configured())
	_, err := p.Complete(context.Background(), CompletionRequest{UserMessage: "x"})
	assert.ErrorIs(t, err, qerrors.ErrUpstream)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Zero(t, hits.Load())
}

type outcomes struct {
	mu sync.Mutex
	n  map[string]int
}

func (o *outcomes) AIOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.n == nil {
		o.n = make(map[string]int)
	}
	o.n[outcome]++
}

func (o *outcomes) get(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n[outcome]
}

type fixture struct {
	repo   *store.MemoryRepository
	bc     *ws.Broadcaster
	svc    *message.Service
	ai     protocol.UserRef
	alice  protocol.UserRef
	group  *store.Conversation
	direct *store.Conversation
	handle *ws.Handle
	m      *outcomes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{repo: store.NewMemoryRepository(), m: &outcomes{}}

	alice, err := f.repo.EnsureUser(ctx, "alice", "")
	require.NoError(t, err)
	bob, err := f.repo.EnsureUser(ctx, "bob", "")
	require.NoError(t, err)
	ai, err := f.repo.EnsureUser(ctx, "ai_assistant", "AI Assistant")
	require.NoError(t, err)
	f.alice = protocol.UserRef{ID: alice.ID, Username: alice.Username}
	f.ai = Identity(ai)

	cfg, err := ws.NewConfig()
	require.NoError(t, err)
	f.bc = ws.NewBroadcaster(cfg)
	f.svc = message.NewService(f.repo, f.bc, message.DefaultConfig(), message.WithAIUser(f.ai))

	f.group, err = f.svc.CreateConversation(ctx, message.CreateConversationInput{CreatorID: alice.ID, IsGroup: true, ParticipantIDs: []int64{bob.ID}})
	require.NoError(t, err)
	f.direct, err = f.svc.CreateConversation(ctx, message.CreateConversationInput{CreatorID: alice.ID, ParticipantIDs: []int64{bob.ID}})
	require.NoError(t, err)

	f.handle, err = ws.NewRegistry(cfg).Register("", f.alice)
	require.NoError(t, err)
	require.NoError(t, f.bc.Join(f.handle, f.group.ID))
	return f
}

func (f *fixture) post(t *testing.T, conv *store.Conversation, content string) *store.Message {
	t.Helper()
	m, err := f.svc.PostMessage(context.Background(), message.PostInput{ConversationID: conv.ID, SenderID: f.alice.ID, Content: content})
	require.NoError(t, err)
	return m
}

func (f *fixture) responder(p Provider, cfg Config) *Responder {
	return NewResponder(p, f.svc, f.bc, f.ai, cfg, WithMetrics(f.m))
}

func TestResponder_GroupReply(t *testing.T) {
	f := newFixture(t)
	r := f.responder(ProviderFunc(func(_ context.Context, req CompletionRequest) (string, error) {
		return "echo: " + req.UserMessage, nil
	}), Config{})
	defer r.Shutdown(context.Background())

	trigger := f.post(t, f.group, "what's up")
	assert.True(t, r.MaybeRespond(f.group, trigger))

	require.Eventually(t, func() bool { return f.m.get(OutcomeSuccess) == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs, err := f.repo.ListMessages(context.Background(), f.group.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, f.ai.ID, msgs[1].SenderID)
	assert.Equal(t, "echo: what's up", msgs[1].Content)

	// 房间内先收到用户消息，再收到 AI 回复
	var senders []string
	for len(senders) < 2 {
		var fr struct {
			Message struct {
				Sender protocol.UserRef `json:"sender"`
			} `json:"message"`
		}
		require.NoError(t, json.Unmarshal(<-f.handle.Queue(), &fr))
		senders = append(senders, fr.Message.Sender.Username)
	}
	assert.Equal(t, []string{"alice", "AI Assistant"}, senders)
}

func TestResponder_Skips(t *testing.T) {
	f := newFixture(t)
	called := false
	r := f.responder(ProviderFunc(func(context.Context, CompletionRequest) (string, error) {
		called = true
		return "x", nil
	}), Config{})
	defer r.Shutdown(context.Background())

	// 单聊未开启 AI
	assert.False(t, r.MaybeRespond(f.direct, f.post(t, f.direct, "hi")))
	// AI 自己的消息不触发
	assert.False(t, r.MaybeRespond(f.group, &store.Message{SenderID: f.ai.ID, Content: "x", Type: store.MessageText}))
	// 非文本不触发
	assert.False(t, r.MaybeRespond(f.group, &store.Message{SenderID: f.alice.ID, Type: store.MessageImage}))
	assert.False(t, called)

	none := f.responder(nil, Config{})
	assert.False(t, none.MaybeRespond(f.group, f.post(t, f.group, "hi")))
}

func TestIdentity(t *testing.T) {
	assert.Equal(t, protocol.UserRef{ID: 7, Username: "AI Assistant"},
		Identity(&store.User{ID: 7, Username: "ai_assistant", DisplayName: "AI Assistant"}))
	assert.Equal(t, protocol.UserRef{ID: 7, Username: "ai_assistant"},
		Identity(&store.User{ID: 7, Username: "ai_assistant"}))
}

func TestResponder_UnconfiguredProvider(t *testing.T) {
	f := newFixture(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := f.responder(NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL}), Config{Breaker: BreakerConfig{MaxFailures: 1}})
	defer r.Shutdown(context.Background())

	for range 3 {
		assert.False(t, r.MaybeRespond(f.group, f.post(t, f.group, "hi")))
	}
	assert.Zero(t, hits.Load())
	assert.Equal(t, StateClosed, r.Breaker().State())
	assert.Zero(t, f.m.get(OutcomeError))

	msgs, err := f.repo.ListMessages(context.Background(), f.group.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "没有 AI 消息")
}

func TestResponder_Timeout(t *testing.T) {
	f := newFixture(t)
	r := f.responder(ProviderFunc(func(ctx context.Context, _ CompletionRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), Config{Timeout: 20 * time.Millisecond})
	defer r.Shutdown(context.Background())

	trigger := f.post(t, f.group, "slow")
	assert.True(t, r.MaybeRespond(f.group, trigger))
	require.Eventually(t, func() bool { return f.m.get(OutcomeTimeout) == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs, err := f.repo.ListMessages(context.Background(), f.group.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestResponder_InflightLimit(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	r := f.responder(ProviderFunc(func(ctx context.Context, _ CompletionRequest) (string, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}), Config{MaxInflight: 1})

	trigger := f.post(t, f.group, "one")
	assert.True(t, r.MaybeRespond(f.group, trigger))
	assert.False(t, r.MaybeRespond(f.group, trigger))
	assert.Equal(t, 1, f.m.get(OutcomeDropped))

	close(release)
	require.Eventually(t, func() bool { return f.m.get(OutcomeSuccess) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(context.Background()))
	assert.False(t, r.MaybeRespond(f.group, trigger))
}

func TestResponder_BreakerAndRoomGone(t *testing.T) {
	f := newFixture(t)
	fail := true
	var mu sync.Mutex
	r := f.responder(ProviderFunc(func(context.Context, CompletionRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", errors.New("503")
		}
		return "late reply", nil
	}), Config{Breaker: BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}})
	defer r.Shutdown(context.Background())

	trigger := f.post(t, f.group, "q")
	require.True(t, r.MaybeRespond(f.group, trigger))
	require.Eventually(t, func() bool { return f.m.get(OutcomeError) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, r.Breaker().State())

	require.True(t, r.MaybeRespond(f.group, trigger))
	require.Eventually(t, func() bool { return f.m.get(OutcomeBreakerOpen) == 1 }, 2*time.Second, 5*time.Millisecond)

	// 新的回复器，房间已无人
	mu.Lock()
	fail = false
	mu.Unlock()
	f.bc.LeaveAll(f.handle)
	r2 := f.responder(r.provider, Config{})
	defer r2.Shutdown(context.Background())
	require.True(t, r2.MaybeRespond(f.group, trigger))
	require.Eventually(t, func() bool { return f.m.get(OutcomeRoomGone) == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs, err := f.repo.ListMessages(context.Background(), f.group.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
