package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qchat/pkg/ws"
)

var _ ws.Metrics = (*Collector)(nil)

func TestCollector_Counters(t *testing.T) {
	c := New("")

	c.IncrementConnections()
	c.IncrementConnections()
	c.DecrementConnections()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connections))

	c.IncrementFrames("in", "chat_message")
	c.IncrementFrames("in", "chat_message")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.frames.WithLabelValues("in", "chat_message")))

	c.MessagePosted("text", "user")
	c.AIOutcome("timeout")
	c.PresenceTransition("online")
	c.OutboxDropped("message.created", "full")
	c.IncrementDroppedMessages()
	c.SetRoomCount(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesPosted.WithLabelValues("text", "user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.aiOutcomes.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.presenceTransitions.WithLabelValues("online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outboxDropped.WithLabelValues("message.created", "full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.droppedMessages))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.rooms))
}

func TestCollector_IndependentRegistries(t *testing.T) {
	// 两个实例互不冲突，promauto 默认注册表会 panic
	a := New("a")
	b := New("a")
	a.IncrementWriteErrors()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.writeErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.writeErrors))
}

func TestHandler(t *testing.T) {
	c := New("qchat")
	c.ObserveHTTP(http.MethodGet, "/healthz", 200, 3*time.Millisecond)
	c.RecordBroadcastLatency(time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `qchat_http_requests_total{method="GET",path="/healthz",status="2xx"} 1`)
	assert.Contains(t, string(body), "qchat_broadcast_duration_seconds_count 1")
	assert.Contains(t, string(body), "go_goroutines")
}
