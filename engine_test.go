package qchat

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestEngine_RunAndShutdown(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	note := func(s string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, s)
		}
	}

	addr := freeAddr(t)
	e := New(
		WithMode(gin.TestMode),
		WithBanner(false),
		WithAddr(addr),
		WithBeforeShutdown(note("before")),
		WithAfterShutdown(note("after")),
	)
	e.RouterGroup().GET("/ping", func(c *Context) { c.Success("pong") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/ping")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestEngine_RunListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	e := New(WithMode(gin.TestMode), WithBanner(false), WithAddr(l.Addr().String()))
	assert.Error(t, e.Run(context.Background()))
}

func TestEngine_CORS(t *testing.T) {
	e := New(WithMode(gin.TestMode), WithBanner(false), WithCORSOrigins("https://chat.example.com"))
	e.RouterGroup().GET("/ping", func(c *Context) { c.Nil() })

	r := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	r.Header.Set("Origin", "https://chat.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	r.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	e.Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://chat.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWsURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8080", wsURL(":8080"))
	assert.Equal(t, "ws://127.0.0.1:8080", wsURL("8080"))
	assert.Equal(t, "ws://chat.local:9000", wsURL("chat.local:9000"))
}
