package request

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Text string `json:"text"`
}

func fastRetry(n int) *RetryConfig {
	return &RetryConfig{MaxAttempts: n, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/echo", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var in echo
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(echo{Text: strings.ToUpper(in.Text)})
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL+"/v1/"), WithBearer(func() string { return "k" }))
	var out echo
	require.NoError(t, c.PostJSON(context.Background(), "/echo", echo{Text: "hi"}, &out))
	assert.Equal(t, "HI", out.Text)
}

func TestPostJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL), WithRetry(fastRetry(3)))
	var out echo
	require.NoError(t, c.PostJSON(context.Background(), "/", echo{}, &out))
	assert.Equal(t, "ok", out.Text)
	assert.EqualValues(t, 3, calls.Load())
}

func TestPostJSON_StatusError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 2*maxErrorBodyLen)))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL), WithRetry(fastRetry(3)))
	err := c.PostJSON(context.Background(), "/", echo{}, nil)
	require.ErrorIs(t, err, ErrStatus)
	assert.Less(t, len(err.Error()), maxErrorBodyLen+64)
	// 4xx 不重试
	assert.EqualValues(t, 1, calls.Load())
}

func TestPostJSON_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := New(WithBaseURL(srv.URL), WithRetry(fastRetry(3)))
	err := c.PostJSON(ctx, "/", echo{}, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPostJSON_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out echo
	err := New(WithBaseURL(srv.URL)).PostJSON(context.Background(), "/", echo{}, &out)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		status int
		err    error
		want   bool
	}{
		{http.StatusOK, nil, false},
		{http.StatusBadRequest, nil, false},
		{http.StatusTooManyRequests, nil, true},
		{http.StatusBadGateway, nil, true},
		{0, ErrRequest.WithError(context.Canceled), true},
		{0, ErrTimeout.WithError(context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryable(tt.status, tt.err), "status=%d err=%v", tt.status, tt.err)
	}
}

func TestBackoff(t *testing.T) {
	rc := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	for n := range 6 {
		d := rc.backoff(n)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}
