package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qchat/pkg/cache"
	"github.com/tokmz/qchat/pkg/errors"
)

func TestTokenAuthenticator(t *testing.T) {
	ctx := context.Background()
	c, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	defer c.Close()

	a := NewTokenAuthenticator(c, "")
	require.NoError(t, a.Issue(ctx, "tok", Identity{UserID: 7, Username: "alice"}, time.Minute))

	id, err := a.Authenticate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.UserID)
	assert.Equal(t, "alice", id.Ref().Username)

	_, err = a.Authenticate(ctx, "")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	_, err = a.Authenticate(ctx, "nope")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	require.NoError(t, a.Revoke(ctx, "tok"))
	_, err = a.Authenticate(ctx, "tok")
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	// 外部写入的会话直接按前缀读取
	require.NoError(t, c.Set(ctx, DefaultSessionPrefix+"ext", map[string]any{"user_id": 9, "username": "bob"}, time.Minute))
	id, err = a.Authenticate(ctx, "ext")
	require.NoError(t, err)
	assert.Equal(t, int64(9), id.UserID)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/chat/1?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r, ""))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r, "token"))

	r = httptest.NewRequest("GET", "/ws/chat/1?t=x", nil)
	assert.Equal(t, "x", TokenFromRequest(r, "t"))
	assert.Empty(t, TokenFromRequest(r, "token"))
}
