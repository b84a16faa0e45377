// Package auth 解析外部账号服务写入共享缓存的会话令牌。
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tokmz/qchat/pkg/cache"
	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/protocol"
)

// DefaultSessionPrefix 会话键前缀
const DefaultSessionPrefix = "auth:session:"

// Identity 已认证的用户
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Ref 转为帧中的用户摘要
func (i *Identity) Ref() protocol.UserRef {
	return protocol.UserRef{ID: i.UserID, Username: i.Username}
}

// Authenticator 令牌认证
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// TokenAuthenticator 以 <prefix><token> 为键在缓存中查找会话
type TokenAuthenticator struct {
	cache  cache.Cache
	prefix string
}

// NewTokenAuthenticator 创建认证器
func NewTokenAuthenticator(c cache.Cache, prefix string) *TokenAuthenticator {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return &TokenAuthenticator{cache: c, prefix: prefix}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, errors.ErrUnauthorized.WithMessage("missing token")
	}
	var id Identity
	if err := a.cache.Get(ctx, a.prefix+token, &id); err != nil {
		if errors.Is(err, cache.ErrCacheNotFound) {
			return nil, errors.ErrUnauthorized.WithMessage("invalid or expired token")
		}
		return nil, errors.Wrapf(errors.ErrServer, err, "load session")
	}
	if id.UserID == 0 {
		return nil, errors.ErrUnauthorized.WithMessage("invalid session")
	}
	return &id, nil
}

// Issue 写入会话，本地开发与测试用，线上由账号服务写入
func (a *TokenAuthenticator) Issue(ctx context.Context, token string, id Identity, ttl time.Duration) error {
	return a.cache.Set(ctx, a.prefix+token, id, ttl)
}

// Revoke 删除会话
func (a *TokenAuthenticator) Revoke(ctx context.Context, token string) error {
	return a.cache.Delete(ctx, a.prefix+token)
}

// TokenFromRequest 优先取 Authorization: Bearer，其次取查询参数
func TokenFromRequest(r *http.Request, queryParam string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if queryParam == "" {
		queryParam = "token"
	}
	return r.URL.Query().Get(queryParam)
}
