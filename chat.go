package qchat

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/auth"
	"github.com/tokmz/qchat/pkg/errors"
	"github.com/tokmz/qchat/pkg/logger"
	"github.com/tokmz/qchat/pkg/message"
	"github.com/tokmz/qchat/pkg/openapi"
	"github.com/tokmz/qchat/pkg/protocol"
	"github.com/tokmz/qchat/pkg/store"
	"github.com/tokmz/qchat/pkg/ws"
)

// ChatService HTTP 层用到的消息能力
type ChatService interface {
	CreateConversation(ctx context.Context, in message.CreateConversationInput) (*store.Conversation, error)
	MarkRead(ctx context.Context, conversationID string, user protocol.UserRef, ids []string) (int64, error)
	UnreadCount(ctx context.Context, conversationID string, userID int64) (int64, error)
	History(ctx context.Context, conversationID string, userID int64, limit int) ([]*store.Message, error)
	RecentContacts(ctx context.Context, userID int64, limit int) ([]*store.User, error)
}

// SessionServer 驱动一条 websocket 连接直到关闭
type SessionServer interface {
	Serve(ctx context.Context, t ws.Transport, id *auth.Identity, conversationID string) error
}

// PresenceReader 在线状态查询
type PresenceReader interface {
	IsOnline(userID int64) bool
}

// ChatAPI websocket 入口与 REST 接口
type ChatAPI struct {
	chat       ChatService
	sessions   SessionServer
	presence   PresenceReader
	upgrader   *ws.Upgrader
	auth       auth.Authenticator
	tokenParam string
	log        logger.Logger
}

// APIOption ChatAPI 配置项
type APIOption func(*ChatAPI)

// WithTokenParam 设置 websocket 令牌查询参数名
func WithTokenParam(name string) APIOption {
	return func(a *ChatAPI) {
		if name != "" {
			a.tokenParam = name
		}
	}
}

// WithAPILogger 设置日志
func WithAPILogger(l logger.Logger) APIOption {
	return func(a *ChatAPI) {
		if l != nil {
			a.log = l
		}
	}
}

// NewChatAPI 创建接口
func NewChatAPI(chat ChatService, sessions SessionServer, presence PresenceReader, upgrader *ws.Upgrader, authn auth.Authenticator, opts ...APIOption) *ChatAPI {
	a := &ChatAPI{
		chat:       chat,
		sessions:   sessions,
		presence:   presence,
		upgrader:   upgrader,
		auth:       authn,
		tokenParam: "token",
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register 注册路由，middlewares 只作用于 REST 接口，在认证之前执行
func (a *ChatAPI) Register(root *RouterGroup, middlewares ...HandlerFunc) {
	root.GET("/ws/chat/:conversation_id", a.serveWS)

	api := root.Group("/api/v1", append(middlewares, a.Authenticate)...)
	POST(api, "/conversations", a.createConversation, openapi.Doc(openapi.Summary("创建会话")))
	POST(api, "/conversations/:id/read", a.markRead,
		openapi.Doc(openapi.Summary("标记已读"), openapi.Desc("message_ids 为空时标记会话内全部未读")))
	GET(api, "/conversations/:id/unread", a.unread, openapi.Doc(openapi.Summary("未读数")))
	GET(api, "/conversations/:id/messages", a.history,
		openapi.Doc(openapi.Summary("历史消息"), openapi.Tags("messages")))
	GET(api, "/contacts/recent", a.recentContacts, openapi.Doc(openapi.Summary("最近联系人")))
	GET(api, "/users/:id/status", a.userStatus, openapi.Doc(openapi.Summary("在线状态")))
}

// Authenticate 认证中间件，失败时返回 401
func (a *ChatAPI) Authenticate(c *Context) {
	id, err := a.auth.Authenticate(c.RequestContext(), auth.TokenFromRequest(c.Request(), a.tokenParam))
	if err != nil {
		c.AbortWithError(err)
		return
	}
	c.SetIdentity(id)
	c.Next()
}

// serveWS 认证失败时仍完成升级，由会话以 4401 关闭
func (a *ChatAPI) serveWS(c *Context) {
	ctx := c.RequestContext()
	conversationID := c.Param("conversation_id")

	id, err := a.auth.Authenticate(ctx, auth.TokenFromRequest(c.Request(), a.tokenParam))
	if err != nil {
		if !errors.Is(err, errors.ErrUnauthorized) {
			a.log.WarnContext(ctx, "ws: authenticate failed", zap.Error(err))
		}
		id = nil
	}

	conn, err := a.upgrader.Upgrade(c.Writer(), c.Request())
	if err != nil {
		// 升级器已写回 HTTP 错误
		a.log.DebugContext(ctx, "ws: upgrade failed", zap.Error(err))
		return
	}
	if id != nil {
		ctx = logger.WithUID(ctx, id.UserID)
	}

	start := time.Now()
	if err := a.sessions.Serve(ctx, conn, id, conversationID); err != nil {
		a.log.DebugContext(ctx, "ws: session rejected", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	a.log.DebugContext(ctx, "ws: session ended",
		zap.String("conversation_id", conversationID),
		zap.Duration("duration", time.Since(start)),
	)
}

// ============ REST ============

type CreateConversationReq struct {
	Name           string  `json:"name"`
	IsGroup        bool    `json:"is_group"`
	ParticipantIDs []int64 `json:"participant_ids" binding:"required,min=1"`
	AIEnabled      *bool   `json:"ai_enabled"`
}

type MarkReadReq struct {
	ID         string   `uri:"id" binding:"required"`
	MessageIDs []string `json:"message_ids"` // 为空表示全部
}

type MarkReadResp struct {
	Marked int64 `json:"marked"`
}

type ConversationReq struct {
	ID string `uri:"id" binding:"required"`
}

type UnreadResp struct {
	ConversationID string `json:"conversation_id"`
	Unread         int64  `json:"unread"`
}

type HistoryReq struct {
	ID    string `uri:"id" binding:"required"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=200"`
}

type RecentContactsReq struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=50"`
}

type UserStatusReq struct {
	ID int64 `uri:"id" binding:"required"`
}

type UserStatusResp struct {
	UserID int64           `json:"user_id"`
	Status protocol.Status `json:"status"`
}

func (a *ChatAPI) createConversation(c *Context, req *CreateConversationReq) (*store.Conversation, error) {
	id := c.Identity()
	return a.chat.CreateConversation(c.RequestContext(), message.CreateConversationInput{
		CreatorID:      id.UserID,
		Name:           req.Name,
		IsGroup:        req.IsGroup,
		ParticipantIDs: req.ParticipantIDs,
		AIEnabled:      req.AIEnabled,
	})
}

func (a *ChatAPI) markRead(c *Context, req *MarkReadReq) (*MarkReadResp, error) {
	n, err := a.chat.MarkRead(c.RequestContext(), req.ID, c.Identity().Ref(), req.MessageIDs)
	if err != nil {
		return nil, err
	}
	return &MarkReadResp{Marked: n}, nil
}

func (a *ChatAPI) unread(c *Context, req *ConversationReq) (*UnreadResp, error) {
	n, err := a.chat.UnreadCount(c.RequestContext(), req.ID, c.UserID())
	if err != nil {
		return nil, err
	}
	return &UnreadResp{ConversationID: req.ID, Unread: n}, nil
}

func (a *ChatAPI) history(c *Context, req *HistoryReq) (*ListResp, error) {
	limit := req.Limit
	if limit == 0 {
		limit = 50
	}
	msgs, err := a.chat.History(c.RequestContext(), req.ID, c.UserID(), limit)
	if err != nil {
		return nil, err
	}
	return NewListResp(msgs), nil
}

func (a *ChatAPI) recentContacts(c *Context, req *RecentContactsReq) (*ListResp, error) {
	users, err := a.chat.RecentContacts(c.RequestContext(), c.UserID(), req.Limit)
	if err != nil {
		return nil, err
	}
	return NewListResp(users), nil
}

func (a *ChatAPI) userStatus(_ *Context, req *UserStatusReq) (*UserStatusResp, error) {
	status := protocol.StatusOffline
	if a.presence.IsOnline(req.ID) {
		status = protocol.StatusOnline
	}
	return &UserStatusResp{UserID: req.ID, Status: status}, nil
}

// ============ 健康检查 ============

// HealthCheck 依赖探活
type HealthCheck func(ctx context.Context) error

// Health 健康检查，任一依赖失败返回 503
func Health(checks map[string]HealthCheck) HandlerFunc {
	return func(c *Context) {
		ctx, cancel := context.WithTimeout(c.RequestContext(), 2*time.Second)
		defer cancel()

		code := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				code = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}

		status := "ok"
		if code != http.StatusOK {
			status = "degraded"
		}
		c.JSON(code, map[string]any{"status": status, "checks": result})
	}
}
