package ws

import "errors"

// 错误定义
var (
	// 连接相关错误
	ErrTooManyConnections = errors.New("ws: too many connections")
	ErrHandleExists       = errors.New("ws: connection id already exists")
	ErrConnectionClosed   = errors.New("ws: connection closed")
	ErrShuttingDown       = errors.New("ws: server shutting down")

	// 房间相关错误
	ErrRoomFull = errors.New("ws: room is full")

	// 消息相关错误
	ErrChannelFull = errors.New("ws: send channel full")

	// 配置相关错误
	ErrInvalidConfig = errors.New("ws: invalid config")
)
