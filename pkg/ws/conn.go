package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokmz/qchat/pkg/errors"
)

// Transport 会话所需的最小传输接口，测试可用内存实现替换
type Transport interface {
	// ReadMessage 阻塞读取下一帧，连接关闭后返回错误
	ReadMessage() ([]byte, error)
	// WriteMessage 写入一个文本帧
	WriteMessage(data []byte) error
	// Ping 发送心跳
	Ping() error
	// CloseWithCode 发送关闭帧后关闭连接，幂等
	CloseWithCode(code int, reason string) error
}

// Conn gorilla/websocket 连接的 Transport 实现
type Conn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	pongWait  time.Duration

	// gorilla 只允许一个并发写者，关闭帧可能来自其他协程
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewConn 包装已升级的连接
func NewConn(conn *websocket.Conn, cfg *Config) *Conn {
	c := &Conn{
		conn:      conn,
		writeWait: cfg.WriteWait,
		pongWait:  cfg.PongWait,
	}

	conn.SetReadLimit(cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	return c
}

// ReadMessage 读取下一帧，二进制帧按文本处理
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteMessage 写入文本帧
func (c *Conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping 发送心跳
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// CloseWithCode 发送关闭帧并关闭底层连接
func (c *Conn) CloseWithCode(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr 获取远程地址
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// IsUnexpectedClose 是否为非正常关闭，正常关闭与对端离开不记日志
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// Pump 写协程：把句柄队列写到传输层并定时发送心跳
//
// 句柄关闭后返回 nil；写失败时以该错误关闭句柄并返回。
// 非背压关闭时先把已入队的帧写完，再交给调用方发关闭帧。
func Pump(h *Handle, t Transport, pingPeriod time.Duration) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		// 关闭优先于队列
		select {
		case <-h.Done():
			return flush(h, t)
		default:
		}

		select {
		case <-h.Done():
			return flush(h, t)

		case frame := <-h.Queue():
			if err := t.WriteMessage(frame); err != nil {
				h.metrics.IncrementWriteErrors()
				h.Close(err)
				return err
			}

		case <-ticker.C:
			if err := t.Ping(); err != nil {
				h.metrics.IncrementWriteErrors()
				h.Close(err)
				return err
			}
		}
	}
}

// flush 非阻塞写出关闭时刻队列里的帧，最多 len(queue) 个；背压关闭时直接丢弃
func flush(h *Handle, t Transport) error {
	if errors.IsBackpressure(h.Err()) {
		return nil
	}
	for range len(h.queue) {
		select {
		case frame := <-h.queue:
			if err := t.WriteMessage(frame); err != nil {
				h.metrics.IncrementWriteErrors()
				return err
			}
		default:
			return nil
		}
	}
	return nil
}
