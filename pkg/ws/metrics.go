package ws

import "time"

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()

	// 帧指标，direction 为 in / out
	IncrementFrames(direction, frameType string)
	IncrementInvalidFrames()

	// 房间指标
	SetRoomCount(count int)

	// 广播指标
	RecordBroadcastLatency(d time.Duration)
	IncrementDroppedMessages()

	// 写错误
	IncrementWriteErrors()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) IncrementConnections()                       {}
func (NoopMetrics) DecrementConnections()                       {}
func (NoopMetrics) IncrementFrames(direction, frameType string) {}
func (NoopMetrics) IncrementInvalidFrames()                     {}
func (NoopMetrics) SetRoomCount(count int)                      {}
func (NoopMetrics) RecordBroadcastLatency(d time.Duration)      {}
func (NoopMetrics) IncrementDroppedMessages()                   {}
func (NoopMetrics) IncrementWriteErrors()                       {}
