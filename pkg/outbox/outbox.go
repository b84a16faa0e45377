// Package outbox 把消息事件异步投递到外部消息系统。
//
// Emit 从不阻塞调用方：队列满或外部系统不可用时事件被丢弃并计数，
// 聊天主链路不受下游影响。
package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/logger"
)

// 事件类型
const (
	EventMessageCreated = "message.created"
	EventMessageRead    = "message.read"
)

// Event 外发事件
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Key     string    `json:"key"` // 分区键，取会话 ID
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Sink 事件落地
type Sink interface {
	Send(ctx context.Context, ev Event, body []byte) error
	Close() error
}

// SinkFunc 函数适配
type SinkFunc func(ctx context.Context, ev Event, body []byte) error

func (f SinkFunc) Send(ctx context.Context, ev Event, body []byte) error { return f(ctx, ev, body) }
func (f SinkFunc) Close() error                                          { return nil }

// NoopSink 丢弃所有事件
type NoopSink struct{}

func (NoopSink) Send(context.Context, Event, []byte) error { return nil }
func (NoopSink) Close() error                              { return nil }

// Metrics 丢弃计数
type Metrics interface {
	OutboxDropped(event, reason string)
}

type noopMetrics struct{}

func (noopMetrics) OutboxDropped(string, string) {}

// Dispatcher 固定 worker 池
type Dispatcher struct {
	sink        Sink
	queue       chan Event
	stopCh      chan struct{}
	wg          sync.WaitGroup
	closed      atomic.Bool
	closeOnce   sync.Once
	dropped     atomic.Int64
	sendTimeout time.Duration
	log         logger.Logger
	metrics     Metrics
}

// Option 配置项
type Option func(*options)

type options struct {
	workers     int
	bufferSize  int
	sendTimeout time.Duration
	log         logger.Logger
	metrics     Metrics
}

// WithWorkers 设置 worker 数
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

// WithBufferSize 设置队列长度
func WithBufferSize(n int) Option { return func(o *options) { o.bufferSize = n } }

// WithSendTimeout 单次投递超时
func WithSendTimeout(d time.Duration) Option { return func(o *options) { o.sendTimeout = d } }

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics 设置指标
func WithMetrics(m Metrics) Option { return func(o *options) { o.metrics = m } }

// NewDispatcher 创建并启动 worker
func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	o := options{workers: 4, bufferSize: 1000, sendTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = 1
	}
	if o.bufferSize <= 0 {
		o.bufferSize = 1
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	if sink == nil {
		sink = NoopSink{}
	}

	d := &Dispatcher{
		sink:        sink,
		queue:       make(chan Event, o.bufferSize),
		stopCh:      make(chan struct{}),
		sendTimeout: o.sendTimeout,
		log:         o.log,
		metrics:     o.metrics,
	}
	for i := 0; i < o.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit 非阻塞入队，返回是否入队成功
func (d *Dispatcher) Emit(ctx context.Context, ev Event) bool {
	if d.closed.Load() {
		d.drop(ctx, ev, "closed")
		return false
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.drop(ctx, ev, "queue_full")
		return false
	}
}

func (d *Dispatcher) drop(ctx context.Context, ev Event, reason string) {
	d.dropped.Add(1)
	d.metrics.OutboxDropped(ev.Type, reason)
	d.log.DebugContext(ctx, "outbox: event dropped", zap.String("event", ev.Type), zap.String("reason", reason))
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stopCh:
			// 尽力投递队列里剩余的事件
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("outbox: encode event failed", zap.String("event", ev.Type), zap.Error(err))
		d.drop(context.Background(), ev, "encode")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	if err := d.sink.Send(ctx, ev, body); err != nil {
		d.log.Warn("outbox: send failed", zap.String("event", ev.Type), zap.String("key", ev.Key), zap.Error(err))
		d.drop(ctx, ev, "sink_error")
	}
}

// Dropped 丢弃的事件数
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close 停止接收，等待 worker 投递完剩余事件后关闭 sink
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stopCh)

		// 不关闭 queue，避免并发 Emit 写入已关闭的 channel
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := d.sink.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
