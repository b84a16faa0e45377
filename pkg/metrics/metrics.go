// Package metrics Prometheus 指标，注册在独立 Registry 上，由 /metrics 暴露
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 全部业务指标
type Collector struct {
	registry *prometheus.Registry

	// 连接
	connections   prometheus.Gauge
	frames        *prometheus.CounterVec
	invalidFrames prometheus.Counter
	writeErrors   prometheus.Counter

	// 扇出
	rooms            prometheus.Gauge
	broadcastLatency prometheus.Histogram
	droppedMessages  prometheus.Counter

	// 业务
	messagesPosted      *prometheus.CounterVec
	aiOutcomes          *prometheus.CounterVec
	presenceTransitions *prometheus.CounterVec
	outboxDropped       *prometheus.CounterVec

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New 创建指标集合，namespace 为空时使用 qchat
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "qchat"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Live websocket connections",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "Websocket frames by direction and type",
		}, []string{"direction", "type"}),
		invalidFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_invalid_frames_total",
			Help:      "Inbound frames rejected as malformed",
		}),
		writeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "Transport write failures",
		}),

		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Live conversation rooms",
		}),
		broadcastLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time spent fanning one frame out to a room",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),
		droppedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_drops_total",
			Help:      "Connections dropped because their outbound queue was full",
		}),

		messagesPosted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_posted_total",
			Help:      "Messages persisted and published",
		}, []string{"type", "sender"}),
		aiOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_responses_total",
			Help:      "AI responder outcomes",
		}, []string{"outcome"}),
		presenceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_transitions_total",
			Help:      "Online/offline edge transitions",
		}, []string{"status"}),
		outboxDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Outbox events dropped because the buffer was full or the sink failed",
		}, []string{"event", "reason"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
	}
}

// Registry 底层注册表，测试用
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ---- ws.Metrics ----

func (c *Collector) IncrementConnections() { c.connections.Inc() }
func (c *Collector) DecrementConnections() { c.connections.Dec() }

func (c *Collector) IncrementFrames(direction, frameType string) {
	c.frames.WithLabelValues(direction, frameType).Inc()
}

func (c *Collector) IncrementInvalidFrames() { c.invalidFrames.Inc() }
func (c *Collector) SetRoomCount(count int)  { c.rooms.Set(float64(count)) }

func (c *Collector) RecordBroadcastLatency(d time.Duration) {
	c.broadcastLatency.Observe(d.Seconds())
}

func (c *Collector) IncrementDroppedMessages() { c.droppedMessages.Inc() }
func (c *Collector) IncrementWriteErrors()     { c.writeErrors.Inc() }

// ---- 业务 ----

// MessagePosted 消息落库并发布，sender 为 user 或 ai
func (c *Collector) MessagePosted(messageType, sender string) {
	c.messagesPosted.WithLabelValues(messageType, sender).Inc()
}

// AIOutcome AI 回复结果：ok / error / timeout / rejected / dropped / stale
func (c *Collector) AIOutcome(outcome string) {
	c.aiOutcomes.WithLabelValues(outcome).Inc()
}

// PresenceTransition 上下线边沿
func (c *Collector) PresenceTransition(status string) {
	c.presenceTransitions.WithLabelValues(status).Inc()
}

// OutboxDropped 外发事件丢弃
func (c *Collector) OutboxDropped(event, reason string) {
	c.outboxDropped.WithLabelValues(event, reason).Inc()
}

// ObserveHTTP HTTP 请求
func (c *Collector) ObserveHTTP(method, path string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
