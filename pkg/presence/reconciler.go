package presence

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tokmz/qchat/pkg/logger"
)

// DefaultReconcileSpec 默认每分钟校正一次
const DefaultReconcileSpec = "@every 1m"

// Reconciler 定时清理残留的在线标记
//
// 进程崩溃时来不及写离线状态，启动时先跑一次，之后按 cron 表达式周期执行。
type Reconciler struct {
	tracker *Tracker
	cron    *cron.Cron
	spec    string
	timeout time.Duration
	log     logger.Logger

	mu      sync.Mutex
	started bool
}

// NewReconciler 创建校正任务，spec 支持秒级 cron 表达式与 @every
func NewReconciler(t *Tracker, spec string, l logger.Logger) (*Reconciler, error) {
	if spec == "" {
		spec = DefaultReconcileSpec
	}
	if l == nil {
		l = logger.Nop()
	}
	cl := cronLogger{l}
	r := &Reconciler{
		tracker: t,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		spec:    spec,
		timeout: 30 * time.Second,
		log:     l,
	}
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, err
	}
	return r, nil
}

// Start 同步执行一次，然后启动调度
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.runWith(ctx)
	r.cron.Start()
}

// Stop 停止调度并等待正在执行的任务
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.mu.Unlock()

	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) run() {
	r.runWith(context.Background())
}

func (r *Reconciler) runWith(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	n, err := r.tracker.Reconcile(ctx)
	if err != nil {
		r.log.Warn("presence: reconcile failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("presence: cleared stale online flags", zap.Int("count", n))
	}
}

// cronLogger 适配 cron.Logger
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, zap.Any("kv", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
