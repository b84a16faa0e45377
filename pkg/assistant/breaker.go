package assistant

import (
	stderrors "errors"
	"sync"
	"time"
)

// State 熔断状态
type State int32

const (
	StateClosed   State = iota // 正常放行，统计连续失败
	StateOpen                  // 直接拒绝
	StateHalfOpen              // 放少量试探请求
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen 熔断打开时拒绝调用
var ErrBreakerOpen = stderrors.New("assistant: circuit breaker is open")

// BreakerConfig 熔断配置
type BreakerConfig struct {
	MaxFailures      int           // 连续失败多少次后打开
	ResetTimeout     time.Duration // 打开多久后进入半开
	HalfOpenRequests int           // 半开时允许的试探请求数，全部成功后关闭

	OnStateChange func(from, to State)
}

// Breaker 熔断器
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	trials   int // 半开状态已放行的试探请求数
	success  int // 半开状态成功的试探请求数
	changed  time.Time
}

// NewBreaker 创建熔断器
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &Breaker{cfg: cfg, now: time.Now, changed: time.Now()}
}

// Execute 经熔断器执行 fn
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := fn()
	b.record(err == nil)
	return err
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current 计入超时后的状态切换，调用方持有锁
func (b *Breaker) current() State {
	if b.state == StateOpen && b.now().Sub(b.changed) >= b.cfg.ResetTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.trials >= b.cfg.HalfOpenRequests {
			return false
		}
		b.trials++
		return true
	default:
		return true
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		// 半开时任何失败都重新打开
		if !ok {
			b.setState(StateOpen)
			return
		}
		b.success++
		if b.success >= b.cfg.HalfOpenRequests {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	b.failures, b.trials, b.success = 0, 0, 0
	b.changed = b.now()
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, s)
	}
}
