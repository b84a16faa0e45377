package request

import (
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// RetryConfig 指数退避重试
type RetryConfig struct {
	MaxAttempts  int           // 首次之外的重试次数（默认 3）
	InitialDelay time.Duration // 默认 100ms
	MaxDelay     time.Duration // 默认 5s
	Multiplier   float64       // 默认 2
}

// DefaultRetryConfig 默认重试配置
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

func (rc *RetryConfig) normalize() {
	def := DefaultRetryConfig()
	if rc.MaxAttempts < 0 {
		rc.MaxAttempts = 0
	}
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = def.InitialDelay
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = def.MaxDelay
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = def.Multiplier
	}
}

// backoff 第 n 次重试前的等待，带 ±25% 抖动
func (rc *RetryConfig) backoff(n int) time.Duration {
	delay := float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(n))
	if delay > float64(rc.MaxDelay) {
		delay = float64(rc.MaxDelay)
	}
	jitter := delay * 0.25 * (rand.Float64()*2 - 1)
	return max(time.Duration(delay+jitter), 0)
}

// retryable 网络错误、429 与 5xx 重试，超时不重试
func retryable(status int, err error) bool {
	if err != nil {
		return !errors.Is(err, ErrTimeout)
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
