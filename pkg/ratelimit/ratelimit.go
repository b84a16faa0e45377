// Package ratelimit 令牌桶限流，REST 中间件按 IP 分桶，websocket 会话每连接一个桶。
package ratelimit

import (
	"sync"
	"time"
)

// Bucket 令牌桶
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewBucket 创建令牌桶，burst <= 0 时取 rate 向上取整
func NewBucket(rate float64, burst int) *Bucket {
	if burst <= 0 {
		burst = int(rate + 0.999)
		if burst < 1 {
			burst = 1
		}
	}
	return &Bucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow 取一个令牌
func (b *Bucket) Allow() bool {
	return b.AllowAt(time.Now())
}

// AllowAt 以给定时间补充令牌后取一个
func (b *Bucket) AllowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *Bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastRefill)
}

// Store 按 key 分桶
type Store struct {
	rate  float64
	burst int

	mu      sync.RWMutex
	buckets map[string]*Bucket

	done      chan struct{}
	closeOnce sync.Once
}

// NewStore 创建分桶存储，后台按 cleanupInterval 清理闲置超过 expiry 的桶
func NewStore(rate float64, burst int, cleanupInterval, expiry time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}
	s := &Store{
		rate:    rate,
		burst:   burst,
		buckets: make(map[string]*Bucket),
		done:    make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.cleanup(time.Now(), expiry)
			case <-s.done:
				return
			}
		}
	}()
	return s
}

// Allow 取 key 对应桶的一个令牌
func (s *Store) Allow(key string) bool {
	return s.bucket(key).Allow()
}

func (s *Store) bucket(key string) *Bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 双重检查
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = NewBucket(s.rate, s.burst)
	s.buckets[key] = b
	return b
}

func (s *Store) cleanup(now time.Time, expiry time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if b.idleSince(now) > expiry {
			delete(s.buckets, key)
		}
	}
}

// Len 当前桶数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// Close 停止后台清理
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
