package store

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID 以消息时间生成 ULID，同一毫秒内单调递增
func NewMessageID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		// 同毫秒内熵溢出，退回默认生成器
		return ulid.Make().String()
	}
	return id.String()
}

// NewConversationID 会话 ID
func NewConversationID() string {
	return uuid.NewString()
}
