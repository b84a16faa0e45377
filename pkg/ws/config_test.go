package ws

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpgraderConfig_CheckOrigin(t *testing.T) {
	check := func(uc UpgraderConfig, origin string) bool {
		r := httptest.NewRequest("GET", "http://chat.local/ws/chat/1", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return uc.checkOrigin()(r)
	}

	same := UpgraderConfig{}
	assert.True(t, check(same, ""))
	assert.True(t, check(same, "http://chat.local"))
	assert.False(t, check(same, "https://evil.example.com"))

	// 空白名单保持同源检查
	empty := UpgraderConfig{AllowedOrigins: []string{}}
	assert.True(t, check(empty, "https://chat.local"))

	list := UpgraderConfig{AllowedOrigins: []string{"https://app.example.com"}}
	assert.True(t, check(list, "https://app.example.com"))
	assert.False(t, check(list, ""))
	assert.False(t, check(list, "http://chat.local"))

	assert.True(t, check(UpgraderConfig{AllowedOrigins: []string{"*"}}, "https://any.example.com"))
}
