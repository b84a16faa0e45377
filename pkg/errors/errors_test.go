package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultHttpCode(t *testing.T) {
	e := New(9000, "自定义")
	assert.Equal(t, 200, e.HttpCode)
	assert.Equal(t, "自定义", e.Error())
}

func TestBuiltinArgumentOrder(t *testing.T) {
	assert.Equal(t, 1000, ErrServer.Code)
	assert.Equal(t, 500, ErrServer.HttpCode)
	assert.Equal(t, "服务器异常", ErrServer.Message)
	assert.Equal(t, 403, ErrAuthorization.HttpCode)
}

func TestIs_ComparesCode(t *testing.T) {
	cause := stderrors.New("disk full")
	err := fmt.Errorf("post: %w", ErrPersistence.WithError(cause))

	assert.True(t, IsPersistence(err))
	assert.False(t, IsValidation(err))
	assert.True(t, Is(err, cause))
}

func TestWrapf(t *testing.T) {
	cause := stderrors.New("boom")
	e := Wrapf(ErrValidation, cause, "内容长度超过 %d", 10)

	assert.Equal(t, "内容长度超过 10", e.Message)
	assert.Equal(t, ErrValidation.Code, e.Code)
	assert.Contains(t, e.Error(), "boom")
	// 不修改预定义错误
	assert.Equal(t, "参数校验失败", ErrValidation.Message)
}

func TestFromAndCodeOf(t *testing.T) {
	require.Nil(t, From(stderrors.New("plain")))
	assert.Equal(t, 1000, CodeOf(stderrors.New("plain")))

	wrapped := fmt.Errorf("x: %w", ErrNotFound.WithMessage("会话不存在"))
	e := From(wrapped)
	require.NotNil(t, e)
	assert.Equal(t, "会话不存在", e.Message)
	assert.Equal(t, 1004, CodeOf(wrapped))
}
