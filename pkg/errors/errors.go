// Package errors 业务错误码。
//
// 预定义错误是只读模板，WithError/WithMessage/Wrapf 均返回副本。
// 两个 *Error 只要 Code 相同即视为同一类错误，便于跨层 errors.Is 判定。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error 带错误码的业务错误
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	HttpCode int    `json:"-"`
	Err      error  `json:"-"` // cause
}

// New 创建错误模板，httpCode 缺省为 200
func New(code int, message string, httpCode ...int) *Error {
	e := &Error{Code: code, Message: message, HttpCode: http.StatusOK}
	if len(httpCode) > 0 {
		e.HttpCode = httpCode[0]
	}
	return e
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 同码即相等，否则沿 cause 继续比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Code == e.Code
	}
	return errors.Is(e.Err, target)
}

// WithError 附带 cause
func (e *Error) WithError(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// WithMessage 替换对外信息
func (e *Error) WithMessage(message string) *Error {
	cp := *e
	cp.Message = message
	return &cp
}

// Wrapf 以 tpl 为模板附带 cause，format 非空时覆盖信息
func Wrapf(tpl *Error, err error, format string, args ...any) *Error {
	e := tpl.WithError(err)
	if format != "" {
		e.Message = fmt.Sprintf(format, args...)
	}
	return e
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// From 取错误链上第一个 *Error
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf 错误码，链上没有 *Error 时按服务器错误处理
func CodeOf(err error) int {
	if e := From(err); e != nil {
		return e.Code
	}
	return ErrServer.Code
}
