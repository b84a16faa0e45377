package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Level 与 zapcore.Level 数值一致
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
	DPanicLevel
	PanicLevel
	FatalLevel
)

func (l Level) String() string {
	return zapcore.Level(l).String()
}

func (l Level) zap() zapcore.Level { return zapcore.Level(l) }

// ParseLevel 解析配置中的级别字符串，空串视为 info
func ParseLevel(text string) (Level, error) {
	switch s := strings.ToLower(strings.TrimSpace(text)); s {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	default:
		var zl zapcore.Level
		if err := zl.UnmarshalText([]byte(s)); err != nil {
			return InfoLevel, fmt.Errorf("logger: unknown level %q", text)
		}
		return Level(zl), nil
	}
}
