// Package logger 基于 zap 的结构化日志。
//
// *Context 方法从 context.Context 提取 trace_id、span_id、uid、conn_id，
// websocket 会话与 HTTP 请求共用同一套字段名。
package logger

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	DPanic(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)

	DebugContext(ctx context.Context, msg string, fields ...zap.Field)
	InfoContext(ctx context.Context, msg string, fields ...zap.Field)
	WarnContext(ctx context.Context, msg string, fields ...zap.Field)
	ErrorContext(ctx context.Context, msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger
	WithContext(ctx context.Context) Logger
	Sync() error
	SetLevel(level Level)
	Level() Level
}

type logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel // 子 Logger 共享
}

// New 按配置创建 Logger，nil 使用默认值（json 输出到 stdout）
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()

	ws, err := openOutputs(cfg)
	if err != nil {
		return nil, err
	}

	atom := zap.NewAtomicLevelAt(cfg.Level.zap())
	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.NewMultiWriteSyncer(ws...), atom)
	if len(cfg.Hooks) > 0 {
		core = &hookCore{Core: core, hooks: cfg.Hooks}
	}
	// 采样在 Hook 之外，被丢弃的条目不触发 Hook
	if s := cfg.Sampling; s != nil {
		core = zapcore.NewSamplerWithOptions(core, time.Second, s.Initial, s.Thereafter)
	}

	var opts []zap.Option
	if cfg.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if cfg.Stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return &logger{zap: zap.New(core, opts...), level: atom}, nil
}

// NewWithOptions 以 Option 组装配置
func NewWithOptions(opts ...Option) (Logger, error) {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	return New(cfg)
}

// Nop 丢弃全部输出
func Nop() Logger {
	return &logger{zap: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

func newEncoder(f Format) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if f == ConsoleFormat {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func openOutputs(cfg *Config) ([]zapcore.WriteSyncer, error) {
	var ws []zapcore.WriteSyncer
	if cfg.Console {
		ws = append(ws, zapcore.Lock(os.Stdout))
	}
	if cfg.File != "" {
		w, _, err := zap.Open(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("logger: open %s: %w", cfg.File, err)
		}
		ws = append(ws, w)
	}
	if r := cfg.Rotate; r != nil {
		ws = append(ws, zapcore.AddSync(&lumberjack.Logger{
			Filename:   r.Filename,
			MaxSize:    r.MaxSize,
			MaxAge:     r.MaxAge,
			MaxBackups: r.MaxBackups,
			LocalTime:  r.LocalTime,
			Compress:   r.Compress,
		}))
	}
	return ws, nil
}

func (l *logger) Debug(msg string, fields ...zap.Field)  { l.zap.Debug(msg, fields...) }
func (l *logger) Info(msg string, fields ...zap.Field)   { l.zap.Info(msg, fields...) }
func (l *logger) Warn(msg string, fields ...zap.Field)   { l.zap.Warn(msg, fields...) }
func (l *logger) Error(msg string, fields ...zap.Field)  { l.zap.Error(msg, fields...) }
func (l *logger) DPanic(msg string, fields ...zap.Field) { l.zap.DPanic(msg, fields...) }
func (l *logger) Fatal(msg string, fields ...zap.Field)  { l.zap.Fatal(msg, fields...) }

func (l *logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, append(contextFields(ctx), fields...)...)
}

func (l *logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, append(contextFields(ctx), fields...)...)
}

func (l *logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, append(contextFields(ctx), fields...)...)
}

func (l *logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, append(contextFields(ctx), fields...)...)
}

func (l *logger) With(fields ...zap.Field) Logger {
	return &logger{zap: l.zap.With(fields...), level: l.level}
}

// WithContext 把上下文字段固化到子 Logger，会话生命周期内复用
func (l *logger) WithContext(ctx context.Context) Logger {
	return l.With(contextFields(ctx)...)
}

func (l *logger) Sync() error          { return l.zap.Sync() }
func (l *logger) SetLevel(level Level) { l.level.SetLevel(level.zap()) }
func (l *logger) Level() Level         { return Level(l.level.Level()) }

func contextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("trace_id", v))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields, zap.String("span_id", sc.SpanID().String()))
	}
	if v, ok := ctx.Value(uidKey).(int64); ok && v != 0 {
		fields = append(fields, zap.Int64("uid", v))
	}
	if v, ok := ctx.Value(connIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("conn_id", v))
	}
	return fields
}

// hookCore 写出前依次调用 Hook
type hookCore struct {
	zapcore.Core
	hooks []Hook
}

func (c *hookCore) With(fields []zapcore.Field) zapcore.Core {
	return &hookCore{Core: c.Core.With(fields), hooks: c.hooks}
}

func (c *hookCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *hookCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	for _, h := range c.hooks {
		if err := h.OnWrite(e, fields); err != nil {
			return err
		}
	}
	return c.Core.Write(e, fields)
}
