package orm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"

	"github.com/tokmz/qchat/pkg/logger"
)

type row struct {
	ID   uint
	Name string
}

func TestNew_SQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "orm.db")
	cfg.Tracing = true

	db, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&row{}))
	require.NoError(t, db.Create(&row{Name: "alice"}).Error)

	var got row
	require.NoError(t, db.First(&got, "name = ?", "alice").Error)
	assert.Equal(t, "alice", got.Name)

	_, ok := db.Plugins["otelgorm"]
	assert.True(t, ok)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(&Config{Type: SQLite})
	assert.Error(t, err)

	_, err = New(&Config{Type: "oracle", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestPolicy(t *testing.T) {
	assert.Equal(t, dbresolver.RandomPolicy{}, policy(""))
	assert.NotNil(t, policy("round_robin"))
	assert.Equal(t, 5, pick(0, 5))
	assert.Equal(t, 2, pick(2, 5))
}

func TestNew_Replicas(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(dir, "primary.db")
	cfg.ReadWriteSplit = &ReadWriteSplitConfig{Sources: []string{filepath.Join(dir, "replica.db")}, Policy: "round_robin"}

	db, err := New(cfg)
	require.NoError(t, err)
	_, ok := db.Plugins["gorm:db_resolver"]
	assert.True(t, ok)

	cfg.ReadWriteSplit = &ReadWriteSplitConfig{}
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestTracingPlugin_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "traced.db")
	cfg.Tracing = true
	cfg.TraceSQL = true
	db, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&row{}))

	ctx, parent := tp.Tracer("test").Start(context.Background(), "post")
	require.NoError(t, db.WithContext(ctx).Create(&row{Name: "bob"}).Error)
	err = db.WithContext(ctx).First(&row{}, "name = ?", "nobody").Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	parent.End()

	var create, query sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		switch s.Name() {
		case "gorm.create":
			create = s
		case "gorm.query":
			query = s
		}
	}
	require.NotNil(t, create)
	require.NotNil(t, query)
	assert.Equal(t, parent.SpanContext().TraceID(), create.SpanContext().TraceID())
	assert.Contains(t, create.Attributes(), attribute.String("db.table", "rows"))
	// 未命中不标记失败
	assert.NotEqual(t, codes.Error, query.Status().Code)
}

type countHook struct{ levels []zapcore.Level }

func (h *countHook) OnWrite(e zapcore.Entry, _ []zapcore.Field) error {
	h.levels = append(h.levels, e.Level)
	return nil
}

func TestGormLogger_Trace(t *testing.T) {
	hook := &countHook{}
	l, err := logger.NewWithOptions(
		logger.WithLevel(logger.DebugLevel),
		logger.WithFileOutput(filepath.Join(t.TempDir(), "gorm.log")),
		logger.WithHook(hook),
	)
	require.NoError(t, err)

	gl := newLogger(&Config{Logger: l, LogLevel: int(gormlogger.Warn), SlowThreshold: 10 * time.Millisecond})
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	// 快查询在 Warn 级别不输出
	gl.Trace(ctx, time.Now(), fc, nil)
	assert.Empty(t, hook.levels)

	gl.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	require.Len(t, hook.levels, 1)
	assert.Equal(t, zapcore.WarnLevel, hook.levels[0])

	// Silent 不输出任何内容
	gl.LogMode(gormlogger.Silent).Trace(ctx, time.Now().Add(-time.Second), fc, assert.AnError)
	assert.Len(t, hook.levels, 1)
}
