package orm

import (
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// tracingPlugin 每条语句一个 client span，父 span 来自 db.WithContext
type tracingPlugin struct {
	withSQL bool
}

func (p *tracingPlugin) Name() string { return "otelgorm" }

// hook gorm 回调链上的注册点
type hook interface {
	Register(name string, fn func(*gorm.DB)) error
}

func (p *tracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	points := map[string][2]hook{
		"create": {cb.Create().Before("gorm:create"), cb.Create().After("gorm:create")},
		"query":  {cb.Query().Before("gorm:query"), cb.Query().After("gorm:query")},
		"update": {cb.Update().Before("gorm:update"), cb.Update().After("gorm:update")},
		"delete": {cb.Delete().Before("gorm:delete"), cb.Delete().After("gorm:delete")},
		"row":    {cb.Row().Before("gorm:row"), cb.Row().After("gorm:row")},
		"raw":    {cb.Raw().Before("gorm:raw"), cb.Raw().After("gorm:raw")},
	}
	for op, h := range points {
		if err := h[0].Register("otel:start_"+op, p.start(op)); err != nil {
			return err
		}
		if err := h[1].Register("otel:end_"+op, p.end); err != nil {
			return err
		}
	}
	return nil
}

func (p *tracingPlugin) start(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.Context == nil {
			return
		}
		// provider 可能晚于 gorm 初始化，每次取全局 tracer
		ctx, _ := otel.Tracer("qchat.orm").Start(db.Statement.Context, "gorm."+op,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", db.Dialector.Name()),
				attribute.String("db.operation", op),
			),
		)
		db.Statement.Context = ctx
	}
}

func (p *tracingPlugin) end(db *gorm.DB) {
	if db.Statement.Context == nil {
		return
	}
	span := trace.SpanFromContext(db.Statement.Context)
	if !span.IsRecording() {
		return
	}
	defer span.End()

	attrs := []attribute.KeyValue{attribute.Int64("db.rows_affected", db.Statement.RowsAffected)}
	if t := db.Statement.Table; t != "" {
		attrs = append(attrs, attribute.String("db.table", t))
	}
	if p.withSQL {
		attrs = append(attrs, attribute.String("db.statement", db.Statement.SQL.String()))
	}
	span.SetAttributes(attrs...)

	// 未命中不是故障
	if err := db.Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
