package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.ExporterType = "otlpgrpc"
	require.NoError(t, cfg.Validate())

	cfg.ExporterType = "zipkin"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.SamplingRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ServiceName = ""
	assert.Error(t, cfg.Validate())
}

func TestNewSampler(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER", "")

	cfg := DefaultConfig()
	cfg.SamplingType = "never"
	assert.Equal(t, sdktrace.NeverSample().Description(), newSampler(cfg).Description())

	cfg.SamplingType = "always"
	assert.Equal(t, sdktrace.AlwaysSample().Description(), newSampler(cfg).Description())
}

func TestNewSampler_FromEnv(t *testing.T) {
	t.Setenv("OTEL_TRACES_SAMPLER", "traceidratio")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	s := newSampler(DefaultConfig())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), s.Description())
}

func TestNewTracerProvider_Noop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	tp, err := NewTracerProvider(cfg)
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, Shutdown(context.Background()))
	// 重复关闭无副作用
	assert.NoError(t, Shutdown(context.Background()))
}

func TestEnvSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), envSampler("always_off", "").Description())
	assert.Equal(t,
		sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1)).Description(),
		envSampler("parentbased_traceidratio", "2").Description())
	assert.Equal(t,
		sdktrace.ParentBased(sdktrace.AlwaysSample()).Description(),
		envSampler("jaeger_remote", "").Description())
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "message.post")
	SetAttributes(span, map[string]any{
		"conversation.id": "c1",
		"message.length":  5,
		"ai":              true,
	})
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Contains(t, ended[0].Attributes(), attribute.String("conversation.id", "c1"))
	assert.Contains(t, ended[0].Attributes(), attribute.Int("message.length", 5))
	assert.Contains(t, ended[0].Attributes(), attribute.Bool("ai", true))
	assert.Len(t, ended[0].Events(), 1)
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	assert.NotNil(t, ctx)
}
