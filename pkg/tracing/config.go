package tracing

import (
	"time"

	"github.com/tokmz/qchat/pkg/errors"
)

// ErrInvalidConfig 配置不合法
var ErrInvalidConfig = errors.New(3201, "tracing invalid config", 500)

// 导出器
const (
	ExporterOTLP     = "otlp" // OTLP/HTTP
	ExporterOTLPGRPC = "otlpgrpc"
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

// Config 链路追踪配置
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	ExporterType     string
	ExporterEndpoint string            // 为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT
	ExporterHeaders  map[string]string // 认证头
	Insecure         bool

	// always / never / ratio / parent_based，设置 OTEL_TRACES_SAMPLER 时以环境变量为准
	SamplingType string
	SamplingRate float64

	// false 时仍安装 provider，但不导出
	Enabled bool

	ResourceAttributes map[string]string

	BatchTimeout       time.Duration
	MaxExportBatchSize int
	MaxQueueSize       int
}

// DefaultConfig 不导出，按父 span 决策全量采样
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "qchat",
		Environment:        "development",
		ExporterType:       ExporterNoop,
		SamplingType:       "parent_based",
		SamplingRate:       1.0,
		Enabled:            true,
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// Validate 检查服务名、采样率与导出器
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return ErrInvalidConfig.WithMessage("tracing: service name is required")
	case c.SamplingRate < 0 || c.SamplingRate > 1:
		return ErrInvalidConfig.WithMessage("tracing: sampling rate must be within [0, 1]")
	}
	if _, ok := exporters[c.ExporterType]; !ok {
		return ErrInvalidConfig.WithMessage("tracing: unknown exporter " + c.ExporterType)
	}
	return nil
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	if c.MaxExportBatchSize <= 0 {
		c.MaxExportBatchSize = def.MaxExportBatchSize
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.ExporterType == "" {
		c.ExporterType = ExporterNoop
	}
}
