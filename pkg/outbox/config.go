package outbox

import "fmt"

// 投递驱动
const (
	DriverNoop  = "noop"
	DriverKafka = "kafka"
	DriverAMQP  = "amqp"
)

// Config sink 配置
type Config struct {
	Driver string
	Topic  string // kafka topic

	KafkaBrokers  []string
	KafkaClientID string

	AMQPURL      string
	AMQPExchange string
}

// OpenSink 按驱动创建 sink
func OpenSink(cfg *Config) (Sink, error) {
	if cfg == nil {
		return NoopSink{}, nil
	}
	switch cfg.Driver {
	case "", DriverNoop:
		return NoopSink{}, nil
	case DriverKafka:
		return NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaClientID, cfg.Topic)
	case DriverAMQP:
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("outbox: amqp url required")
		}
		return NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return nil, fmt.Errorf("outbox: unsupported driver %q", cfg.Driver)
	}
}
