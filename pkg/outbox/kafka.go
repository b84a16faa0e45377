package outbox

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaSink 以会话 ID 为分区键写入 Kafka，同一会话的事件保持顺序
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink 连接 brokers 创建同步生产者
func NewKafkaSink(brokers []string, clientID, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: kafka brokers required")
	}
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("outbox: kafka producer: %w", err)
	}
	return NewKafkaSinkWithProducer(p, topic), nil
}

// NewKafkaSinkWithProducer 使用已有生产者
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Send(_ context.Context, ev Event, body []byte) error {
	_, _, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(ev.Key),
		Value:     sarama.ByteEncoder(body),
		Timestamp: ev.Time,
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
			{Key: []byte("event_id"), Value: []byte(ev.ID)},
		},
	})
	return err
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
