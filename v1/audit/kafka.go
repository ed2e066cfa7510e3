package audit

import (
	"context"
	"encoding/json"

	sarama "github.com/IBM/sarama"
)

// DefaultTopic is the Kafka topic lease events are written to.
const DefaultTopic = "lease-audit"

// KafkaSink publishes events to a Kafka topic. Messages are keyed by lock
// key so events of one lock stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to the given brokers.
func NewKafkaSink(brokers []string, cfg *sarama.Config, topic string) (*KafkaSink, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaSinkFromProducer(producer, topic), nil
}

// NewKafkaSinkFromProducer wraps an existing producer. An empty topic uses
// DefaultTopic.
func NewKafkaSinkFromProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{producer: producer, topic: topic}
}

// Record implements Sink.Record.
func (k *KafkaSink) Record(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(evt.Key),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}

// Close releases the underlying producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
