package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every message as JSON. Alerts are keyed by token so
// one token's alerts stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: messageKey(msg), Value: b})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func messageKey(msg Message) []byte {
	if msg.Alert != nil {
		return []byte(strconv.FormatUint(msg.Alert.TokenID, 10))
	}
	if msg.Venue != "" {
		return []byte(msg.Venue)
	}
	return []byte(msg.Kind)
}
