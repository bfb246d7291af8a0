// utils/kafka.go
package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventMessage is one record bound for the event topic.
type EventMessage struct {
	Type  string
	Key   string
	Value []byte
}

type KafkaWriter struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaWriter(brokers []string, topic string) (*KafkaWriter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka writer requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka writer requires a topic")
	}
	return &KafkaWriter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		topic: topic,
	}, nil
}

// Write sends a batch; messages sharing a key land on the same partition in order.
func (w *KafkaWriter) Write(ctx context.Context, msgs ...EventMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{
			Key:     []byte(m.Key),
			Value:   m.Value,
			Time:    now,
			Headers: []kafka.Header{{Key: "event-type", Value: []byte(m.Type)}},
		})
	}
	if err := w.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("write %d message(s) to %s: %w", len(out), w.topic, err)
	}
	return nil
}

func (w *KafkaWriter) Close() error {
	return w.writer.Close()
}
