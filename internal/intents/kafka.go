package intents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter returns a synchronous writer so a failed write reaches the caller.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Zstd,
	}
}

// KafkaSink writes intents keyed by obligation, so every intent for one obligation
// lands on the same partition in order.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Emit(ctx context.Context, in Intent) (Receipt, error) {
	data, err := in.Marshal()
	if err != nil {
		return Receipt{}, err
	}
	msg := kafka.Message{
		Key:   []byte(in.Obligation.String()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "intent-id", Value: []byte(in.ID)},
		},
		Time: in.CreatedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return Receipt{}, fmt.Errorf("failed to send intent to Kafka: %w", err)
	}
	return Receipt{Sink: s.Name(), Ref: in.ID}, nil
}
