package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts keyed by symbol, so one symbol's alerts stay
// ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a synchronous writer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}, topic)
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, alert domain.Alert) (dispatch.Ack, error) {
	value, err := json.Marshal(alert)
	if err != nil {
		return dispatch.Ack{}, fmt.Errorf("failed to marshal alert: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.Symbol),
		Value: value,
		Time:  alert.EmittedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(alert.Kind)},
			{Key: "alert_id", Value: []byte(alert.ID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return dispatch.Ack{}, fmt.Errorf("failed to publish alert to %s: %w", s.topic, err)
	}
	return dispatch.Ack{AlertID: alert.ID, Sink: s.Name(), At: time.Now()}, nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
