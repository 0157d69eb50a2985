package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports every workflow event to a Kafka topic, keyed by request
// id so one request's events stay ordered within a partition.
type KafkaSink struct {
	w       MessageWriter
	timeout time.Duration
	log     zerolog.Logger
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	// Writers are safe for concurrent use
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewKafkaSink wraps w.
func NewKafkaSink(w MessageWriter, log zerolog.Logger) *KafkaSink {
	return &KafkaSink{w: w, timeout: 2 * time.Second, log: log.With().Str("component", "kafka_sink").Logger()}
}

// Handle is a bus Handler. Failures are logged; the export is best-effort.
func (s *KafkaSink) Handle(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		s.log.Warn().Err(err).Str("event_id", e.ID).Msg("failed to marshal event")
		return
	}

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err = s.w.WriteMessages(wctx, kafka.Message{
		Key:   []byte(e.RequestID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		s.log.Warn().Err(err).
			Str("event_id", e.ID).
			Str("event_type", string(e.Type)).
			Msg("failed to export event to kafka (non-fatal)")
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error { return s.w.Close() }
