package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/trip-tracking/internal/models"
)

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink is a SnapshotStore that publishes snapshots to a topic instead
// of writing them directly. cmd/consumer drains the topic into Postgres.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 2 * time.Second}
}

// Append publishes s keyed by trip id so one trip's snapshots stay on one
// partition.
func (k *KafkaSink) Append(ctx context.Context, s models.LocationSnapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", models.ErrStoreUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.TripID), Value: b}); err != nil {
		return fmt.Errorf("%w: publish snapshot %s: %v", models.ErrStoreUnavailable, s.TripID, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeSnapshot parses a message value produced by Append.
func DecodeSnapshot(value []byte) (models.LocationSnapshot, error) {
	var s models.LocationSnapshot
	if err := json.Unmarshal(value, &s); err != nil {
		return s, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	if s.TripID == "" || s.RecordedAt.IsZero() {
		return s, fmt.Errorf("%w: snapshot missing trip id or recorded time", models.ErrInvalidPayload)
	}
	return s, nil
}
