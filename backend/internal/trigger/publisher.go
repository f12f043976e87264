package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ezra-knowledge/backend/pkg/logger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher announces chat turns to the pipeline
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates a publisher for a topic
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		logger: logger.Named("trigger"),
	}
}

// Publish sends an event keyed by context so one context's turns stay on one
// partition and are seen in order
func (p *Publisher) Publish(ctx context.Context, ev ChatTurnEvent) error {
	msg, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to write chat turn to Kafka",
			zap.Error(err),
			zap.String("topic", p.writer.Topic),
			zap.String("context_id", ev.ContextID),
		)
		return fmt.Errorf("failed to publish chat turn: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// EncodeEvent builds the Kafka message for an event
func EncodeEvent(ev ChatTurnEvent) (kafka.Message, error) {
	if ev.ContextID == "" {
		return kafka.Message{}, fmt.Errorf("chat turn event without context_id")
	}
	if ev.SentAt.IsZero() {
		ev.SentAt = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode chat turn event: %w", err)
	}
	return kafka.Message{Key: []byte(ev.ContextID), Value: value}, nil
}
