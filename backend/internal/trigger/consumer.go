package trigger

import (
	"context"
	"errors"
	"sync"

	"ezra-knowledge/backend/pkg/logger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Notifier receives analysis requests. *pipeline.Scheduler satisfies it.
type Notifier interface {
	Notify(contextID string) bool
	Trigger(contextID string) bool
}

// Handler turns chat-turn messages into scheduler notifications
type Handler struct {
	notifier Notifier
	logger   *zap.Logger
}

// NewHandler creates a message handler
func NewHandler(notifier Notifier) *Handler {
	return &Handler{notifier: notifier, logger: logger.Named("trigger")}
}

// Handle processes one message. Malformed payloads are reported and skipped
// so they are committed rather than redelivered forever.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		return err
	}

	var queued bool
	if ev.Force {
		queued = h.notifier.Trigger(ev.ContextID)
	} else {
		queued = h.notifier.Notify(ev.ContextID)
	}

	h.logger.Debug("Chat turn received",
		zap.String("context_id", ev.ContextID),
		zap.Int("message_count", ev.MessageCount),
		zap.String("user_id", ev.UserID),
		zap.Bool("force", ev.Force),
		zap.Bool("queued", queued),
	)
	return nil
}

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads chat-turn events from Kafka
type Consumer struct {
	reader  *kafka.Reader
	handler *Handler
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer in a consumer group
func NewConsumer(cfg ConsumerConfig, handler *Handler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger.Named("trigger"),
	}
}

// Start consumes until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("Kafka chat turn consumer started", zap.String("topic", c.reader.Config().Topic))
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					c.logger.Info("Stopping Kafka chat turn consumer")
					return
				}
				c.logger.Error("Error fetching message from Kafka", zap.Error(err))
				continue
			}

			if err := c.handler.Handle(ctx, msg); err != nil {
				c.logger.Warn("Skipping chat turn message",
					zap.Error(err),
					zap.String("topic", msg.Topic),
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
				)
			}

			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.Error("Failed to commit Kafka message", zap.Error(err))
			}
		}
	}()
}

// Close stops reading and waits for the consume loop to exit
func (c *Consumer) Close() error {
	err := c.reader.Close()
	c.wg.Wait()
	return err
}
