package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type EventHandler interface {
	HandleAbuseEvent(ctx context.Context, event *AbuseEvent) error
}

// Consumer drains the abuse-events topic; the production handler
// writes events into the durable audit repository.
type Consumer struct {
	reader  *kafka.Reader
	handler EventHandler
	logger  *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, handler EventHandler, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger.Named("kafka"),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				msg, err := c.reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Error("reading message", zap.Error(err))
					continue
				}

				var event AbuseEvent
				if err := json.Unmarshal(msg.Value, &event); err != nil {
					c.logger.Error("unmarshaling event", zap.Error(err))
					continue
				}

				if err := c.handler.HandleAbuseEvent(ctx, &event); err != nil {
					c.logger.Error("handling event", zap.String("id", event.ID), zap.Error(err))
				}
			}
		}
	}()
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
