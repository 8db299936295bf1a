package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/HookRelay/internal/app/model"
	"go.uber.org/zap"
)

const (
	consumerFetchBatch = 10
	consumerFetchWait  = 5 * time.Second
)

// StatSink receives decoded delivery events.
type StatSink interface {
	Enqueue(event model.DeliveryEvent) bool
}

// StatConsumer consumes delivery events from NATS JetStream
type StatConsumer struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	sink   StatSink
	done   chan struct{}
}

// NewStatConsumer creates a new delivery event consumer
func NewStatConsumer(js nats.JetStreamContext, logger *zap.Logger, sink StatSink) *StatConsumer {
	return &StatConsumer{js: js, logger: logger, sink: sink, done: make(chan struct{})}
}

// Start ensures the stream and durable consumer exist and begins consuming
// until ctx is cancelled.
func (c *StatConsumer) Start(ctx context.Context) error {
	// Create stream if not exists
	_, err := c.js.StreamInfo(model.DeliveryStreamName)
	if err != nil {
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:     model.DeliveryStreamName,
			Subjects: []string{model.DeliveryStreamSubject},
			MaxBytes: model.DeliveryStreamMaxBytes,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	// Create consumer if not exists
	_, err = c.js.ConsumerInfo(model.DeliveryStreamName, model.DeliveryConsumerName)
	if err != nil {
		_, err = c.js.AddConsumer(model.DeliveryStreamName, &nats.ConsumerConfig{
			Durable:   model.DeliveryConsumerName,
			AckPolicy: nats.AckExplicitPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := c.js.PullSubscribe(model.DeliveryStreamSubject, model.DeliveryConsumerName)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go c.consume(ctx, sub)
	return nil
}

// Done is closed once the consume loop has exited.
func (c *StatConsumer) Done() <-chan struct{} {
	return c.done
}

func (c *StatConsumer) consume(ctx context.Context, sub *nats.Subscription) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			c.logger.Info("stat consumer stopped")
			return
		}

		msgs, err := sub.Fetch(consumerFetchBatch, nats.MaxWait(consumerFetchWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				c.logger.Info("stat consumer subscription closed", zap.Error(err))
				return
			}
			c.logger.Error("failed to fetch messages", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			c.handle(msg)
		}
	}
}

func (c *StatConsumer) handle(msg *nats.Msg) {
	var event model.DeliveryEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.Error("failed to unmarshal delivery event", zap.Error(err))
		// Redelivery cannot fix a bad payload.
		_ = msg.Term()
		return
	}

	if !c.sink.Enqueue(event) {
		_ = msg.Nak()
		return
	}

	c.logger.Debug("delivery event queued",
		zap.String("id", event.ID),
		zap.String("path", event.Path),
		zap.Time("timestamp", event.Timestamp),
	)
	_ = msg.Ack()
}
