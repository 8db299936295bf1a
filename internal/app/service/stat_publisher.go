package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/HookRelay/internal/app/model"
	"go.uber.org/zap"
)

type asyncPublisher interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

// StatPublisher publishes delivery events to NATS JetStream
type StatPublisher struct {
	js     asyncPublisher
	logger *zap.Logger
}

// NewStatPublisher creates a new delivery event publisher
func NewStatPublisher(js asyncPublisher, logger *zap.Logger) *StatPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatPublisher{js: js, logger: logger}
}

// Record publishes without waiting for the stream ack.
func (p *StatPublisher) Record(path, guildID string, fanout int) {
	if err := p.Publish(path, guildID, fanout); err != nil {
		p.logger.Warn("failed to publish delivery event",
			zap.String("path", path),
			zap.String("guild_id", guildID),
			zap.Error(err),
		)
	}
}

// Publish publishes a delivery event to the stream
func (p *StatPublisher) Publish(path, guildID string, fanout int) error {
	event := model.DeliveryEvent{
		ID:        uuid.New().String(),
		Path:      path,
		GuildID:   guildID,
		Fanout:    fanout,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = p.js.PublishAsync(model.DeliveryStreamSubject, data, nats.MsgId(event.ID))
	return err
}
