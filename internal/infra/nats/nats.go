package natsclient

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/HookRelay/config"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 5 * time.Second
	reconnectWait         = 2 * time.Second
	maxReconnects         = -1
	asyncPublishPending   = 256
)

// Connect creates a NATS connection (with JetStream available) using application config.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Timeout(defaultConnectTimeout),
		nats.Name("hookrelay"),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	url := BuildURL(cfg)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := conn.JetStream(
		nats.PublishAsyncMaxPending(asyncPublishPending),
		nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
			logger.Warn("nats async publish failed", zap.String("subject", msg.Subject), zap.Error(err))
		}),
	)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: init jetstream: %w", err)
	}

	return conn, js, nil
}

// BuildURL returns the server URL, filling in localhost:4222 defaults.
func BuildURL(cfg config.NATSConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 4222
	}
	return fmt.Sprintf("nats://%s:%d", host, port)
}
