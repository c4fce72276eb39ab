// Package broadcast emits realtime events. Delivery is advisory; the core
// never awaits an outcome beyond the publish call itself.
package broadcast

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/waraqaweb/billingcore/internal/config"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type redisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func (p *redisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

type noopPublisher struct {
	log *zap.Logger
}

func (p *noopPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.log.Debug("broadcast skipped", zap.String("channel", channel))
	return nil
}

// NewPublisher returns a redis pub/sub publisher, or a no-op one when no
// redis address is configured.
func NewPublisher(cfg config.Config, log *zap.Logger) Publisher {
	log = log.Named("broadcast")
	if cfg.RedisAddr == "" {
		return &noopPublisher{log: log}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return &redisPublisher{client: client, log: log}
}
