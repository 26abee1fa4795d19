package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes events as JSON on a Redis pub/sub channel so that
// indexers and notifiers can follow the ledger.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, string(data)).Err(); err != nil {
		p.log.Warn("redis publish failed", zap.String("event", event.Type), zap.Error(err))
		return err
	}
	return nil
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Info("redis connected", zap.String("addr", opts.Addr))
	return client, nil
}
