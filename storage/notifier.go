package storage

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"planning-api/domain"
)

// DefaultBoardChannel is the Redis channel board changes are published to.
const DefaultBoardChannel = "planning-board"

// RedisNotifier publishes committed board changes on a Redis channel so other
// instances and live views can refresh.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier returns a notifier publishing to channel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultBoardChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Publish sends the change as JSON.
func (n *RedisNotifier) Publish(ctx context.Context, change domain.BoardChange) error {
	payload, err := sonic.Marshal(change)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}
