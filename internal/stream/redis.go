package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kylemclaren/device-tasks/internal/logging"
)

// RedisRelay carries task updates between processes.
//
// Workers publish to Redis; the API process runs Relay to copy every
// message into its local Hub for websocket clients.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

// NewRedisRelay uses the Redis channel <prefix>:task_updates
func NewRedisRelay(client *redis.Client, prefix string, logger *logging.Logger) *RedisRelay {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RedisRelay{
		client:  client,
		channel: prefix + ":" + Channel,
		logger:  logger.With("component", "stream-relay"),
	}
}

// Publish sends msg to Redis
func (r *RedisRelay) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.channel, err)
	}
	return nil
}

// Relay copies messages from Redis into hub until ctx is done.
// It returns once the subscription is active; the copying runs in the background.
func (r *RedisRelay) Relay(ctx context.Context, hub *Hub) error {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("relaying task updates", "channel", r.channel)

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					r.logger.Warn("relay subscription closed")
					return
				}
				hub.Broadcast([]byte(msg.Payload))
			}
		}
	}()
	return nil
}
