package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Delivery is one encoded event addressed to a channel group.
type Delivery struct {
	ChannelID uuid.UUID       `json:"channel_id"`
	EventName string          `json:"event"`
	Frame     json.RawMessage `json:"frame"`
}

// Backplane fans events out across hub instances. Every instance, the
// publisher included, delivers what it receives to its local group.
type Backplane interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe returns once the subscription is live. The channel is
	// closed when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}

const DefaultBackplaneTopic = "huddle:hub:events"

// RedisBackplane carries deliveries over one Redis pub/sub topic. Redis
// keeps publish order per connection, so a channel's events (published
// under the hub's per-channel lock) arrive in order on every instance.
type RedisBackplane struct {
	client *redis.Client
	topic  string
	logger *zap.Logger
}

func NewRedisBackplane(client *redis.Client, topic string, logger *zap.Logger) *RedisBackplane {
	if topic == "" {
		topic = DefaultBackplaneTopic
	}
	return &RedisBackplane{client: client, topic: topic, logger: logger}
}

func (b *RedisBackplane) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := b.client.Publish(ctx, b.topic, payload).Err(); err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	sub := b.client.Subscribe(ctx, b.topic)
	// The first Receive returns the subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}

	out := make(chan Delivery, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(m.Payload), &d); err != nil {
					b.logger.Warn("dropping malformed backplane payload", zap.Error(err))
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
