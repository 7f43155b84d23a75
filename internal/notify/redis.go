package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const RedisChannel = "chaitrack:changes"

// RedisBus shares change events between server instances over Redis
// pub/sub. Every instance, the publisher included, receives each event.
type RedisBus struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisBus(client *redis.Client, log zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, RedisChannel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, RedisChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Msg("drop malformed change event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (b *RedisBus) Close() error {
	return nil
}
