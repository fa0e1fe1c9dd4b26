package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher fans engine events out over Redis pub/sub. Delivery is
// fire-and-forget: settlement correctness never depends on a consumer
// seeing an event.
type RedisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisPublisher(client *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, stream string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, stream, string(data)).Err(); err != nil {
		p.log.Warn("event publish failed",
			zap.String("stream", stream),
			zap.String("type", event.Type),
			zap.Error(err),
		)
		return err
	}
	return nil
}

type RedisSubscriber struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, log *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, log: log}
}

// Subscribe pumps events from the stream into handler until ctx is done.
// Malformed payloads are dropped with a log line, not fatal: the stream is
// shared with external publishers.
func (s *RedisSubscriber) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	pubsub := s.client.Subscribe(ctx, stream)
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.log.Warn("dropping malformed event",
						zap.String("stream", stream),
						zap.Error(err),
					)
					continue
				}
				handler(event)
			}
		}
	}()

	return nil
}
