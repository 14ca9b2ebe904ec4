package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a Bus over Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client  *redis.Client
	channel string
	closed  atomic.Bool
	ready   chan struct{}
	once    sync.Once
}

// RedisOption configures a Redis bus.
type RedisOption func(*Redis)

// WithChannel overrides the pub/sub channel name.
func WithChannel(name string) RedisOption {
	return func(r *Redis) {
		r.channel = name
	}
}

// NewRedis creates a Redis bus. The client is not closed by Close.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		channel: Channel,
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish sends frame to every subscribed replica.
func (r *Redis) Publish(ctx context.Context, frame []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, r.channel, frame).Err(); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Ready is closed once the first subscription is confirmed by Redis.
func (r *Redis) Ready() <-chan struct{} {
	return r.ready
}

// Subscribe delivers frames to fn until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, fn func(frame []byte)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so no frame published after
	// Subscribe starts is lost.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", r.channel, err)
	}
	r.once.Do(func() { close(r.ready) })
	log.Info().Str("module", "bus").Str("channel", r.channel).Msg("subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn([]byte(msg.Payload))
		}
	}
}

// Close stops publishing.
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}
