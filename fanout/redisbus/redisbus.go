// Package redisbus is a fanout.Bus on Redis Pub/Sub.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/sportstream-go/fanout"
	"github.com/redis/go-redis/v9"
)

// DefaultTopic is the Pub/Sub channel used when Config.Topic is empty.
const DefaultTopic = "sportstream:fanout"

// Config configures the bus.
type Config struct {
	Client redis.UniversalClient
	Topic  string
	Logger *slog.Logger
}

// Bus publishes msgpack envelopes on a single Redis Pub/Sub channel.
type Bus struct {
	client redis.UniversalClient
	topic  string
	log    *slog.Logger
}

// New creates a bus. The client is required.
func New(cfg Config) (*Bus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bus{client: cfg.Client, topic: cfg.Topic, log: cfg.Logger}, nil
}

func (b *Bus) Publish(ctx context.Context, m fanout.Message) error {
	payload, err := fanout.Encode(m)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, h fanout.Handler) error {
	sub := b.client.Subscribe(ctx, b.topic)
	defer func() {
		_ = sub.Close()
	}()
	// Wait for the subscription confirmation so nothing published after
	// Subscribe starts delivering is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.topic, err)
	}
	b.log.DebugContext(ctx, "fanout.subscribe.ok", slog.String("topic", b.topic))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fanout.ErrClosed
			}
			m, err := fanout.Decode([]byte(msg.Payload))
			if err != nil {
				b.log.WarnContext(ctx, "fanout.decode.fail", slog.String("err", err.Error()))
				continue
			}
			if err := h(ctx, m); err != nil {
				return err
			}
		}
	}
}

// Ping checks connectivity for health reporting.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}

var _ fanout.Bus = (*Bus)(nil)
