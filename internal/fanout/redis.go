package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ehrlich-b/a2alive/internal/metrics"
	"github.com/ehrlich-b/a2alive/internal/protocol"
)

// DefaultChannel is the Redis pub/sub channel frames are exchanged on.
const DefaultChannel = "a2alive:frames"

// RedisBus exchanges frames over a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	node    string
}

// NewRedisBus connects to redisURL and checks the connection.
func NewRedisBus(ctx context.Context, redisURL, channel, nodeID string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, node: nodeID}, nil
}

func (b *RedisBus) Publish(ctx context.Context, f protocol.Frame) error {
	data, err := encode(b.node, f)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	metrics.FanoutMessages.WithLabelValues("published").Inc()
	return nil
}

func (b *RedisBus) Run(ctx context.Context, h Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	s := newSerial(h)
	defer s.wait()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, []byte(msg.Payload), s.dispatch)
		}
	}
}

func (b *RedisBus) dispatch(ctx context.Context, data []byte, h Handler) {
	m, err := decode(data)
	if err != nil {
		slog.Warn("fanout: bad message on channel", "channel", b.channel, "err", err)
		return
	}
	if m.Origin == b.node {
		return
	}
	metrics.FanoutMessages.WithLabelValues("delivered").Inc()
	h(ctx, m.Frame)
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
