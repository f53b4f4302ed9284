package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus relays live-update frames through a redis pub/sub channel so that
// every instance behind a load balancer pushes the same events.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisBus(ctx context.Context, addr, password, channel string, logger *zap.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With(zap.String("component", "redis_bus")),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		b.logger.Warn("Failed to encode live-update event", zap.String("event", event), zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, frame).Err(); err != nil {
		b.logger.Warn("Failed to publish live-update event", zap.String("event", event), zap.Error(err))
	}
}

// StartForwarder subscribes to the bus channel and hands every frame to
// onFrame until ctx is cancelled.
func (b *RedisBus) StartForwarder(ctx context.Context, onFrame func([]byte)) error {
	if onFrame == nil {
		return fmt.Errorf("onFrame callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onFrame([]byte(msg.Payload))
			}
		}
	}()
	b.logger.Info("Forwarding live-update events", zap.String("channel", b.channel))
	return nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
