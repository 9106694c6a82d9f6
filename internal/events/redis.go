package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/rideshare/internal/observability"
)

// RedisBus fans out through Redis Pub/Sub so sessions on different server
// instances see each other's events. Each subscription holds its own PubSub
// connection and handles messages on its own goroutine.
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, topic, payload string) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	observability.EventsPublished.WithLabelValues("redis").Inc()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	// wait for the subscribe confirmation so publishes after return are seen
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := newSubscription(topic, h)
	sub.stop = func() { _ = ps.Close() }

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			b.deliver(sub, msg.Payload)
		}
	}()
	return sub, nil
}

func (b *RedisBus) Unsubscribe(sub *Subscription) error {
	if sub == nil || sub.stop == nil {
		return nil
	}
	sub.stop()
	return nil
}

func (b *RedisBus) deliver(sub *Subscription, payload string) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event handler panic", "topic", sub.topic, "error", rec)
		}
	}()
	sub.handler(context.Background(), payload)
}
