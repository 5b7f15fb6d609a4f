package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"MailGateway/internal/metrics"
)

// DistributedBus publishes every emission on Channel and delivers to the
// local sink only from its subscription, including for emissions that
// originated in this process.
type DistributedBus struct {
	pub    redis.UniversalClient
	sub    *redis.PubSub
	sink   Sink
	logger *zap.Logger

	// local takes over for a single emission when publishing fails.
	local *LocalOnlyBus

	done chan struct{}
	once sync.Once
}

func NewDistributedBus(ctx context.Context, client redis.UniversalClient, sink Sink, logger *zap.Logger) (*DistributedBus, error) {
	sub := client.Subscribe(ctx, Channel)

	// Wait for the subscription to be confirmed so that nothing published
	// after this returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel, err)
	}

	b := &DistributedBus{
		pub:    client,
		sub:    sub,
		sink:   sink,
		logger: logger,
		local:  NewLocalOnlyBus(sink, logger),
		done:   make(chan struct{}),
	}
	go b.listen()

	logger.Info("redis pub/sub connected for websocket events", zap.String("channel", Channel))
	return b, nil
}

func (b *DistributedBus) Emit(ctx context.Context, event string, payload any) error {
	raw, err := encodePayload(event, payload)
	if err != nil {
		return err
	}

	msg := envelope{Event: event, Payload: raw}

	if event == EventNotification {
		n, err := b.pub.Incr(ctx, CounterKey).Result()
		if err != nil {
			return b.fallback(ctx, event, raw, fmt.Errorf("increment notification counter: %w", err))
		}
		b.local.observe(n)
		msg.Count = &n
		b.logger.Info("notification count", zap.Int64("count", n))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}

	if err := b.pub.Publish(ctx, Channel, data).Err(); err != nil {
		if msg.Count != nil {
			// The shared counter already moved; deliver with that value.
			return b.fallbackCounted(event, raw, *msg.Count, err)
		}
		return b.fallback(ctx, event, raw, fmt.Errorf("publish %s: %w", event, err))
	}
	return nil
}

func (b *DistributedBus) fallback(ctx context.Context, event string, raw json.RawMessage, cause error) error {
	metrics.BusFallbacks.Inc()
	b.logger.Warn("shared bus unavailable, emitting to local clients only",
		zap.String("event", event),
		zap.Error(cause),
	)
	return b.local.Emit(ctx, event, raw)
}

func (b *DistributedBus) fallbackCounted(event string, raw json.RawMessage, count int64, cause error) error {
	metrics.BusFallbacks.Inc()
	b.logger.Warn("shared bus unavailable, emitting to local clients only",
		zap.String("event", event),
		zap.Error(cause),
	)
	broadcastCount(b.sink, count)
	b.sink.Broadcast(event, raw)
	return nil
}

func (b *DistributedBus) listen() {
	defer close(b.done)

	for m := range b.sub.Channel() {
		b.handle(m.Payload)
	}
}

func (b *DistributedBus) handle(data string) {
	var msg envelope
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		b.logger.Error("failed to parse pub/sub message", zap.Error(err))
		return
	}

	if msg.Event == EventNotification && msg.Count != nil {
		b.local.observe(*msg.Count)
		broadcastCount(b.sink, *msg.Count)
	}
	b.sink.Broadcast(msg.Event, msg.Payload)
}

func (b *DistributedBus) NotificationCount(ctx context.Context) (int64, error) {
	n, err := b.pub.Get(ctx, CounterKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		b.logger.Warn("failed to fetch notification count, using local value", zap.Error(err))
		return b.local.NotificationCount(ctx)
	}
	b.local.observe(n)
	return n, nil
}

func (b *DistributedBus) Close() error {
	var err error
	b.once.Do(func() {
		err = b.sub.Close()
		select {
		case <-b.done:
		case <-time.After(5 * time.Second):
		}
	})
	return err
}
