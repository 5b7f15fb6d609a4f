package bus

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// LocalOnlyBus delivers straight to this process's sink. Counts are local to
// the process. It is the degraded mode when redis is not reachable.
type LocalOnlyBus struct {
	sink   Sink
	count  atomic.Int64
	logger *zap.Logger
}

func NewLocalOnlyBus(sink Sink, logger *zap.Logger) *LocalOnlyBus {
	return &LocalOnlyBus{sink: sink, logger: logger}
}

func (b *LocalOnlyBus) Emit(_ context.Context, event string, payload any) error {
	raw, err := encodePayload(event, payload)
	if err != nil {
		return err
	}

	if event == EventNotification {
		n := b.count.Add(1)
		b.logger.Info("notification count", zap.Int64("count", n))
		broadcastCount(b.sink, n)
	}
	b.sink.Broadcast(event, raw)
	return nil
}

func (b *LocalOnlyBus) NotificationCount(context.Context) (int64, error) {
	return b.count.Load(), nil
}

// observe keeps the local counter at least as high as a count seen from the
// shared store, so falling back mid-run does not rewind dashboards.
func (b *LocalOnlyBus) observe(count int64) {
	for {
		cur := b.count.Load()
		if count <= cur || b.count.CompareAndSwap(cur, count) {
			return
		}
	}
}

func (b *LocalOnlyBus) Close() error { return nil }
