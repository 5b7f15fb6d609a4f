package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Open picks the bus implementation once at startup: distributed when redis
// answers, local-only otherwise.
func Open(ctx context.Context, client redis.UniversalClient, sink Sink, logger *zap.Logger) EventBus {
	if client == nil {
		logger.Warn("no redis client configured, websocket events are local to this process")
		return NewLocalOnlyBus(sink, logger)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, websocket events are local to this process", zap.Error(err))
		return NewLocalOnlyBus(sink, logger)
	}

	b, err := NewDistributedBus(ctx, client, sink, logger)
	if err != nil {
		logger.Warn("redis subscribe failed, websocket events are local to this process", zap.Error(err))
		return NewLocalOnlyBus(sink, logger)
	}
	return b
}
