package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Step reserves and runs at most one unit of work. It reports whether a unit
// was processed; false means nothing was available before its own wait
// timed out.
type Step func(ctx context.Context, workerID int) (bool, error)

type Pool struct {
	Name    string
	Workers int

	// Limiter is shared by all workers of the pool and paces processed units.
	// Nil disables limiting.
	Limiter *rate.Limiter

	// ErrorPause is how long a worker sleeps after Step fails.
	ErrorPause time.Duration
}

func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	pool Pool,
	logger *zap.Logger,
	step Step,
) {

	if pool.Workers <= 0 {
		pool.Workers = 1
	}
	if pool.ErrorPause <= 0 {
		pool.ErrorPause = time.Second
	}

	for i := 0; i < pool.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started",
				zap.String("pool", pool.Name),
				zap.Int("worker_id", id),
			)

			for {
				select {

				case <-ctx.Done():
					logger.Info("worker shutting down",
						zap.String("pool", pool.Name),
						zap.Int("worker_id", id),
					)
					return

				default:
				}

				// ----------------------------
				// Reserve + Run
				// ----------------------------
				processed, err := step(ctx, id)
				if err != nil {
					if ctx.Err() != nil {
						return
					}

					logger.Error("worker step failed",
						zap.String("pool", pool.Name),
						zap.Int("worker_id", id),
						zap.Error(err),
					)

					select {
					case <-ctx.Done():
						return
					case <-time.After(pool.ErrorPause):
					}
				}

				// ----------------------------
				// Rate Limit
				// ----------------------------
				// Only units that ran spend budget; idle polls do not.
				if processed && pool.Limiter != nil {
					if err := pool.Limiter.Wait(ctx); err != nil {
						logger.Info("rate limiter stopped by context",
							zap.String("pool", pool.Name),
							zap.Int("worker_id", id),
						)
						return
					}
				}
			}
		}(i)
	}
}
