// Package queue is a small durable job queue on top of redis lists. Jobs
// move wait -> active -> (done | delayed -> wait | failed); a job id sits in
// exactly one of those lists so two attempts of the same job never run at
// the same time. Active jobs hold a lock that the worker refreshes; a job
// whose lock lapses is handed back to wait, or failed once its attempts are
// used up.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"MailGateway/internal/metrics"
	"MailGateway/internal/worker"
)

var ErrNotFound = errors.New("queue: job not found")

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type Job struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Attempt int    `json:"attempt"`

	marks map[string]bool
}

// Marked reports whether an earlier attempt of this job recorded step with
// Queue.Mark.
func (j Job) Marked(step string) bool { return j.marks[step] }

type JobInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError,omitempty"`
	FailedReason string    `json:"failedReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Handler[T any] func(ctx context.Context, job Job, payload T) error

type keys struct {
	wait, active, delayed, failed, stalled string
	jobPrefix, lockPrefix                  string
}

func (k keys) job(id string) string  { return k.jobPrefix + id }
func (k keys) lock(id string) string { return k.lockPrefix + id }

const markPrefix = "mark:"

type Queue[T any] struct {
	name   string
	rdb    redis.UniversalClient
	keys   keys
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

// promoteScript moves due delayed jobs back onto the wait list atomically.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

func New[T any](rdb redis.UniversalClient, prefix, name string, policy Policy, logger *zap.Logger) *Queue[T] {
	base := prefix + ":" + name + ":"
	return &Queue[T]{
		name: name,
		rdb:  rdb,
		keys: keys{
			wait:       base + "wait",
			active:     base + "active",
			delayed:    base + "delayed",
			failed:     base + "failed",
			stalled:    base + "stalled",
			jobPrefix:  base + "job:",
			lockPrefix: base + "lock:",
		},
		policy: policy.withDefaults(),
		logger: logger.With(zap.String("queue", name)),
		now:    time.Now,
	}
}

func (q *Queue[T]) Name() string { return q.name }

// Enqueue stores the payload and schedules it. It returns as soon as the job
// is durable in redis.
func (q *Queue[T]) Enqueue(ctx context.Context, name string, payload T) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s job: %w", q.name, err)
	}

	id := uuid.NewString()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.keys.job(id), map[string]any{
		"name":      name,
		"data":      data,
		"attempts":  0,
		"createdOn": q.now().UnixMilli(),
	})
	pipe.LPush(ctx, q.keys.wait, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return Job{}, fmt.Errorf("enqueue %s job: %w", q.name, err)
	}

	return Job{ID: id, Name: name}, nil
}

// Start runs Concurrency worker slots, plus the stalled-job reaper, until ctx
// is cancelled.
func (q *Queue[T]) Start(ctx context.Context, wg *sync.WaitGroup, handler Handler[T]) {
	worker.StartPool(ctx, wg, worker.Pool{
		Name:    q.name,
		Workers: q.policy.Concurrency,
		Limiter: q.policy.Limiter,
	}, q.logger, func(ctx context.Context, _ int) (bool, error) {
		return q.Process(ctx, handler)
	})

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(q.policy.LockDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.RecoverStalled(ctx); err != nil && ctx.Err() == nil {
					q.logger.Error("stalled job check failed", zap.Error(err))
				}
			}
		}
	}()
}

// Mark records that step of job has happened, so a later attempt can skip
// it.
func (q *Queue[T]) Mark(ctx context.Context, job Job, step string) error {
	err := q.rdb.HSet(context.WithoutCancel(ctx), q.keys.job(job.ID), markPrefix+step, q.now().UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("mark %s job %s %s: %w", q.name, job.ID, step, err)
	}
	return nil
}

// Process reserves one job, waiting up to BlockTimeout, and runs it.
func (q *Queue[T]) Process(ctx context.Context, handler Handler[T]) (bool, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return false, err
	}

	id, err := q.rdb.BLMove(ctx, q.keys.wait, q.keys.active, "RIGHT", "LEFT", q.policy.BlockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve %s job: %w", q.name, err)
	}

	return true, q.run(ctx, id, handler)
}

func (q *Queue[T]) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.rdb, []string{q.keys.delayed, q.keys.wait}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed %s jobs: %w", q.name, err)
	}
	return nil
}

func (q *Queue[T]) run(ctx context.Context, id string, handler Handler[T]) error {
	// Bookkeeping must finish even if shutdown cancels ctx mid-job.
	bctx := context.WithoutCancel(ctx)
	key := q.keys.job(id)

	// Without the lock the reaper hands the job back after two checks.
	if err := q.rdb.Set(bctx, q.keys.lock(id), 1, q.policy.LockDuration).Err(); err != nil {
		return fmt.Errorf("lock %s job %s: %w", q.name, id, err)
	}
	release := q.holdLock(bctx, id)
	defer release()

	fields, err := q.rdb.HGetAll(bctx, key).Result()
	if err != nil {
		return fmt.Errorf("load %s job %s: %w", q.name, id, err)
	}
	if len(fields) == 0 {
		q.logger.Warn("dropping reserved job without data", zap.String("job_id", id))
		pipe := q.rdb.TxPipeline()
		pipe.LRem(bctx, q.keys.active, 1, id)
		pipe.Del(bctx, q.keys.lock(id))
		_, err := pipe.Exec(bctx)
		return err
	}

	attempt, err := q.rdb.HIncrBy(bctx, key, "attempts", 1).Result()
	if err != nil {
		return fmt.Errorf("count %s job %s attempt: %w", q.name, id, err)
	}
	if err := q.rdb.HSet(bctx, key, "processedOn", q.now().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("mark %s job %s active: %w", q.name, id, err)
	}

	job := Job{ID: id, Name: fields["name"], Attempt: int(attempt), marks: map[string]bool{}}
	for field := range fields {
		if step, ok := strings.CutPrefix(field, markPrefix); ok {
			job.marks[step] = true
		}
	}

	var payload T
	if err := json.Unmarshal([]byte(fields["data"]), &payload); err != nil {
		// A payload that cannot be decoded will never succeed.
		return q.fail(bctx, job, fmt.Errorf("decode payload: %w", err))
	}

	herr := q.invoke(ctx, handler, job, payload)
	release()
	if herr == nil {
		metrics.JobsProcessed.WithLabelValues(q.name).Inc()
		return q.complete(bctx, job)
	}

	q.logger.Warn("job attempt failed",
		zap.String("job_id", id),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", q.policy.Attempts),
		zap.Error(herr),
	)

	if job.Attempt < q.policy.Attempts {
		metrics.JobFailures.WithLabelValues(q.name, string(StateDelayed)).Inc()
		return q.retry(bctx, job, herr)
	}
	return q.fail(bctx, job, herr)
}

// holdLock keeps the job's lock alive until the returned func is called.
func (q *Queue[T]) holdLock(ctx context.Context, id string) func() {
	done := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(q.policy.LockDuration / 2)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := q.rdb.PExpire(ctx, q.keys.lock(id), q.policy.LockDuration).Err(); err != nil {
					q.logger.Warn("job lock refresh failed", zap.String("job_id", id), zap.Error(err))
				}
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (q *Queue[T]) invoke(ctx context.Context, handler Handler[T], job Job, payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job, payload)
}

func (q *Queue[T]) complete(ctx context.Context, job Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.keys.active, 1, job.ID)
	pipe.Del(ctx, q.keys.lock(job.ID))
	if q.policy.RemoveOnComplete {
		pipe.Del(ctx, q.keys.job(job.ID))
	} else {
		pipe.HSet(ctx, q.keys.job(job.ID), "finishedOn", q.now().UnixMilli())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s job %s: %w", q.name, job.ID, err)
	}
	return nil
}

func (q *Queue[T]) retry(ctx context.Context, job Job, cause error) error {
	runAt := q.now().Add(q.policy.Delay(job.Attempt))

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.keys.active, 1, job.ID)
	pipe.Del(ctx, q.keys.lock(job.ID))
	pipe.HSet(ctx, q.keys.job(job.ID), "lastError", cause.Error())
	pipe.ZAdd(ctx, q.keys.delayed, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry of %s job %s: %w", q.name, job.ID, err)
	}
	return nil
}

func (q *Queue[T]) fail(ctx context.Context, job Job, cause error) error {
	metrics.JobFailures.WithLabelValues(q.name, string(StateFailed)).Inc()
	q.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempt),
		zap.Error(cause),
	)

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.keys.active, 1, job.ID)
	pipe.Del(ctx, q.keys.lock(job.ID))
	if q.policy.KeepFailed == 0 {
		pipe.Del(ctx, q.keys.job(job.ID))
		_, err := pipe.Exec(ctx)
		return err
	}
	pipe.HSet(ctx, q.keys.job(job.ID), map[string]any{
		"failedReason": cause.Error(),
		"failedOn":     q.now().UnixMilli(),
	})
	pipe.LPush(ctx, q.keys.failed, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark %s job %s failed: %w", q.name, job.ID, err)
	}

	return q.trimFailed(ctx)
}

func (q *Queue[T]) trimFailed(ctx context.Context) error {
	keep := int64(q.policy.KeepFailed)
	evicted, err := q.rdb.LRange(ctx, q.keys.failed, keep, -1).Result()
	if err != nil {
		return fmt.Errorf("read %s failed list: %w", q.name, err)
	}
	if len(evicted) == 0 {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range evicted {
		pipe.Del(ctx, q.keys.job(id))
	}
	pipe.LTrim(ctx, q.keys.failed, 0, keep-1)
	_, err = pipe.Exec(ctx)
	return err
}
