package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type payload struct {
	MailboxID int64  `json:"mailboxId"`
	To        string `json:"to"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, policy Policy) (*Queue[payload], *clock, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &clock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	q := New[payload](rdb, "test", "send-email", policy, zap.NewNop())
	q.now = clk.Now
	return q, clk, mr
}

func TestEnqueueListsWaitingJob(t *testing.T) {
	q, _, _ := newTestQueue(t, DefaultPolicy())
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "send", payload{MailboxID: 7, To: "x@y.com"})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, job.ID, jobs[0].ID)
	require.Equal(t, "send", jobs[0].Name)
	require.Equal(t, StateWaiting, jobs[0].State)
}

func TestProcessCompletesAndRemovesJob(t *testing.T) {
	q, _, _ := newTestQueue(t, DefaultPolicy())
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "send", payload{MailboxID: 7, To: "x@y.com"})
	require.NoError(t, err)

	var got payload
	var active []JobInfo
	processed, err := q.Process(ctx, func(ctx context.Context, j Job, p payload) error {
		got = p
		require.Equal(t, job.ID, j.ID)
		require.Equal(t, 1, j.Attempt)

		active, err = q.List(ctx)
		return err
	})
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, payload{MailboxID: 7, To: "x@y.com"}, got)

	require.Len(t, active, 1)
	require.Equal(t, StateActive, active[0].State)

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)

	_, err = q.Get(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeepCompletedJobs(t *testing.T) {
	policy := DefaultPolicy()
	policy.RemoveOnComplete = false
	q, _, _ := newTestQueue(t, policy)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "send", payload{MailboxID: 1})
	require.NoError(t, err)

	_, err = q.Process(ctx, func(context.Context, Job, payload) error { return nil })
	require.NoError(t, err)

	info, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, info.State)
}

func TestRetryWithBackoffThenFail(t *testing.T) {
	q, clk, _ := newTestQueue(t, DefaultPolicy())
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "send", payload{MailboxID: 3})
	require.NoError(t, err)

	var attempts []int
	handler := func(_ context.Context, j Job, _ payload) error {
		attempts = append(attempts, j.Attempt)
		return errors.New("ledger unavailable")
	}

	// First attempt fails and the job is delayed by the initial backoff.
	processed, err := q.Process(ctx, handler)
	require.NoError(t, err)
	require.True(t, processed)

	info, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, info.State)
	require.Equal(t, "ledger unavailable", info.LastError)

	// Not due yet: 2s initial backoff.
	clk.Advance(1999 * time.Millisecond)
	require.NoError(t, q.promoteDelayed(ctx))
	info, err = q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, info.State)

	clk.Advance(time.Millisecond)
	processed, err = q.Process(ctx, handler)
	require.NoError(t, err)
	require.True(t, processed)

	// Second retry waits 4s.
	clk.Advance(4 * time.Second)
	processed, err = q.Process(ctx, handler)
	require.NoError(t, err)
	require.True(t, processed)

	require.Equal(t, []int{1, 2, 3}, attempts)

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, StateFailed, jobs[0].State)
	require.Equal(t, 3, jobs[0].Attempts)
	require.Equal(t, "ledger unavailable", jobs[0].FailedReason)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	policy := DefaultPolicy()
	policy.Attempts = 1
	q, _, _ := newTestQueue(t, policy)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "send", payload{MailboxID: 3})
	require.NoError(t, err)

	processed, err := q.Process(ctx, func(context.Context, Job, payload) error {
		panic("boom")
	})
	require.NoError(t, err)
	require.True(t, processed)

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, StateFailed, jobs[0].State)
	require.Contains(t, jobs[0].FailedReason, "boom")
}

func TestFailedJobsAreCapped(t *testing.T) {
	policy := DefaultPolicy()
	policy.Attempts = 1
	policy.KeepFailed = 2
	q, _, mr := newTestQueue(t, policy)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := q.Enqueue(ctx, "send", payload{MailboxID: int64(i)})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for i := 0; i < 4; i++ {
		_, err := q.Process(ctx, func(context.Context, Job, payload) error {
			return errors.New("nope")
		})
		require.NoError(t, err)
	}

	jobs, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// The two oldest failures were evicted along with their data.
	require.False(t, mr.Exists(q.keys.job(ids[0])))
	require.False(t, mr.Exists(q.keys.job(ids[1])))
	require.True(t, mr.Exists(q.keys.job(ids[3])))
}

func TestStartProcessesConcurrently(t *testing.T) {
	policy := DefaultPolicy()
	policy.Concurrency = 4
	q, _, _ := newTestQueue(t, policy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "send", payload{MailboxID: int64(i)})
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		done atomic.Int64
		seen sync.Map
	)
	q.Start(ctx, &wg, func(_ context.Context, j Job, p payload) error {
		_, dup := seen.LoadOrStore(j.ID, p.MailboxID)
		assert.False(t, dup, "job %s ran twice", j.ID)
		done.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return done.Load() == total }, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}

func TestPolicyDelayCurve(t *testing.T) {
	p := DefaultPolicy()
	require.InDelta(t, float64(2*time.Second), float64(p.Delay(1)), float64(time.Millisecond))
	require.InDelta(t, float64(4*time.Second), float64(p.Delay(2)), float64(time.Millisecond))
	require.InDelta(t, float64(8*time.Second), float64(p.Delay(3)), float64(time.Millisecond))

	p.MaxBackoff = 5 * time.Second
	require.InDelta(t, float64(5*time.Second), float64(p.Delay(3)), float64(time.Millisecond))
}
