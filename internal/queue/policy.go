package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Policy is shared by every queue instance; the send and inbound queues
// differ only in name and concurrency.
type Policy struct {
	// Attempts bounds how many times a job is run before it is marked failed.
	Attempts int

	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration

	RemoveOnComplete bool

	// KeepFailed caps the failed list; older failed jobs are evicted.
	KeepFailed int

	Concurrency  int
	Limiter      *rate.Limiter
	BlockTimeout time.Duration

	// LockDuration is how long a reserved job may go without a lock refresh
	// before it is treated as stalled and handed back.
	LockDuration time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:         3,
		InitialBackoff:   2 * time.Second,
		Multiplier:       2,
		MaxBackoff:       5 * time.Minute,
		RemoveOnComplete: true,
		KeepFailed:       100,
		Concurrency:      1,
		BlockTimeout:     time.Second,
		LockDuration:     30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = d.MaxBackoff
		if p.MaxBackoff < p.InitialBackoff {
			p.MaxBackoff = p.InitialBackoff
		}
	}
	if p.KeepFailed < 0 {
		p.KeepFailed = 0
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	if p.BlockTimeout <= 0 {
		p.BlockTimeout = d.BlockTimeout
	}
	if p.LockDuration <= 0 {
		p.LockDuration = d.LockDuration
	}
	return p
}

// Delay returns how long to wait before running the job again after its
// attempt-th failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
