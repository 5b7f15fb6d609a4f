package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"MailGateway/internal/metrics"
)

const stalledReason = "job stalled: worker lock expired"

// stalledScript recovers the candidates found unlocked on the previous pass,
// then records the active jobs that are unlocked now as the next candidates.
// Two passes keep a job that was just reserved, and is not locked yet, from
// being taken away from its worker.
//
// KEYS: active, stalled, wait, failed
// ARGV: lock prefix, job prefix, max attempts, now ms, reason, keep failed
var stalledScript = redis.NewScript(`
local active = redis.call('LRANGE', KEYS[1], 0, -1)
local present = {}
for _, id in ipairs(active) do present[id] = true end

local out = {}
local candidates = redis.call('SMEMBERS', KEYS[2])
redis.call('DEL', KEYS[2])
for _, id in ipairs(candidates) do
  if present[id] and redis.call('EXISTS', ARGV[1] .. id) == 0 then
    present[id] = nil
    redis.call('LREM', KEYS[1], 1, id)
    local jobKey = ARGV[2] .. id
    local attempts = tonumber(redis.call('HGET', jobKey, 'attempts') or '0')
    if attempts >= tonumber(ARGV[3]) then
      if ARGV[6] == '0' then
        redis.call('DEL', jobKey)
      else
        redis.call('HSET', jobKey, 'failedReason', ARGV[5], 'failedOn', ARGV[4])
        redis.call('LPUSH', KEYS[4], id)
      end
      table.insert(out, 'failed:' .. id)
    else
      redis.call('HSET', jobKey, 'lastError', ARGV[5])
      redis.call('RPUSH', KEYS[3], id)
      table.insert(out, 'waiting:' .. id)
    end
  end
end

for _, id in ipairs(active) do
  if present[id] and redis.call('EXISTS', ARGV[1] .. id) == 0 then
    redis.call('SADD', KEYS[2], id)
  end
end
return out
`)

// RecoverStalled hands back active jobs whose worker stopped refreshing the
// lock. A stalled job with attempts left goes to the front of wait; one that
// has used them all is failed. It returns how many jobs it moved.
func (q *Queue[T]) RecoverStalled(ctx context.Context) (int, error) {
	moved, err := stalledScript.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.stalled, q.keys.wait, q.keys.failed},
		q.keys.lockPrefix,
		q.keys.jobPrefix,
		q.policy.Attempts,
		q.now().UnixMilli(),
		stalledReason,
		q.policy.KeepFailed,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("recover stalled %s jobs: %w", q.name, err)
	}

	failed := false
	for _, m := range moved {
		state, id, _ := strings.Cut(m, ":")
		q.logger.Warn("recovered stalled job",
			zap.String("job_id", id),
			zap.String("state", state),
		)
		if state == string(StateFailed) {
			failed = true
			metrics.JobFailures.WithLabelValues(q.name, string(StateFailed)).Inc()
		}
	}

	if failed && q.policy.KeepFailed > 0 {
		if err := q.trimFailed(ctx); err != nil {
			return len(moved), err
		}
	}
	return len(moved), nil
}
