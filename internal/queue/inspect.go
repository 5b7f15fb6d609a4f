package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// List reports every job that is not yet done: waiting, delayed, active and
// retained failed jobs.
func (q *Queue[T]) List(ctx context.Context) ([]JobInfo, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LRange(ctx, q.keys.wait, 0, -1)
	delayed := pipe.ZRange(ctx, q.keys.delayed, 0, -1)
	active := pipe.LRange(ctx, q.keys.active, 0, -1)
	failed := pipe.LRange(ctx, q.keys.failed, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list %s jobs: %w", q.name, err)
	}

	type located struct {
		id    string
		state State
	}
	var ids []located
	seen := make(map[string]bool)
	add := func(list []string, state State) {
		for _, id := range list {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, located{id: id, state: state})
		}
	}
	add(wait.Val(), StateWaiting)
	add(delayed.Val(), StateDelayed)
	add(active.Val(), StateActive)
	add(failed.Val(), StateFailed)

	if len(ids) == 0 {
		return []JobInfo{}, nil
	}

	pipe = q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, l := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.keys.job(l.id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load %s jobs: %w", q.name, err)
	}

	out := make([]JobInfo, 0, len(ids))
	for i, l := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, toInfo(l.id, l.state, fields))
	}
	return out, nil
}

// Get returns a single job, including completed jobs while they are still
// retained.
func (q *Queue[T]) Get(ctx context.Context, id string) (JobInfo, error) {
	fields, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return JobInfo{}, fmt.Errorf("get %s job %s: %w", q.name, id, err)
	}
	if len(fields) == 0 {
		return JobInfo{}, ErrNotFound
	}

	state := StateWaiting
	if _, err := q.rdb.ZScore(ctx, q.keys.delayed, id).Result(); err == nil {
		state = StateDelayed
	} else if active, err := q.rdb.LRange(ctx, q.keys.active, 0, -1).Result(); err == nil && slices.Contains(active, id) {
		state = StateActive
	}
	return toInfo(id, state, fields), nil
}

func toInfo(id string, location State, fields map[string]string) JobInfo {
	info := JobInfo{
		ID:           id,
		Name:         fields["name"],
		State:        location,
		LastError:    fields["lastError"],
		FailedReason: fields["failedReason"],
	}
	info.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ms, err := strconv.ParseInt(fields["createdOn"], 10, 64); err == nil {
		info.CreatedAt = time.UnixMilli(ms).UTC()
	}

	switch {
	case fields["finishedOn"] != "":
		info.State = StateCompleted
	case info.FailedReason != "":
		info.State = StateFailed
	}
	return info
}
