package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/nodeflow/pkg/api"
)

// RedisQueue implements Queue on Redis.
//
// Keys, relative to prefix:
//
//	task:<id>      hash {rev, data}; data is the JSON-encoded task
//	queue:<name>   sorted set of task IDs scored by the unix ms at which
//	               the task next becomes claimable
//	tasks          sorted set of every task ID scored by creation time
//
// Writes go through Lua scripts that compare the stored revision, so a claim
// is a read followed by a compare-and-set; the loser of a race moves on to the
// next candidate. A task's queue name must not change after Enqueue.
type RedisQueue struct {
	client *redis.Client
	prefix string
	// scan bounds how many due task IDs a claim inspects.
	scan int64
}

// NewRedisQueue constructs a Redis-backed Queue. prefix defaults to
// "nodeflow:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "nodeflow:"
	}
	return &RedisQueue{client: client, prefix: prefix, scan: 64}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

const redisEnqueueLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'rev', ARGV[1], 'data', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
return 1
`

const redisCompareAndSetLua = `
local cur = redis.call('HGET', KEYS[1], 'rev')
if not cur then
  return -1
end
if tonumber(cur) ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'rev', ARGV[2], 'data', ARGV[3])
if ARGV[4] == '' then
  redis.call('ZREM', KEYS[2], ARGV[5])
else
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
end
return 1
`

func (q *RedisQueue) keyTask(id string) string { return q.prefix + "task:" + id }
func (q *RedisQueue) keyQueue(name string) string { return q.prefix + "queue:" + name }
func (q *RedisQueue) keyIndex() string { return q.prefix + "tasks" }

// claimScore is the ready-set score for t, or "" when t is never claimable
// again.
func claimScore(t *api.WorkflowTask) string {
	var at time.Time
	switch t.Status {
	case api.TaskPending:
		at = t.ScheduledAt
	case api.TaskRetrying:
		at = t.ScheduledAt
		if t.NextRetryAt.After(at) {
			at = t.NextRetryAt
		}
	case api.TaskLocked, api.TaskRunning:
		at = t.LockExpiresAt
	default:
		return ""
	}
	if at.IsZero() {
		return "0"
	}
	return strconv.FormatInt(at.UnixMilli(), 10)
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *api.WorkflowTask) error {
	task.Revision = 1
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	res, err := q.client.Eval(ctx, redisEnqueueLua,
		[]string{q.keyTask(task.ID), q.keyQueue(task.QueueName), q.keyIndex()},
		task.Revision, data, claimScore(task), task.CreatedAt.UnixMilli(), task.ID,
	).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrTaskExists
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*api.WorkflowTask, error) {
	data, err := q.client.HGet(ctx, q.keyTask(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var t api.WorkflowTask
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// compareAndSet stores next if the stored revision still equals expected.
func (q *RedisQueue) compareAndSet(ctx context.Context, expected int64, next *api.WorkflowTask) error {
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	res, err := q.client.Eval(ctx, redisCompareAndSetLua,
		[]string{q.keyTask(next.ID), q.keyQueue(next.QueueName)},
		expected, next.Revision, data, claimScore(next), next.ID,
	).Int64()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return ErrTaskNotFound
	case 0:
		return ErrConcurrentUpdate
	}
	return nil
}

func (q *RedisQueue) Update(ctx context.Context, task *api.WorkflowTask) error {
	expected := task.Revision
	next := *task
	next.Revision = expected + 1
	if err := q.compareAndSet(ctx, expected, &next); err != nil {
		return err
	}
	task.Revision = next.Revision
	return nil
}

// tryClaim leases t if it is still claimable and unchanged since it was read.
func (q *RedisQueue) tryClaim(ctx context.Context, t *api.WorkflowTask, req ClaimRequest) (*api.WorkflowTask, error) {
	if !Claimable(t, req.Now) {
		return nil, ErrNoTask
	}
	expected := t.Revision
	claimed := *t
	ApplyClaim(&claimed, req)
	claimed.Revision = expected + 1
	if err := q.compareAndSet(ctx, expected, &claimed); err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (q *RedisQueue) Claim(ctx context.Context, req ClaimRequest) (*api.WorkflowTask, error) {
	if req.TaskID != "" {
		t, err := q.Get(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		claimed, err := q.tryClaim(ctx, t, req)
		if errors.Is(err, ErrConcurrentUpdate) {
			return nil, ErrNoTask
		}
		return claimed, err
	}

	ids, err := q.client.ZRangeByScore(ctx, q.keyQueue(req.QueueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(req.Now.UnixMilli(), 10),
		Count: q.scan,
	}).Result()
	if err != nil {
		return nil, err
	}

	candidates, err := q.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(candidates, claimOrder)
	for _, t := range candidates {
		claimed, err := q.tryClaim(ctx, t, req)
		switch {
		case err == nil:
			return claimed, nil
		case errors.Is(err, ErrNoTask), errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrTaskNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNoTask
}

// load fetches tasks by ID in one round trip, skipping IDs that vanished.
func (q *RedisQueue) load(ctx context.Context, ids []string) ([]*api.WorkflowTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringCmd, len(ids))
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, q.keyTask(id), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*api.WorkflowTask, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var t api.WorkflowTask
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

func (q *RedisQueue) List(ctx context.Context, filter api.TaskFilter) ([]*api.WorkflowTask, error) {
	ids, err := q.client.ZRange(ctx, q.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	all, err := q.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowTask
	for _, t := range all {
		if Match(t, filter) {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b *api.WorkflowTask) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return claimOrder(a, b)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
