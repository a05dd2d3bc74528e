// Package queue is the Redis-backed store for local jobs: a wait list per queue, an active list of
// reserved jobs with their leases, a sorted set of delayed retries and a capped list of discarded jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"trade-machine/backend/internal/jobs/domain"
)

const (
	keyPrefix = "jobs:"
	// failedCap bounds the discarded-job list per queue.
	failedCap = 1000
	// promoteBatch bounds how many due retries one Promote moves.
	promoteBatch = 100
)

// DefaultLease is how long a reserved job may stay unacknowledged before Recover hands it out again.
const DefaultLease = 5 * time.Minute

// RedisQueue stores local jobs in Redis. Workers in any number of processes may share it.
// A reserved job sits on the active list until it is completed, retried or discarded, so a worker
// that dies mid-job leaves it recoverable.
type RedisQueue struct {
	client *redis.Client
	lease  time.Duration
	nowF   func() time.Time
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, lease: DefaultLease, nowF: time.Now}
}

// WithLease sets how long a reservation is honored before Recover requeues it.
func (q *RedisQueue) WithLease(d time.Duration) *RedisQueue {
	if d > 0 {
		q.lease = d
	}
	return q
}

func waitKey(queue string) string    { return keyPrefix + queue + ":wait" }
func activeKey(queue string) string  { return keyPrefix + queue + ":active" }
func leasesKey(queue string) string  { return keyPrefix + queue + ":leases" }
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }
func failedKey(queue string) string  { return keyPrefix + queue + ":failed" }

// promoteScript moves due members of the delayed set (KEYS[1]) onto the wait list (KEYS[2]).
// ARGV: now in unix ms, batch size.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// recoverScript requeues active entries (KEYS[1]) whose lease in KEYS[2] expired onto the oldest end
// of the wait list (KEYS[3]). An entry without a lease, left by a crash right after the move, gets one
// stamped now. ARGV: now in unix ms, lease in ms.
var recoverScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local moved = 0
for _, member in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  local at = redis.call('ZSCORE', KEYS[2], member)
  if not at then
    redis.call('ZADD', KEYS[2], now, member)
  elseif tonumber(at) + lease <= now then
    redis.call('LREM', KEYS[1], 1, member)
    redis.call('ZREM', KEYS[2], member)
    redis.call('RPUSH', KEYS[3], member)
    moved = moved + 1
  end
end
return moved
`)

// Add makes job available to workers immediately.
func (q *RedisQueue) Add(ctx context.Context, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return oops.With("operation", "encode job").With("kind", job.Kind).Wrap(err)
	}
	if err := q.client.LPush(ctx, waitKey(job.Queue()), raw).Err(); err != nil {
		return oops.With("operation", "add job").With("queue", job.Queue()).Wrap(err)
	}
	return nil
}

// Complete acknowledges a reserved job that finished.
func (q *RedisQueue) Complete(ctx context.Context, job *domain.Job) error {
	if job.Receipt == "" {
		return nil
	}
	pipe := q.client.TxPipeline()
	q.release(ctx, pipe, job.Queue(), job.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.With("operation", "complete job").With("queue", job.Queue()).Wrap(err)
	}
	job.Receipt = ""
	return nil
}

// Retry stores job to become available again after delay and releases its reservation.
func (q *RedisQueue) Retry(ctx context.Context, job *domain.Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return oops.With("operation", "encode job").With("kind", job.Kind).Wrap(err)
	}
	at := q.nowF().Add(delay).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, delayedKey(job.Queue()), redis.Z{Score: float64(at), Member: raw})
	q.release(ctx, pipe, job.Queue(), job.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.With("operation", "schedule retry").With("queue", job.Queue()).Wrap(err)
	}
	job.Receipt = ""
	return nil
}

// Discard records an exhausted job and releases its reservation. The list keeps the most recent
// failedCap entries.
func (q *RedisQueue) Discard(ctx context.Context, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return oops.With("operation", "encode job").With("kind", job.Kind).Wrap(err)
	}
	if err := q.fail(ctx, job.Queue(), string(raw), job.Receipt); err != nil {
		return oops.With("operation", "discard job").With("queue", job.Queue()).Wrap(err)
	}
	job.Receipt = ""
	return nil
}

func (q *RedisQueue) fail(ctx context.Context, queue, raw, receipt string) error {
	key := failedKey(queue)
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, failedCap-1)
	q.release(ctx, pipe, queue, receipt)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) release(ctx context.Context, pipe redis.Pipeliner, queue, receipt string) {
	if receipt == "" {
		return
	}
	pipe.LRem(ctx, activeKey(queue), 1, receipt)
	pipe.ZRem(ctx, leasesKey(queue), receipt)
}

// Promote moves delayed jobs that are due onto the wait list and returns how many it moved.
// The move runs as one script, so a member is never both removed and lost.
func (q *RedisQueue) Promote(ctx context.Context, queue string) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{delayedKey(queue), waitKey(queue)},
		q.nowF().UnixMilli(), promoteBatch,
	).Int()
	if err != nil {
		return 0, oops.With("operation", "promote due jobs").With("queue", queue).Wrap(err)
	}
	return n, nil
}

// Recover requeues reservations whose lease expired, ahead of jobs already waiting, and returns how
// many it moved.
func (q *RedisQueue) Recover(ctx context.Context, queue string) (int, error) {
	n, err := recoverScript.Run(ctx, q.client,
		[]string{activeKey(queue), leasesKey(queue), waitKey(queue)},
		q.nowF().UnixMilli(), q.lease.Milliseconds(),
	).Int()
	if err != nil {
		return 0, oops.With("operation", "recover jobs").With("queue", queue).Wrap(err)
	}
	return n, nil
}

// Reserve promotes due retries and moves the oldest waiting job onto the active list, blocking up to
// timeout. Returns (nil, nil) when nothing arrived in time. The job stays active until Complete, Retry
// or Discard. A payload that cannot be decoded is moved to the failed list.
func (q *RedisQueue) Reserve(ctx context.Context, queue string, timeout time.Duration) (*domain.Job, error) {
	if _, err := q.Promote(ctx, queue); err != nil {
		return nil, err
	}
	var (
		raw string
		err error
	)
	if timeout <= 0 {
		raw, err = q.client.LMove(ctx, waitKey(queue), activeKey(queue), "RIGHT", "LEFT").Result()
	} else {
		raw, err = q.client.BLMove(ctx, waitKey(queue), activeKey(queue), "RIGHT", "LEFT", timeout).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("operation", "reserve job").With("queue", queue).Wrap(err)
	}
	if err := q.client.ZAdd(ctx, leasesKey(queue), redis.Z{Score: float64(q.nowF().UnixMilli()), Member: raw}).Err(); err != nil {
		// Recover stamps the lease on its next sweep.
		return nil, oops.With("operation", "lease job").With("queue", queue).Wrap(err)
	}

	var job domain.Job
	if derr := json.Unmarshal([]byte(raw), &job); derr != nil {
		if ferr := q.fail(ctx, queue, raw, raw); ferr != nil {
			return nil, oops.With("operation", "park undecodable job").With("queue", queue).Wrap(errors.Join(derr, ferr))
		}
		return nil, oops.With("operation", "decode job").With("queue", queue).Wrap(derr)
	}
	job.Receipt = raw
	return &job, nil
}

// Stats is the number of jobs per state in a queue.
type Stats struct {
	Waiting int64
	Active  int64
	Delayed int64
	Failed  int64
}

func (q *RedisQueue) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := q.client.Pipeline()
	w := pipe.LLen(ctx, waitKey(queue))
	a := pipe.LLen(ctx, activeKey(queue))
	d := pipe.ZCard(ctx, delayedKey(queue))
	f := pipe.LLen(ctx, failedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, oops.With("operation", "queue stats").With("queue", queue).Wrap(err)
	}
	return Stats{Waiting: w.Val(), Active: a.Val(), Delayed: d.Val(), Failed: f.Val()}, nil
}
