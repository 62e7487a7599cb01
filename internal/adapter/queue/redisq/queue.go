// Package redisq implements the job queue, the worker registry, and the
// nonce guard on Redis. The queue is a sorted set ordered by priority then
// arrival; claims move jobs into a processing hash in one Lua round trip so
// a job is delivered to at most one worker.
package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmos/swarmos/internal/domain"
)

const (
	pendingKey    = "swarmos:queue:pending"
	payloadKey    = "swarmos:queue:payload"
	processingKey = "swarmos:queue:processing"
)

// claimScript atomically pops the best pending job and records the claim.
// Returns the job id and payload, or false when the queue is empty.
const claimScript = `
local popped = redis.call("ZRANGE", KEYS[1], 0, 0)
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call("ZREM", KEYS[1], id)
local payload = redis.call("HGET", KEYS[2], id)
redis.call("HDEL", KEYS[2], id)
local claim = '{"job_id":"' .. id .. '","worker":"' .. ARGV[1] .. '","claimed_at":"' .. ARGV[2] .. '"}'
redis.call("HSET", KEYS[3], id, claim)
return {id, payload}
`

// Queue is the Redis-backed shared job queue.
type Queue struct {
	rdb   *redis.Client
	claim *redis.Script
}

// NewQueue wraps an existing Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, claim: redis.NewScript(claimScript)}
}

// score orders by priority descending, then FIFO by enqueue time. Redis pops
// the lowest score first.
func score(priority int, enqueuedAt time.Time) float64 {
	return -float64(priority)*1e13 + float64(enqueuedAt.UnixMilli())
}

// Enqueue adds a job to the pending set.
func (q *Queue) Enqueue(ctx domain.Context, qj domain.QueuedJob) error {
	payload, err := json.Marshal(qj)
	if err != nil {
		return fmt.Errorf("op=queue.Enqueue job=%s: %w", qj.JobID, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, payloadKey, qj.JobID, payload)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: score(qj.Priority, qj.EnqueuedAt), Member: qj.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.Enqueue job=%s: %w", qj.JobID, err)
	}
	return nil
}

// Claim pops the best queued job and moves it into the processing set.
// Returns nil when the queue is empty.
func (q *Queue) Claim(ctx domain.Context, worker string) (*domain.QueuedJob, error) {
	claimedAt := time.Now().UTC().Format(time.RFC3339)
	res, err := q.claim.Run(ctx, q.rdb,
		[]string{pendingKey, payloadKey, processingKey},
		worker, claimedAt,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=queue.Claim worker=%s: %w", worker, err)
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("op=queue.Claim worker=%s: unexpected script reply %T", worker, res)
	}
	payload, _ := pair[1].(string)
	var qj domain.QueuedJob
	if err := json.Unmarshal([]byte(payload), &qj); err != nil {
		return nil, fmt.Errorf("op=queue.Claim worker=%s: decode payload: %w", worker, err)
	}
	return &qj, nil
}

// Release drops a job from the processing set once it reaches a terminal
// state. Releasing an unknown job is a no-op.
func (q *Queue) Release(ctx domain.Context, jobID string) error {
	if err := q.rdb.HDel(ctx, processingKey, jobID).Err(); err != nil {
		return fmt.Errorf("op=queue.Release job=%s: %w", jobID, err)
	}
	return nil
}

// ProcessingOlderThan lists claims made before the cutoff, the input of the
// claim-timeout sweeper.
func (q *Queue) ProcessingOlderThan(ctx domain.Context, cutoff time.Time) ([]domain.Claim, error) {
	all, err := q.rdb.HGetAll(ctx, processingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.ProcessingOlderThan: %w", err)
	}
	var stale []domain.Claim
	for _, raw := range all {
		var c domain.Claim
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		if c.ClaimedAt.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	return stale, nil
}

// Depth reports the number of pending jobs.
func (q *Queue) Depth(ctx domain.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.Depth: %w", err)
	}
	return n, nil
}

// ProcessingCount reports the number of claimed, unreleased jobs.
func (q *Queue) ProcessingCount(ctx domain.Context) (int64, error) {
	n, err := q.rdb.HLen(ctx, processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.ProcessingCount: %w", err)
	}
	return n, nil
}
