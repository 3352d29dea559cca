// Package queue is a durable Redis-backed work queue with idempotency keys.
// Job state survives worker restarts; a new job with an existing id is
// rejected unless the prior run reached a terminal state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job types dispatched by the scheduler.
const (
	TypeDiscoverContract = "discover-contract"
	TypeSyncContract     = "sync-contract"
	TypeAggregateMetrics = "aggregate-metrics"
)

// Job statuses.
const (
	StatusWaiting   = "waiting"
	StatusDelayed   = "delayed"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrDuplicateJob means a job with the same id is still waiting, delayed,
// or active.
var ErrDuplicateJob = errors.New("queue: duplicate job id")

// Retry policy: 3 attempts with exponential backoff starting at 5 s.
const (
	DefaultMaxAttempts  = 3
	retryInitialBackoff = 5 * time.Second
)

// Payload is the wire format jobs carry: {"contractId": "<uuid>"} for
// discover/sync, {} for aggregate.
type Payload struct {
	ContractID string `json:"contractId,omitempty"`
}

// Job is one unit of queued work. ID doubles as the idempotency key:
// discover-<uuid>, sync-<uuid>, or aggregate.
type Job struct {
	ID          string
	Type        string
	Payload     Payload
	Attempts    int
	MaxAttempts int
	Timeout     time.Duration
}

// DiscoverJobID returns the idempotency key for a discover job.
func DiscoverJobID(contractID string) string { return "discover-" + contractID }

// SyncJobID returns the idempotency key for a sync job.
func SyncJobID(contractID string) string { return "sync-" + contractID }

// AggregateJobID is the singleton aggregation job key.
const AggregateJobID = "aggregate"

// Queue persists jobs in Redis under a name prefix. Layout:
//
//	<name>:job:<id>  hash: type, payload, status, attempts, max_attempts, timeout_ms, error
//	<name>:waiting   list of ready job ids (FIFO)
//	<name>:delayed   zset of job ids scored by ready-at unix ms
//	<name>:active    list of in-flight job ids
//
// Claiming a job is a single LMOVE from waiting to active, so an id is
// always in exactly one of the three structures; a worker that dies
// mid-claim leaves the id on the active list where Reconcile finds it.
type Queue struct {
	rdb    *redis.Client
	name   string
	paused atomic.Bool
}

func New(rdb *redis.Client, name string) *Queue {
	if name == "" {
		name = "stablescan"
	}
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) jobKey(id string) string { return q.name + ":job:" + id }
func (q *Queue) waitingKey() string      { return q.name + ":waiting" }
func (q *Queue) delayedKey() string      { return q.name + ":delayed" }
func (q *Queue) activeKey() string       { return q.name + ":active" }

// enqueueScript admits a job only when its id is unused or terminal. It
// rewrites the job hash and pushes to waiting (delay=0) or delayed.
var enqueueScript = redis.NewScript(`
local jobKey = KEYS[1]
local waiting = KEYS[2]
local delayed = KEYS[3]
local id = ARGV[1]
local jobType = ARGV[2]
local payload = ARGV[3]
local maxAttempts = ARGV[4]
local timeoutMs = ARGV[5]
local readyAt = tonumber(ARGV[6])

local status = redis.call('HGET', jobKey, 'status')
if status and status ~= 'completed' and status ~= 'failed' then
  return 0
end

redis.call('DEL', jobKey)
if readyAt > 0 then
  redis.call('HSET', jobKey, 'type', jobType, 'payload', payload,
    'status', 'delayed', 'attempts', '0',
    'max_attempts', maxAttempts, 'timeout_ms', timeoutMs)
  redis.call('ZADD', delayed, readyAt, id)
else
  redis.call('HSET', jobKey, 'type', jobType, 'payload', payload,
    'status', 'waiting', 'attempts', '0',
    'max_attempts', maxAttempts, 'timeout_ms', timeoutMs)
  redis.call('RPUSH', waiting, id)
end
return 1
`)

// Enqueue adds a job, enforcing the idempotency-key rule.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	return q.enqueue(ctx, job, 0)
}

// EnqueueDelayed adds a job that becomes ready after delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error {
	return q.enqueue(ctx, job, delay)
}

func (q *Queue) enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.MaxAttempts == 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	readyAt := int64(0)
	if delay > 0 {
		readyAt = time.Now().Add(delay).UnixMilli()
	}
	ok, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(job.ID), q.waitingKey(), q.delayedKey()},
		job.ID, job.Type, string(payload),
		job.MaxAttempts, job.Timeout.Milliseconds(), readyAt,
	).Int64()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	return nil
}

// Pause stops Next from handing out jobs. Durable state is untouched.
func (q *Queue) Pause() { q.paused.Store(true) }

// Resume re-enables job delivery.
func (q *Queue) Resume() { q.paused.Store(false) }

// Paused reports whether delivery is paused.
func (q *Queue) Paused() bool { return q.paused.Load() }

// Next promotes due delayed jobs, then pops the oldest waiting job and marks
// it active. Returns nil when the queue is paused or empty.
func (q *Queue) Next(ctx context.Context) (*Job, error) {
	if q.paused.Load() {
		return nil, nil
	}
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	// The claim must be atomic: a plain pop followed by a status write
	// would leave the id in no structure at all if the worker dies between
	// the two, and Reconcile could never find it again.
	id, err := q.rdb.LMove(ctx, q.waitingKey(), q.activeKey(), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim waiting: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "status", StatusActive)
	pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		// The id stays on the active list; Reconcile fails it on restart.
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}
	return q.load(ctx, id)
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "0", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed: %w", err)
	}
	for _, id := range ids {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "status", StatusWaiting)
		pipe.RPush(ctx, q.waitingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
	}
	return nil
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s disappeared", id)
	}
	job := &Job{ID: id, Type: fields["type"]}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["timeout_ms"], 10, 64); err == nil {
		job.Timeout = time.Duration(ms) * time.Millisecond
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return nil, fmt.Errorf("job %s payload: %w", id, err)
		}
	}
	return job, nil
}

// Complete marks an active job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, id)
	pipe.HSet(ctx, q.jobKey(id), "status", StatusCompleted, "error", "")
	_, err := pipe.Exec(ctx)
	return err
}

// Fail records a job failure. Attempts below the budget re-enter the
// delayed set with exponential backoff; the rest land in failed. Returns
// whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, cause string) (bool, error) {
	retry := job.Attempts < job.MaxAttempts
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, job.ID)
	if retry {
		backoff := RetryBackoff(job.Attempts)
		pipe.HSet(ctx, q.jobKey(job.ID), "status", StatusDelayed, "error", cause)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{
			Score:  float64(time.Now().Add(backoff).UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.HSet(ctx, q.jobKey(job.ID), "status", StatusFailed, "error", cause)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return retry, nil
}

// RetryBackoff returns the delay before retry number attempt+1 (attempt is
// the count already consumed): 5s, 10s, 20s, ...
func RetryBackoff(attempt int) time.Duration {
	backoff := retryInitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

// InFlight reports whether the job id is waiting, delayed, or active.
func (q *Queue) InFlight(ctx context.Context, id string) (bool, error) {
	status, err := q.rdb.HGet(ctx, q.jobKey(id), "status").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusWaiting || status == StatusDelayed || status == StatusActive, nil
}

// Reconcile runs once at worker start, before Resume: every job left on the
// active list by a previous crash is forced to failed, including ids claimed
// but never marked active; waiting and delayed jobs are retained. Returns how
// many jobs were failed.
func (q *Queue) Reconcile(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}
	for _, id := range ids {
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 0, id)
		pipe.HSet(ctx, q.jobKey(id), "status", StatusFailed, "error", "stuck from previous run")
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("reconcile %s: %w", id, err)
		}
	}
	return len(ids), nil
}
