package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateSucceeded State = "succeeded"
	StateExhausted State = "exhausted"
)

// Job is one recording upload. Succeeded and exhausted jobs stay queryable.
type Job struct {
	ID     string `json:"id"`
	CallID string `json:"call_id"`
	Tenant string `json:"tenant"`

	Attempts     int    `json:"attempts"`
	State        State  `json:"state"`
	LastError    string `json:"last_error,omitempty"`
	RecordingURL string `json:"recording_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats are point-in-time queue depths.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Exhausted int64 `json:"exhausted"`
}

// Queue is a Redis-backed job queue.
//
// Keys (all under the queue prefix):
//
//	job:<id>    JSON-encoded Job
//	ready       list of job ids ready to run (FIFO)
//	processing  list of job ids claimed by a worker
//	delayed     zset of job ids scored by due time (unix ms)
//	exhausted   list of job ids that ran out of attempts
type Queue struct {
	rdb    redis.UniversalClient
	prefix string

	// SucceededTTL bounds how long succeeded jobs stay queryable.
	SucceededTTL time.Duration

	Now func() time.Time
}

func NewQueue(rdb redis.UniversalClient) *Queue {
	return &Queue{
		rdb:          rdb,
		prefix:       "uploads:",
		SucceededTTL: 24 * time.Hour,
		Now:          time.Now,
	}
}

func (q *Queue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *Queue) readyKey() string        { return q.prefix + "ready" }
func (q *Queue) processingKey() string   { return q.prefix + "processing" }
func (q *Queue) delayedKey() string      { return q.prefix + "delayed" }
func (q *Queue) exhaustedKey() string    { return q.prefix + "exhausted" }

// Enqueue stores a new waiting job for callID.
func (q *Queue) Enqueue(ctx context.Context, callID, tenant string) (Job, error) {
	if callID == "" || tenant == "" {
		return Job{}, errors.New("recording: call id and tenant required")
	}
	now := q.Now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		CallID:    callID,
		Tenant:    tenant,
		State:     StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return Job{}, err
	}
	if _, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.jobKey(job.ID), raw, 0)
		p.RPush(ctx, q.readyKey(), job.ID)
		return nil
	}); err != nil {
		return Job{}, fmt.Errorf("recording: enqueue: %w", err)
	}
	return job, nil
}

// Schedule enqueues and returns only the job id.
func (q *Queue) Schedule(ctx context.Context, callID, tenant string) (string, error) {
	job, err := q.Enqueue(ctx, callID, tenant)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

var promoteScript = redis.NewScript(`
-- KEYS[1] = delayed zset
-- KEYS[2] = ready list
-- ARGV[1] = now (unix ms)
-- ARGV[2] = batch size
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #due
`)

// PromoteDue moves delayed jobs whose backoff elapsed onto the ready list.
func (q *Queue) PromoteDue(ctx context.Context) (int64, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.readyKey()},
		q.Now().UnixMilli(), 100,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("recording: promote due: %w", err)
	}
	return n, nil
}

// Claim moves the oldest ready job to processing. ok is false when nothing is ready.
func (q *Queue) Claim(ctx context.Context) (Job, bool, error) {
	if _, err := q.PromoteDue(ctx); err != nil {
		return Job{}, false, err
	}
	id, err := q.rdb.LMove(ctx, q.readyKey(), q.processingKey(), "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("recording: claim: %w", err)
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Job body expired or was removed; drop the dangling id.
		q.rdb.LRem(ctx, q.processingKey(), 1, id)
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	job.State = StateActive
	job.UpdatedAt = q.Now().UTC()
	if err := q.save(ctx, q.rdb, job, 0); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// Ack records a successful upload. The job is kept for SucceededTTL.
func (q *Queue) Ack(ctx context.Context, job Job, url string) error {
	job.State = StateSucceeded
	job.RecordingURL = url
	job.LastError = ""
	job.UpdatedAt = q.Now().UTC()
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := q.save(ctx, p, job, q.SucceededTTL); err != nil {
			return err
		}
		p.LRem(ctx, q.processingKey(), 1, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording: ack: %w", err)
	}
	return nil
}

// Retry parks the job in the delayed set until delay elapses. A nil cause
// keeps the job's previous LastError.
func (q *Queue) Retry(ctx context.Context, job Job, delay time.Duration, cause error) error {
	now := q.Now().UTC()
	job.State = StateDelayed
	if cause != nil {
		job.LastError = cause.Error()
	}
	job.UpdatedAt = now
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := q.save(ctx, p, job, 0); err != nil {
			return err
		}
		p.LRem(ctx, q.processingKey(), 1, job.ID)
		p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording: retry: %w", err)
	}
	return nil
}

// Exhaust marks the job as out of attempts. Exhausted jobs never expire.
func (q *Queue) Exhaust(ctx context.Context, job Job, cause error) error {
	job.State = StateExhausted
	job.LastError = errString(cause)
	job.UpdatedAt = q.Now().UTC()
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := q.save(ctx, p, job, 0); err != nil {
			return err
		}
		p.LRem(ctx, q.processingKey(), 1, job.ID)
		p.RPush(ctx, q.exhaustedKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording: exhaust: %w", err)
	}
	return nil
}

// Recover returns jobs left in processing by a crashed worker to the ready list.
// Call once at worker start, before any Claim.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey(), q.readyKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recording: recover: %w", err)
		}
		n++
	}
}

func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("recording: get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("recording: decode job: %w", err)
	}
	return job, nil
}

// ListExhausted returns the exhausted jobs of tenant, oldest first.
func (q *Queue) ListExhausted(ctx context.Context, tenant string) ([]Job, error) {
	ids, err := q.rdb.LRange(ctx, q.exhaustedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("recording: list exhausted: %w", err)
	}
	out := make([]Job, 0)
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Tenant == tenant {
			out = append(out, job)
		}
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var waiting, active, delayed, exhausted *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, q.readyKey())
		active = p.LLen(ctx, q.processingKey())
		delayed = p.ZCard(ctx, q.delayedKey())
		exhausted = p.LLen(ctx, q.exhaustedKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("recording: stats: %w", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Exhausted: exhausted.Val(),
	}, nil
}

func (q *Queue) save(ctx context.Context, c redis.Cmdable, job Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.Set(ctx, q.jobKey(job.ID), raw, ttl).Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
