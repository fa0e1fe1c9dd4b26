package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrDuplicate is returned when an idempotency key suppressed an enqueue.
// Callers treat it as a benign no-op.
var ErrDuplicate = errors.New("jobs: duplicate idempotency key")

const (
	idempotencyTTL    = 24 * time.Hour
	visibilityTimeout = 2 * time.Minute
	deadLetterMax     = 1000
)

// Client is the durable queue over Redis. Scheduled jobs live in a ZSET
// scored by due time; claimed jobs move to a processing ZSET scored by
// their visibility deadline; exhausted jobs land in a dead-letter list.
type Client struct {
	rdb       *redis.Client
	log       *zap.Logger
	retention time.Duration
}

func NewClient(rdb *redis.Client, retention time.Duration, log *zap.Logger) *Client {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Client{rdb: rdb, log: log, retention: retention}
}

func scheduledKey(queue string) string { return "jobs:" + queue + ":scheduled" }
func processingKey(queue string) string { return "jobs:" + queue + ":processing" }
func deadKey(queue string) string      { return "jobs:" + queue + ":dead" }
func dataKey(queue, id string) string  { return "jobs:" + queue + ":job:" + id }
func idemKey(queue, key string) string { return "jobs:" + queue + ":idem:" + key }

// Enqueue schedules a job. A non-empty IdempotencyKey suppresses duplicate
// enqueues for 24h and returns ErrDuplicate.
func (c *Client) Enqueue(ctx context.Context, queue, kind string, payload any, opts EnqueueOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	if opts.IdempotencyKey != "" {
		ok, err := c.rdb.SetNX(ctx, idemKey(queue, opts.IdempotencyKey), 1, idempotencyTTL).Result()
		if err != nil {
			return "", fmt.Errorf("idempotency check: %w", err)
		}
		if !ok {
			return "", ErrDuplicate
		}
	}

	now := time.Now()
	job := &Job{
		ID:             uuid.New().String(),
		Queue:          queue,
		Kind:           kind,
		Payload:        body,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		Backoff:        opts.Backoff,
		IdempotencyKey: opts.IdempotencyKey,
		EnqueuedAt:     now,
		ScheduledFor:   now.Add(opts.Delay),
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}

	if err := c.save(ctx, job); err != nil {
		return "", err
	}
	if err := c.rdb.ZAdd(ctx, scheduledKey(queue), redis.Z{
		Score:  score(job.ScheduledFor, job.Priority),
		Member: job.ID,
	}).Err(); err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}

	c.log.Debug("job enqueued",
		zap.String("queue", queue),
		zap.String("kind", kind),
		zap.String("job_id", job.ID),
		zap.Time("scheduled_for", job.ScheduledFor),
	)
	return job.ID, nil
}

// score orders due jobs: higher priority sorts marginally earlier among
// jobs due at the same time, without ever making a delayed job claimable
// before its due time (the claim range is bounded by now).
func score(due time.Time, priority int) float64 {
	return float64(due.UnixMilli()) - float64(priority)/1000
}

// Claim pops the next due job, moving it to the processing set. Returns
// nil when nothing is due. Safe for concurrent workers: the ZRem is the
// arbiter when two workers read the same member.
func (c *Client) Claim(ctx context.Context, queue string) (*Job, error) {
	now := time.Now()
	for {
		ids, err := c.rdb.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%f", float64(now.UnixMilli())), Count: 5,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("claim scan: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		for _, id := range ids {
			removed, err := c.rdb.ZRem(ctx, scheduledKey(queue), id).Result()
			if err != nil {
				return nil, fmt.Errorf("claim take: %w", err)
			}
			if removed == 0 {
				continue // another worker got it
			}
			job, err := c.load(ctx, queue, id)
			if err != nil {
				c.log.Warn("claimed job has no data, dropping", zap.String("job_id", id), zap.Error(err))
				continue
			}
			if err := c.rdb.ZAdd(ctx, processingKey(queue), redis.Z{
				Score:  float64(now.Add(visibilityTimeout).UnixMilli()),
				Member: id,
			}).Err(); err != nil {
				return nil, fmt.Errorf("claim track: %w", err)
			}
			return job, nil
		}
	}
}

// ClaimFirst tries queues in order, returning the first due job.
func (c *Client) ClaimFirst(ctx context.Context, queues ...string) (*Job, error) {
	for _, q := range queues {
		job, err := c.Claim(ctx, q)
		if err != nil || job != nil {
			return job, err
		}
	}
	return nil, nil
}

// Complete acknowledges a finished job. The record is kept under the
// retention TTL for audit.
func (c *Client) Complete(ctx context.Context, job *Job) error {
	if err := c.rdb.ZRem(ctx, processingKey(job.Queue), job.ID).Err(); err != nil {
		return err
	}
	return c.rdb.Expire(ctx, dataKey(job.Queue, job.ID), c.retention).Err()
}

// Retry reschedules a failed job with backoff, or dead-letters it once
// attempts are exhausted. Returns true if the job went to the dead letter.
func (c *Client) Retry(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++
	job.LastError = cause.Error()

	if err := c.rdb.ZRem(ctx, processingKey(job.Queue), job.ID).Err(); err != nil {
		return false, err
	}

	if job.Attempts >= job.MaxAttempts {
		return true, c.deadLetter(ctx, job)
	}

	job.ScheduledFor = time.Now().Add(job.Backoff.Delay(job.Attempts))
	if err := c.save(ctx, job); err != nil {
		return false, err
	}
	if err := c.rdb.ZAdd(ctx, scheduledKey(job.Queue), redis.Z{
		Score:  score(job.ScheduledFor, job.Priority),
		Member: job.ID,
	}).Err(); err != nil {
		return false, err
	}
	c.log.Warn("job rescheduled",
		zap.String("queue", job.Queue),
		zap.String("kind", job.Kind),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Time("next_at", job.ScheduledFor),
		zap.Error(cause),
	)
	return false, nil
}

// Fail dead-letters a job immediately (non-retryable outcome).
func (c *Client) Fail(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()
	if err := c.rdb.ZRem(ctx, processingKey(job.Queue), job.ID).Err(); err != nil {
		return err
	}
	return c.deadLetter(ctx, job)
}

func (c *Client) deadLetter(ctx context.Context, job *Job) error {
	if err := c.save(ctx, job); err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, deadKey(job.Queue), job.ID)
	pipe.LTrim(ctx, deadKey(job.Queue), 0, deadLetterMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	c.log.Error("job dead-lettered",
		zap.String("queue", job.Queue),
		zap.String("kind", job.Kind),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("last_error", job.LastError),
	)
	return nil
}

// RequeueLost returns processing jobs whose visibility deadline passed
// (worker crash) to the scheduled set. Called by the maintenance queue.
func (c *Client) RequeueLost(ctx context.Context, queue string) (int, error) {
	now := time.Now()
	ids, err := c.rdb.ZRangeByScore(ctx, processingKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", float64(now.UnixMilli())),
	}).Result()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, id := range ids {
		removed, err := c.rdb.ZRem(ctx, processingKey(queue), id).Result()
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		if err := c.rdb.ZAdd(ctx, scheduledKey(queue), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: id,
		}).Err(); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// DeadLetters lists dead-lettered jobs for operator inspection.
func (c *Client) DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := c.rdb.LRange(ctx, deadKey(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := c.load(ctx, queue, id)
		if err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// QueueCounts reports depth per state for monitoring.
func (c *Client) QueueCounts(ctx context.Context, queue string) (Counts, error) {
	pipe := c.rdb.Pipeline()
	sched := pipe.ZCard(ctx, scheduledKey(queue))
	proc := pipe.ZCard(ctx, processingKey(queue))
	dead := pipe.LLen(ctx, deadKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{Scheduled: sched.Val(), Processing: proc.Val(), Dead: dead.Val()}, nil
}

func (c *Client) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return c.rdb.Set(ctx, dataKey(job.Queue, job.ID), data, 0).Err()
}

func (c *Client) load(ctx context.Context, queue, id string) (*Job, error) {
	data, err := c.rdb.Get(ctx, dataKey(queue, id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
