package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

const (
	readyKey    = "rfpq:ready"    // ZSET, score encodes priority then enqueue time
	delayedKey  = "rfpq:delayed"  // ZSET, score = visibleAfter unix
	inflightKey = "rfpq:inflight" // ZSET, score = lease deadline unix
	jobKeyFmt   = "rfpq:job:%s"   // JSON payload per job
)

// Redis is the durable Queue used in production deployments. Jobs live as
// JSON values; three sorted sets track readiness, delay, and in-flight
// leases. Semantics match the in-memory queue, with FIFO ties resolved at
// second granularity.
type Redis struct {
	rdb  *r.Client
	opts Options
}

func NewRedis(rdb *r.Client, opts Options) *Redis {
	return &Redis{rdb: rdb, opts: opts.withDefaults()}
}

func jobKey(id string) string { return fmt.Sprintf(jobKeyFmt, id) }

// readyScore orders by priority first (higher priority, lower score), then
// by enqueue time within a priority band.
func readyScore(priority int, at time.Time) float64 {
	return float64(-priority)*1e12 + float64(at.Unix())
}

func (q *Redis) Enqueue(ctx context.Context, rfpID string, priority int, known []string) (string, error) {
	now := time.Now()
	job := &Job{
		ID:                uuid.New().String(),
		RFPID:             rfpID,
		Priority:          priority,
		MaxAttempts:       q.opts.MaxAttempts,
		VisibleAfter:      now,
		EnqueuedAt:        now,
		KnownRequirements: known,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), payload, 0)
	pipe.ZAdd(ctx, readyKey, r.Z{Score: readyScore(priority, now), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job.ID, nil
}

func (q *Redis) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	now := time.Now()
	if err := q.promoteDue(ctx, now); err != nil {
		return nil, err
	}
	if err := q.reapStalled(ctx, now); err != nil {
		return nil, err
	}

	ids, err := q.rdb.ZRange(ctx, readyKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to peek ready set: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	jobID := ids[0]

	// Lease and removal commit together, so a crash mid-dequeue leaves the
	// job in exactly one of the two sets and the reaper can recover it.
	deadline := now.Add(q.opts.VisibilityTimeout)
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, inflightKey, r.Z{Score: float64(deadline.Unix()), Member: jobID})
	zrem := pipe.ZRem(ctx, readyKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if zrem.Val() == 0 {
		// another worker claimed it between the peek and the lease; its
		// lease stands (our ZAdd only nudged the deadline), try again later
		return nil, nil
	}

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, r.Nil) {
			// payload vanished; drop the dangling reference
			q.rdb.ZRem(ctx, inflightKey, jobID)
			return nil, nil
		}
		return nil, err
	}

	return job, nil
}

func (q *Redis) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.Del(ctx, jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Redis) Nack(ctx context.Context, jobID string, lastErr string) (bool, error) {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, r.Nil) {
			return false, ErrUnknownJob
		}
		return false, err
	}

	job.Attempt++
	job.LastError = lastErr

	if job.Attempt >= job.MaxAttempts {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, inflightKey, jobID)
		pipe.Del(ctx, jobKey(jobID))
		if _, err := pipe.Exec(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	job.VisibleAfter = time.Now().Add(q.opts.Backoff(job.Attempt))
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(jobID), payload, 0)
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZAdd(ctx, delayedKey, r.Z{Score: float64(job.VisibleAfter.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	return true, nil
}

func (q *Redis) loadJob(ctx context.Context, jobID string) (*Job, error) {
	payload, err := q.rdb.Get(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// promoteDue moves delayed jobs whose visibleAfter has passed into the ready
// set. Scoring with the original EnqueuedAt keeps a requeued job's place among
// its priority peers.
func (q *Redis) promoteDue(ctx context.Context, now time.Time) error {
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		score := readyScore(0, now)
		if err == nil {
			score = readyScore(job.Priority, job.EnqueuedAt)
		}
		pipe.ZAdd(ctx, readyKey, r.Z{Score: score, Member: id})
		pipe.ZRem(ctx, delayedKey, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// reapStalled returns jobs with expired leases to the ready set.
func (q *Redis) reapStalled(ctx context.Context, now time.Time) error {
	ids, err := q.rdb.ZRangeByScore(ctx, inflightKey, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		score := readyScore(0, now)
		if err == nil {
			score = readyScore(job.Priority, job.EnqueuedAt)
		}
		pipe.ZAdd(ctx, readyKey, r.Z{Score: score, Member: id})
		pipe.ZRem(ctx, inflightKey, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}
