// Package queue implements the durable, priority-ordered, retrying work queue
// that decouples RFP upload from semantic analysis.
package queue

import (
	"context"
	"time"
)

// Job is one queued unit of "run analysis for this RFP". KnownRequirements
// carries prior requirement descriptions on re-analysis so the analyzer can
// refine instead of starting over; the record itself drops its analysis when
// it re-enters processing.
type Job struct {
	ID                string    `json:"id"`
	RFPID             string    `json:"rfp_id"`
	Priority          int       `json:"priority"` // higher is serviced first
	Attempt           int       `json:"attempt"`  // failed deliveries so far, starts at 0
	MaxAttempts       int       `json:"max_attempts"`
	VisibleAfter      time.Time `json:"visible_after"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
	LastError         string    `json:"last_error,omitempty"`
	KnownRequirements []string  `json:"known_requirements,omitempty"`
}

// Queue is the analysis job queue contract. Delivery is at-least-once: a job
// neither acked nor nacked within the visibility timeout becomes visible
// again, so consumers must tolerate duplicate delivery.
type Queue interface {
	// Enqueue adds a job and returns its id. Higher priority dequeues first;
	// ties go to the earlier enqueue. known is optional prior requirement
	// descriptions for re-analysis.
	Enqueue(ctx context.Context, rfpID string, priority int, known []string) (string, error)
	// Dequeue returns the next visible job for workerID, or nil when none.
	Dequeue(ctx context.Context, workerID string) (*Job, error)
	// Ack destroys a delivered job on terminal success.
	Ack(ctx context.Context, jobID string) error
	// Nack records a failed delivery. When attempts remain the job is
	// re-queued with backoff and requeued is true; otherwise the job is
	// destroyed and requeued is false, telling the caller the failure is
	// permanent.
	Nack(ctx context.Context, jobID string, lastErr string) (requeued bool, err error)
}

// Options tune retry and visibility behavior; zero values fall back to
// sensible defaults.
type Options struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	VisibilityTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	return o
}

// Backoff returns the delay before a job's next delivery: base doubling per
// failed attempt, capped.
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := o.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.MaxBackoff {
			return o.MaxBackoff
		}
	}
	if d > o.MaxBackoff {
		return o.MaxBackoff
	}
	return d
}
