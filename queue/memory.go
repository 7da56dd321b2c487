package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownJob is returned when acking or nacking a job that is not in flight.
var ErrUnknownJob = errors.New("unknown or already settled job")

// Memory is the in-memory Queue. It is the default for development and the
// reference implementation for the queue semantics; production deployments
// use the Redis queue.
type Memory struct {
	mu       sync.Mutex
	opts     Options
	ready    jobHeap
	delayed  []*Job            // visibleAfter in the future
	inflight map[string]*lease // delivered, awaiting ack/nack
	seq      uint64
	now      func() time.Time // swapped in tests
}

type lease struct {
	job      *Job
	deadline time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:     opts.withDefaults(),
		inflight: make(map[string]*lease),
		now:      time.Now,
	}
}

func (q *Memory) Enqueue(_ context.Context, rfpID string, priority int, known []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.seq++
	job := &Job{
		ID:                uuid.New().String(),
		RFPID:             rfpID,
		Priority:          priority,
		MaxAttempts:       q.opts.MaxAttempts,
		VisibleAfter:      now,
		EnqueuedAt:        now,
		KnownRequirements: known,
	}
	heap.Push(&q.ready, &item{job: job, seq: q.seq})
	return job.ID, nil
}

func (q *Memory) Dequeue(_ context.Context, workerID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.promoteDue(now)
	q.reapStalled(now)

	if q.ready.Len() == 0 {
		return nil, nil
	}

	it := heap.Pop(&q.ready).(*item)
	q.inflight[it.job.ID] = &lease{
		job:      it.job,
		deadline: now.Add(q.opts.VisibilityTimeout),
	}

	cp := *it.job
	return &cp, nil
}

func (q *Memory) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[jobID]; !ok {
		return ErrUnknownJob
	}
	delete(q.inflight, jobID)
	return nil
}

func (q *Memory) Nack(_ context.Context, jobID string, lastErr string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.inflight[jobID]
	if !ok {
		return false, ErrUnknownJob
	}
	delete(q.inflight, jobID)

	job := l.job
	job.Attempt++
	job.LastError = lastErr

	if job.Attempt >= job.MaxAttempts {
		// retries exhausted, job destroyed
		return false, nil
	}

	job.VisibleAfter = q.now().Add(q.opts.Backoff(job.Attempt))
	q.delayed = append(q.delayed, job)
	return true, nil
}

// promoteDue moves delayed jobs whose time has come into the ready heap.
// Caller holds the lock.
func (q *Memory) promoteDue(now time.Time) {
	var remaining []*Job
	for _, job := range q.delayed {
		if !job.VisibleAfter.After(now) {
			q.seq++
			heap.Push(&q.ready, &item{job: job, seq: q.seq})
		} else {
			remaining = append(remaining, job)
		}
	}
	q.delayed = remaining
}

// reapStalled returns jobs whose visibility timeout expired to the ready
// heap so another worker can pick them up. Caller holds the lock.
func (q *Memory) reapStalled(now time.Time) {
	for id, l := range q.inflight {
		if l.deadline.After(now) {
			continue
		}
		delete(q.inflight, id)
		q.seq++
		heap.Push(&q.ready, &item{job: l.job, seq: q.seq})
	}
}

// Size returns the number of jobs held in any state.
func (q *Memory) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + len(q.delayed) + len(q.inflight)
}

// PendingFor counts jobs for one RFP in any state.
func (q *Memory) PendingFor(rfpID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, it := range q.ready {
		if it.job.RFPID == rfpID {
			n++
		}
	}
	for _, job := range q.delayed {
		if job.RFPID == rfpID {
			n++
		}
	}
	for _, l := range q.inflight {
		if l.job.RFPID == rfpID {
			n++
		}
	}
	return n
}

// item wraps a job with an insertion sequence so equal enqueue times still
// order deterministically.
type item struct {
	job *Job
	seq uint64
}

// jobHeap orders by priority (higher first), then original enqueue time, so a
// job returning from backoff or a stalled lease keeps its place among its
// priority peers.
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	if !h[i].job.EnqueuedAt.Equal(h[j].job.EnqueuedAt) {
		return h[i].job.EnqueuedAt.Before(h[j].job.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
