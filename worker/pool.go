// Package worker runs the bounded pool that drains the analysis job queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/model"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/pkg/logger"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/queue"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub001/service"
)

// Analyzer is the semantic analysis collaborator as the pool sees it.
type Analyzer interface {
	Analyze(ctx context.Context, text string, knownRequirements []string) (*model.AnalysisResult, error)
}

// Pool is a fixed-size set of workers pulling analysis jobs. Workers share no
// mutable state beyond the queue and the record store.
type Pool struct {
	size         int
	pollInterval time.Duration
	q            queue.Queue
	store        service.RecordStore
	analyzer     Analyzer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(size int, pollInterval time.Duration, q queue.Queue, store service.RecordStore, analyzer Analyzer) *Pool {
	if size <= 0 {
		size = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Pool{
		size:         size,
		pollInterval: pollInterval,
		q:            q,
		store:        store,
		analyzer:     analyzer,
	}
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}

	logger.Info(ctx, "analysis worker pool started", "size", p.size)
}

// Stop signals the workers and waits for in-progress jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "worker shutting down", "worker_id", workerID)
			return
		case <-ticker.C:
			p.drain(ctx, workerID)
		}
	}
}

// drain processes jobs until the queue is momentarily empty, so a burst does
// not wait one poll interval per job.
func (p *Pool) drain(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.q.Dequeue(ctx, workerID)
		if err != nil {
			logger.Error(ctx, "dequeue failed", "worker_id", workerID, "error", err)
			return
		}
		if job == nil {
			return
		}

		p.process(ctx, workerID, job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) {
	ctx = context.WithValue(ctx, logger.RFPIDKey, job.RFPID)

	rfp, err := p.store.Get(ctx, job.RFPID)
	if err != nil {
		// record gone, nothing to analyze
		logger.Warn(ctx, "dropping job for missing rfp", "worker_id", workerID, "job_id", job.ID, "error", err)
		p.ack(ctx, job.ID)
		return
	}

	// Idempotency guard: duplicate deliveries of a settled RFP are no-ops.
	if rfp.Status.Terminal() {
		logger.Debug(ctx, "skipping terminal rfp", "worker_id", workerID, "status", rfp.Status)
		p.ack(ctx, job.ID)
		return
	}

	if rfp.ExtractedText == "" {
		p.fail(ctx, job, rfp.ID, "no extracted text available for analysis")
		return
	}

	logger.Info(ctx, "analyzing rfp", "worker_id", workerID, "job_id", job.ID, "attempt", job.Attempt)

	result, err := p.analyzer.Analyze(ctx, rfp.ExtractedText, job.KnownRequirements)
	if err != nil {
		p.fail(ctx, job, rfp.ID, err.Error())
		return
	}

	err = p.store.UpdateStatus(ctx, rfp.ID, model.StatusAnalyzed, service.RecordPatch{Analysis: result})
	if err != nil {
		// another worker may have settled the record between our guard and
		// the write; treat a transition conflict as already done
		logger.Warn(ctx, "failed to persist analysis", "worker_id", workerID, "error", err)
		p.ack(ctx, job.ID)
		return
	}

	logger.Info(ctx, "rfp analyzed", "worker_id", workerID, "job_id", job.ID,
		"requirements", len(result.Requirements), "confidence", result.ConfidenceScore)
	p.ack(ctx, job.ID)
}

// fail nacks the job; once retries are exhausted the RFP goes terminal.
func (p *Pool) fail(ctx context.Context, job *queue.Job, rfpID, detail string) {
	requeued, err := p.q.Nack(ctx, job.ID, detail)
	if err != nil {
		logger.Error(ctx, "nack failed", "job_id", job.ID, "error", err)
		return
	}
	if requeued {
		logger.Warn(ctx, "analysis failed, will retry", "job_id", job.ID,
			"attempt", job.Attempt+1, "max_attempts", job.MaxAttempts, "error", detail)
		return
	}

	logger.Error(ctx, "analysis failed permanently", "job_id", job.ID, "error", detail)
	err = p.store.UpdateStatus(ctx, rfpID, model.StatusError, service.RecordPatch{
		ErrorDetail: fmt.Sprintf("analysis failed after %d attempts: %s", job.MaxAttempts, detail),
	})
	if err != nil {
		logger.Error(ctx, "failed to mark rfp as errored", "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, jobID string) {
	if err := p.q.Ack(ctx, jobID); err != nil {
		logger.Warn(ctx, "ack failed", "job_id", jobID, "error", err)
	}
}
