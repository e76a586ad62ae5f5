// ============================================================================
// queuectl Worker - Claim / Execute / Resolve Loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One independent loop; a Pool runs N of them as goroutines
//
// Loop:
//   1. Poll the stop signal and the context
//   2. ReclaimStale when the reclaim interval has elapsed (0 = every round)
//   3. Claim; when nothing is eligible sleep the jittered idle interval
//   4. Execute with the job's timeout
//   5. Resolve the result into completed / failed / dead
//   6. Release (fenced persist), retried on store errors while the lease lasts
//
// Error Handling:
//   - Execution errors never leave the loop; they become job state
//   - Store errors are logged, the loop waits ErrorBackoff and retries
//   - A lost claim race is simply "no job"
//
// Shutdown:
//   A stop request is only observed between jobs. A running subprocess
//   keeps its own timeout and its result is still written back.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/lease"
	"github.com/ChuLiYu/queuectl/internal/metrics"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// Worker represents one claim-execute-resolve loop.
type Worker struct {
	id      string
	source  JobSource
	runner  Runner
	cfg     Config
	stop    StopSignal
	metrics *metrics.Collector
	journal *journal.Journal
	logger  *slog.Logger

	processed atomic.Int64
}

func newWorker(id string, p *Pool) *Worker {
	return &Worker{
		id:      id,
		source:  p.source,
		runner:  p.runner,
		cfg:     p.cfg,
		stop:    p.stop,
		metrics: p.metrics,
		journal: p.journal,
		logger:  p.logger.With("worker", id),
	}
}

// ID returns the worker id, <host>-<pid>-w<n>.
func (w *Worker) ID() string { return w.id }

// Processed returns how many jobs this worker resolved.
func (w *Worker) Processed() int { return int(w.processed.Load()) }

// Run loops until ctx is cancelled or the stop signal fires.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Worker started")
	defer func() { w.logger.Info("Worker stopped", "processed", w.processed.Load()) }()

	var lastReclaim time.Time
	idle := 0
	for {
		if ctx.Err() != nil || w.stopRequested() {
			return
		}

		if w.cfg.ReclaimInterval <= 0 || time.Since(lastReclaim) >= w.cfg.ReclaimInterval {
			if _, err := w.source.ReclaimStale(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Error("Reclaim failed", "error", err)
				w.sleep(ctx, w.cfg.ErrorBackoff)
				continue
			}
			lastReclaim = time.Now()
		}

		job, err := w.source.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Claim failed", "error", err)
			w.sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}
		if job == nil {
			idle++
			if idle%w.cfg.HeartbeatEvery == 0 {
				w.logger.Info("No jobs yet", "idleRounds", idle)
			}
			w.sleep(ctx, w.jitter())
			continue
		}

		idle = 0
		if err := w.process(ctx, job); err != nil {
			w.sleep(ctx, w.cfg.ErrorBackoff)
		}
	}
}

// process executes one leased job and writes the outcome back.
func (w *Worker) process(ctx context.Context, job *types.Job) error {
	timeout := job.Timeout(w.source.DefaultTimeout())
	w.logger.Info("Executing job", "jobID", job.ID, "attempt", job.Attempts+1, "timeout", timeout)

	res := w.runner.Run(ctx, job.Command, timeout)
	next := jobmanager.Resolve(job, res, w.cfg.Policy, w.source.Now())

	if err := w.release(ctx, job, next); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			w.logger.Warn("Lease lost before result was written", "jobID", job.ID, "error", err)
			return nil
		}
		w.logger.Error("Gave up persisting job result", "jobID", job.ID, "error", err)
		return err
	}

	w.processed.Add(1)
	w.metrics.RecordOutcome(next.State, res.Duration.Seconds())
	w.report(next, res)
	return nil
}

// release writes next back, retrying store errors every ErrorBackoff until
// the lease the job was claimed under runs out. A stop request does not cut
// the retries short.
func (w *Worker) release(ctx context.Context, claimed, next *types.Job) error {
	ctx = context.WithoutCancel(ctx)
	deadline := w.source.Now().Add(claimed.Timeout(w.source.DefaultTimeout()))
	if claimed.Lease != nil {
		deadline = claimed.Lease.LeaseUntil
	}
	for {
		err := w.source.Release(ctx, w.id, next)
		if err == nil || errors.Is(err, lease.ErrLeaseLost) {
			return err
		}
		if !w.source.Now().Add(w.cfg.ErrorBackoff).Before(deadline) {
			return err
		}
		w.logger.Warn("Failed to persist job result, retrying", "jobID", next.ID, "error", err)
		w.sleep(ctx, w.cfg.ErrorBackoff)
	}
}

func (w *Worker) report(job *types.Job, res Result) {
	attrs := []any{"jobID", job.ID, "attempts", job.Attempts, "duration", res.Duration}
	switch job.State {
	case types.StateCompleted:
		w.logger.Info("Job completed", attrs...)
		w.journal.Record(journal.EventComplete, job, w.id, "")
	case types.StateFailed:
		w.logger.Warn("Job failed, will retry", append(attrs, "error", res.Error, "nextRunAt", job.NextRunAt)...)
		w.journal.Record(journal.EventRetry, job, w.id, res.Error)
	case types.StateDead:
		w.logger.Error("Job moved to DLQ", append(attrs, "error", res.Error)...)
		w.journal.Record(journal.EventDead, job, w.id, res.Error)
	}
}

func (w *Worker) stopRequested() bool {
	return w.stop != nil && w.stop()
}

// jitter spreads idle polling over [0.5, 1.5) of the idle interval.
func (w *Worker) jitter() time.Duration {
	d := w.cfg.IdleInterval
	return d/2 + rand.N(d)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
