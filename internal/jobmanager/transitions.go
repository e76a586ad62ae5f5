package jobmanager

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/queuectl/internal/backoff"
	"github.com/ChuLiYu/queuectl/internal/executor"
	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// ============================================================================
// 任務狀態轉換 (State Machine)
// ============================================================================
//
//   pending/failed --claim--> processing
//   processing --exit 0--> completed
//   processing --failure, attempts+1 <= max_retries--> failed (next_run_at)
//   processing --failure, attempts+1 >  max_retries--> dead
//   processing --lease expired--> pending      (reclaim, attempts 不變)
//   dead --operator retry--> pending           (attempts 歸零)
//
// ============================================================================

// Resolve applies an execution result to a processing job and returns the
// updated copy. The input is not modified.
func Resolve(job *types.Job, res executor.Result, policy backoff.Policy, now time.Time) *types.Job {
	next := job.Clone()
	next.Lease = nil
	next.NextRunAt = nil
	next.UpdatedAt = now
	next.ExitCode = res.ExitCode
	next.StdoutTail = res.Stdout
	next.StderrTail = res.Stderr

	if res.Success() {
		next.State = types.StateCompleted
		next.Error = ""
		return next
	}

	next.Error = res.Error
	next.Attempts++
	if next.Attempts > next.MaxRetries {
		next.State = types.StateDead
		return next
	}
	next.State = types.StateFailed
	runAt := now.Add(policy.Delay(next.Attempts))
	next.NextRunAt = &runAt
	return next
}

// ResetDead moves a dead job back to pending with a clean slate.
func ResetDead(job *types.Job, now time.Time) (*types.Job, error) {
	if job.State != types.StateDead {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotInDLQ, job.ID, job.State)
	}
	next := job.Clone()
	DLQRetryMutation(now).Apply(next)
	return next, nil
}

// DLQRetryMutation is the store form of ResetDead.
func DLQRetryMutation(now time.Time) storage.Mutation {
	return storage.Mutation{
		State:          types.StatePending,
		ClearLease:     true,
		ClearNextRunAt: true,
		Reset:          true,
		UpdatedAt:      now,
	}
}

// ClaimFilter selects jobs eligible for a claim at now.
func ClaimFilter(now time.Time) storage.Filter {
	return storage.Filter{
		States: []types.JobState{types.StatePending, types.StateFailed},
		DueBy:  now,
	}
}

// ClaimMutation stamps a lease for workerID.
func ClaimMutation(workerID string, now time.Time, lease time.Duration) storage.Mutation {
	return storage.Mutation{
		State:          types.StateProcessing,
		Lease:          &types.Lease{WorkerID: workerID, LeaseUntil: now.Add(lease)},
		ClearNextRunAt: true,
		UpdatedAt:      now,
	}
}

// StaleFilter selects processing jobs whose lease is gone or expired.
func StaleFilter(now time.Time) storage.Filter {
	return storage.Filter{
		States:         []types.JobState{types.StateProcessing},
		LeaseExpiredBy: now,
	}
}

// HeldFilter selects job id while workerID still holds its lease.
func HeldFilter(id, workerID string) storage.Filter {
	return storage.Filter{
		ID:          id,
		States:      []types.JobState{types.StateProcessing},
		LeaseHolder: workerID,
	}
}

// ReclaimMutation reverts an abandoned job to pending without touching attempts.
func ReclaimMutation(now time.Time) storage.Mutation {
	return storage.Mutation{
		State:          types.StatePending,
		ClearLease:     true,
		ClearNextRunAt: true,
		UpdatedAt:      now,
	}
}
