// ============================================================================
// queuectl Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction the worker loop uses to obtain jobs and
//          write results back.
//
//   The Pool does not talk to the store directly. lease.Manager is the
//   production JobSource; tests plug in fakes to drive the loop.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/queuectl/pkg/types"
)

// JobSource hands out leased jobs and accepts resolved ones.
type JobSource interface {
	// Claim returns the next eligible job leased to workerID, or nil when
	// nothing is eligible (including a lost race).
	Claim(ctx context.Context, workerID string) (*types.Job, error)

	// ReclaimStale reverts abandoned processing jobs to pending.
	ReclaimStale(ctx context.Context) (int, error)

	// Release persists the resolved job if workerID still holds its lease.
	Release(ctx context.Context, workerID string, job *types.Job) error

	// DefaultTimeout is the execution timeout for jobs without their own.
	DefaultTimeout() time.Duration

	// Now is the source's clock, used to timestamp resolutions.
	Now() time.Time
}

// Runner executes a command and never fails; *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) Result
}
