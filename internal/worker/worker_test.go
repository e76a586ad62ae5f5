package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify the claim loop, result handling, stop signal and shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/internal/backoff"
	"github.com/ChuLiYu/queuectl/internal/executor"
	"github.com/ChuLiYu/queuectl/internal/lease"
	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/internal/storage/fsstore"
	"github.com/ChuLiYu/queuectl/internal/storage/storetest"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

// scriptRunner fakes command execution: argv[0] selects the outcome.
type scriptRunner struct {
	mu    sync.Mutex
	runs  map[string]int
	delay time.Duration
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{runs: map[string]int{}}
}

func (r *scriptRunner) Run(_ context.Context, argv []string, _ time.Duration) Result {
	r.mu.Lock()
	r.runs[argv[len(argv)-1]]++
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	code := 0
	switch argv[0] {
	case "ok":
		return Result{ExitCode: &code, Stdout: "done"}
	case "timeout":
		return Result{Error: executor.ErrTimeout}
	default:
		code = 1
		return Result{ExitCode: &code, Error: executor.ErrNonZeroExit, Stderr: "boom"}
	}
}

func (r *scriptRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func (r *scriptRunner) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.runs {
		n += c
	}
	return n
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := fsstore.Open(t.TempDir(), fsstore.WithClaimGrace(0))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s storage.Store, id string, argv ...string) {
	t.Helper()
	j := storetest.NewJob(id, 0)
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	j.Command = append(argv, id)
	require.NoError(t, s.Insert(context.Background(), j))
}

func testConfig() Config {
	return Config{
		IdleInterval: 5 * time.Millisecond,
		ErrorBackoff: 5 * time.Millisecond,
		Policy:       backoff.Policy{Base: 2, MaxSec: 60},
		HostID:       "test-1",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func stateOf(t *testing.T, s storage.Store, id string) types.JobState {
	t.Helper()
	j, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return j.State
}

// ============================================================================
// Pool Lifecycle
// ============================================================================

func TestPoolStart(t *testing.T) {
	s := newStore(t)
	pool := NewPool(lease.New(s), newScriptRunner(), testConfig())
	assert.False(t, pool.IsStarted())

	require.NoError(t, pool.Start(context.Background(), 3))
	assert.True(t, pool.IsStarted())
	assert.Equal(t, 3, pool.GetWorkerCount())
	assert.Equal(t, []string{"test-1-w0", "test-1-w1", "test-1-w2"}, pool.WorkerIDs())

	assert.ErrorIs(t, pool.Start(context.Background(), 1), ErrPoolStarted)
	pool.Stop()
}

func TestPoolRejectsZeroWorkers(t *testing.T) {
	pool := NewPool(lease.New(newStore(t)), newScriptRunner(), testConfig())
	assert.ErrorIs(t, pool.Start(context.Background(), 0), ErrInvalidCount)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(lease.New(newStore(t)), newScriptRunner(), testConfig())
	assert.NotPanics(t, pool.Stop)
}

func TestWorkerIDFormat(t *testing.T) {
	assert.Equal(t, "host-42-w3", WorkerID("host-42", 3))
	assert.True(t, strings.Contains(DefaultHostID(), "-"))
}

// ============================================================================
// Execution
// ============================================================================

func TestPoolCompletesJobs(t *testing.T) {
	s := newStore(t)
	runner := newScriptRunner()
	for i := 0; i < 10; i++ {
		enqueue(t, s, fmt.Sprintf("job-%02d", i), "ok")
	}

	pool := NewPool(lease.New(s), runner, testConfig())
	require.NoError(t, pool.Start(context.Background(), 4))
	defer pool.Stop()

	waitFor(t, func() bool {
		counts, err := s.CountByState(context.Background())
		return err == nil && counts[types.StateCompleted] == 10
	})

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("job-%02d", i)
		assert.Equal(t, 1, runner.count(id), "job %s ran exactly once", id)
		j, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "done", j.StdoutTail)
		assert.Nil(t, j.Lease)
	}
}

func TestFailureSchedulesRetry(t *testing.T) {
	s := newStore(t)
	enqueue(t, s, "bad", "fail")

	pool := NewPool(lease.New(s), newScriptRunner(), testConfig())
	require.NoError(t, pool.Start(context.Background(), 1))
	waitFor(t, func() bool { return stateOf(t, s, "bad") == types.StateFailed })
	pool.Stop()

	j, err := s.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.NextRunAt)
	assert.True(t, j.NextRunAt.After(j.UpdatedAt))
	assert.Equal(t, executor.ErrNonZeroExit, j.Error)
	assert.Equal(t, "boom", j.StderrTail)
}

func TestExhaustedJobGoesDead(t *testing.T) {
	s := newStore(t)
	j := storetest.NewJob("doomed", 0)
	j.Command = []string{"timeout", "doomed"}
	j.MaxRetries = 0
	require.NoError(t, s.Insert(context.Background(), j))

	pool := NewPool(lease.New(s), newScriptRunner(), testConfig())
	require.NoError(t, pool.Start(context.Background(), 2))
	waitFor(t, func() bool { return stateOf(t, s, "doomed") == types.StateDead })
	pool.Stop()

	got, err := s.Get(context.Background(), "doomed")
	require.NoError(t, err)
	assert.Equal(t, executor.ErrTimeout, got.Error)
	assert.Equal(t, 1, got.Attempts)
}

func TestWorkerReclaimsStaleJobs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	j := storetest.NewJob("orphan", 0)
	j.Command = []string{"ok", "orphan"}
	j.State = types.StateProcessing
	j.Attempts = 1
	j.Lease = &types.Lease{WorkerID: "crashed-w0", LeaseUntil: time.Now().Add(-time.Minute)}
	require.NoError(t, s.Insert(ctx, j))

	pool := NewPool(lease.New(s), newScriptRunner(), testConfig())
	require.NoError(t, pool.Start(ctx, 1))
	waitFor(t, func() bool { return stateOf(t, s, "orphan") == types.StateCompleted })
	pool.Stop()

	got, err := s.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts, "reclaim does not count as an attempt")
}

// ============================================================================
// Shutdown
// ============================================================================

func TestStopSignalEndsLoops(t *testing.T) {
	var stop atomic.Bool
	pool := NewPool(lease.New(newStore(t)), newScriptRunner(), testConfig(),
		WithStopSignal(stop.Load))
	require.NoError(t, pool.Start(context.Background(), 3))

	stop.Store(true)
	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not observe the stop signal")
	}
}

func TestGracefulShutdownFinishesCurrentJob(t *testing.T) {
	s := newStore(t)
	runner := newScriptRunner()
	runner.delay = 200 * time.Millisecond
	enqueue(t, s, "slow", "ok")

	pool := NewPool(lease.New(s), runner, testConfig())
	require.NoError(t, pool.Start(context.Background(), 1))
	waitFor(t, func() bool { return runner.total() == 1 })

	pool.Stop()
	assert.Equal(t, types.StateCompleted, stateOf(t, s, "slow"), "in-flight job is written back after stop")
}

// ============================================================================
// Error Paths
// ============================================================================

// flakySource fails every call until healed.
type flakySource struct {
	*lease.Manager
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *flakySource) Claim(ctx context.Context, workerID string) (*types.Job, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return nil, errors.New("store unavailable")
	}
	return f.Manager.Claim(ctx, workerID)
}

func TestInfrastructureErrorsAreRetried(t *testing.T) {
	s := newStore(t)
	enqueue(t, s, "eventually", "ok")
	src := &flakySource{Manager: lease.New(s)}
	src.failing.Store(true)

	pool := NewPool(src, newScriptRunner(), testConfig())
	require.NoError(t, pool.Start(context.Background(), 1))
	defer pool.Stop()

	waitFor(t, func() bool { return src.calls.Load() >= 3 })
	assert.Equal(t, types.StatePending, stateOf(t, s, "eventually"))

	src.failing.Store(false)
	waitFor(t, func() bool { return stateOf(t, s, "eventually") == types.StateCompleted })
}

func TestRealExecutorIntegration(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	j := storetest.NewJob("echo", 0)
	j.Command = []string{"sh", "-c", "echo hello; exit 0"}
	require.NoError(t, s.Insert(ctx, j))

	pool := NewPool(lease.New(s), executor.New(), testConfig())
	require.NoError(t, pool.Start(ctx, 1))
	waitFor(t, func() bool { return stateOf(t, s, "echo") == types.StateCompleted })
	pool.Stop()

	got, err := s.Get(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", got.StdoutTail)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

// flakyRelease fails the first failures Release calls, or every call when
// failures is negative.
type flakyRelease struct {
	*lease.Manager
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyRelease) Release(ctx context.Context, workerID string, job *types.Job) error {
	f.calls.Add(1)
	if n := f.failures.Load(); n != 0 {
		f.failures.Add(-1)
		return errors.New("store unavailable")
	}
	return f.Manager.Release(ctx, workerID, job)
}

func TestReleaseIsRetriedUntilPersisted(t *testing.T) {
	s := newStore(t)
	enqueue(t, s, "sticky", "fail")
	src := &flakyRelease{Manager: lease.New(s)}
	src.failures.Store(3)

	pool := NewPool(src, newScriptRunner(), testConfig())
	require.NoError(t, pool.Start(context.Background(), 1))
	waitFor(t, func() bool { return stateOf(t, s, "sticky") == types.StateFailed })
	pool.Stop()

	got, err := s.Get(context.Background(), "sticky")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts, "the failed run is counted once the write succeeds")
	assert.Nil(t, got.Lease)
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestReleaseGivesUpWhenLeaseRunsOut(t *testing.T) {
	s := newStore(t)
	src := &flakyRelease{Manager: lease.New(s)}
	src.failures.Store(-1)
	pool := NewPool(src, newScriptRunner(), testConfig())
	w := newWorker("w0", pool)

	now := time.Now()
	claimed := storetest.NewJob("late", 0)
	claimed.State = types.StateProcessing
	claimed.Lease = &types.Lease{WorkerID: "w0", LeaseUntil: now.Add(40 * time.Millisecond)}
	next := claimed.Clone()
	next.State = types.StateCompleted
	next.Lease = nil

	err := w.release(context.Background(), claimed, next)
	require.Error(t, err)
	assert.NotErrorIs(t, err, lease.ErrLeaseLost)
	assert.GreaterOrEqual(t, src.calls.Load(), int32(2))
	assert.Less(t, time.Since(now), 2*time.Second)
}
