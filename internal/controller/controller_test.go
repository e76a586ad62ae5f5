package controller

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/internal/backoff"
	"github.com/ChuLiYu/queuectl/internal/executor"
	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/lease"
	"github.com/ChuLiYu/queuectl/internal/snapshot"
	"github.com/ChuLiYu/queuectl/internal/storage/fsstore"
	"github.com/ChuLiYu/queuectl/internal/worker"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type okRunner struct{}

func (okRunner) Run(context.Context, []string, time.Duration) executor.Result {
	code := 0
	return executor.Result{ExitCode: &code}
}

type fixture struct {
	ctl    *Controller
	jobs   *jobmanager.Manager
	logDir string
}

func createTestController(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := fsstore.Open(t.TempDir(), fsstore.WithClaimGrace(0))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	}
	cfg.Worker = worker.Config{
		IdleInterval: 5 * time.Millisecond,
		ErrorBackoff: 5 * time.Millisecond,
		Policy:       backoff.DefaultPolicy,
		HostID:       "ctl-test",
	}
	jobs := jobmanager.NewManager(store)
	ctl := NewController(cfg, jobs, lease.New(store), okRunner{})
	return &fixture{ctl: ctl, jobs: jobs, logDir: cfg.LogDir}
}

func mustSpec(t *testing.T, id, command string) jobmanager.JobSpec {
	t.Helper()
	spec, err := jobmanager.SpecFromString(id, command)
	require.NoError(t, err)
	return spec
}

// startAsync runs Start in the background and returns its error channel.
func startAsync(t *testing.T, f *fixture, count int) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.ctl.Start(context.Background(), count, false) }()
	require.Eventually(t, func() bool {
		info, err := f.ctl.Info()
		return err == nil && info.Running
	}, 5*time.Second, 10*time.Millisecond)
	return done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestInfoWithoutRecord(t *testing.T) {
	f := createTestController(t, Config{})
	info, err := f.ctl.Info()
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.Zero(t, info.PID)
}

func TestStopWritesFlag(t *testing.T) {
	f := createTestController(t, Config{})
	assert.False(t, f.ctl.StopRequested())
	require.NoError(t, f.ctl.Stop())
	assert.True(t, f.ctl.StopRequested())
	assert.FileExists(t, filepath.Join(f.logDir, StopFile))
}

func TestStartRejectsZeroCount(t *testing.T) {
	f := createTestController(t, Config{})
	assert.ErrorIs(t, f.ctl.Start(context.Background(), 0, false), worker.ErrInvalidCount)
}

func TestStartRunsUntilStop(t *testing.T) {
	f := createTestController(t, Config{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.jobs.Enqueue(ctx, mustSpec(t, "", "true"))
		require.NoError(t, err)
	}

	done := startAsync(t, f, 2)

	info, err := f.ctl.Info()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, 2, info.Count)
	assert.False(t, info.StartedAt.IsZero())
	assert.Len(t, f.ctl.WorkerIDs(), 2)

	require.Eventually(t, func() bool {
		counts, err := f.jobs.Status(ctx)
		return err == nil && counts.Completed == 5
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ctl.Stop())
	waitStopped(t, done)

	_, err = os.Stat(filepath.Join(f.logDir, RuntimeFile))
	assert.True(t, os.IsNotExist(err), "runtime record removed on exit")
}

func TestStoppingPoolIsStillRunning(t *testing.T) {
	f := createTestController(t, Config{})
	require.NoError(t, os.MkdirAll(f.logDir, 0o755))
	require.NoError(t, f.ctl.writeRuntime(RuntimeInfo{PID: os.Getpid(), Count: 2, StartedAt: time.Now()}))
	require.NoError(t, f.ctl.Stop())

	info, err := f.ctl.Info()
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.True(t, info.Stopping)

	// 舊 pool 還在收尾，新的 start 不得清掉 STOP 旗標
	err = f.ctl.Start(context.Background(), 1, false)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, f.ctl.StopRequested())
}

func TestStopFlagEndsPool(t *testing.T) {
	f := createTestController(t, Config{})
	done := startAsync(t, f, 1)

	require.NoError(t, f.ctl.Stop())
	waitStopped(t, done)

	info, err := f.ctl.Info()
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.False(t, info.Stopping)
}

func TestStartClearsStaleStopFlag(t *testing.T) {
	f := createTestController(t, Config{})
	require.NoError(t, f.ctl.Stop())

	done := startAsync(t, f, 1)
	assert.False(t, f.ctl.StopRequested())

	require.NoError(t, f.ctl.Stop())
	waitStopped(t, done)
}

func TestAlreadyRunning(t *testing.T) {
	f := createTestController(t, Config{})
	require.NoError(t, os.MkdirAll(f.logDir, 0o755))
	require.NoError(t, f.ctl.writeRuntime(RuntimeInfo{PID: os.Getpid(), Count: 1, StartedAt: time.Now()}))

	err := f.ctl.Start(context.Background(), 1, false)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestDeadPidIsNotRunning(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	f := createTestController(t, Config{})
	require.NoError(t, os.MkdirAll(f.logDir, 0o755))
	raw, err := json.Marshal(RuntimeInfo{PID: cmd.Process.Pid, Count: 3, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.logDir, RuntimeFile), raw, 0o644))

	info, err := f.ctl.Info()
	require.NoError(t, err)
	assert.Equal(t, 3, info.Count)
	assert.False(t, info.Running)
}

func TestCorruptRuntimeRecord(t *testing.T) {
	f := createTestController(t, Config{})
	require.NoError(t, os.MkdirAll(f.logDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.logDir, RuntimeFile), []byte("{"), 0o644))
	_, err := f.ctl.Info()
	assert.Error(t, err)
}

// ============================================================================
// Recovery & Snapshot Tests
// ============================================================================

func TestStartRepairsBeforeRunning(t *testing.T) {
	f := createTestController(t, Config{})
	ctx := context.Background()
	store := f.jobs.Store().(*fsstore.Store)

	// 崩潰後遺留：queue/ 目錄下卻標記為 processing
	job, err := f.jobs.Enqueue(ctx, mustSpec(t, "orphan", "true"))
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(store.Root(), fsstore.DirQueue, job.ID+".json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["state"] = string(types.StateProcessing)
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), fsstore.DirQueue, job.ID+".json"), raw, 0o644))

	done := startAsync(t, f, 1)
	require.Eventually(t, func() bool {
		j, err := f.jobs.ShowJob(ctx, "orphan")
		return err == nil && j.State == types.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ctl.Stop())
	waitStopped(t, done)
}

func TestSnapshotLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json")
	f := createTestController(t, Config{SnapshotPath: path, SnapshotInterval: 20 * time.Millisecond})
	_, err := f.jobs.Enqueue(context.Background(), mustSpec(t, "snap-1", "true"))
	require.NoError(t, err)

	done := startAsync(t, f, 1)
	require.Eventually(t, func() bool {
		data, err := snapshot.NewManager(path).Load()
		return err == nil && len(data.Jobs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ctl.Stop())
	waitStopped(t, done)
}
