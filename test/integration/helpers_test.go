// ============================================================================
// queuectl 端到端測試共用工具
// ============================================================================
//
// Package: test/integration
// 文件: helpers_test.go
// 功能: 以與 CLI 相同的方式組裝 config → store → jobmanager → lease → controller，
//       使用真實的子程序執行器（/bin/true、/bin/false、sleep）
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/internal/config"
	"github.com/ChuLiYu/queuectl/internal/controller"
	"github.com/ChuLiYu/queuectl/internal/executor"
	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/lease"
	"github.com/ChuLiYu/queuectl/internal/worker"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// stack is one queue host: store, managers and a controller.
type stack struct {
	cfg     *config.Config
	jobs    *jobmanager.Manager
	leases  *lease.Manager
	journal *journal.Journal
	ctl     *controller.Controller
}

func newStack(t *testing.T, dir string, mutate func(*config.Config)) *stack {
	t.Helper()
	cfg := config.Default()
	cfg.QueueRoot = filepath.Join(dir, "data")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.IdleIntervalMs = 20
	cfg.ClaimGraceMs = 0
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	store, err := cfg.OpenStore(context.Background(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	j, err := journal.Open(cfg.LogDir)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	jobs := jobmanager.NewManager(store,
		jobmanager.WithMaxRetries(cfg.MaxRetries),
		jobmanager.WithJournal(j),
	)
	leases := lease.New(store,
		lease.WithDefaultTimeout(cfg.JobTimeout()),
		lease.WithFloor(cfg.LeaseFloor()),
		lease.WithJournal(j),
	)
	ctl := controller.NewController(controller.Config{
		LogDir: cfg.LogDir,
		Worker: worker.Config{
			IdleInterval:    cfg.IdleInterval(),
			ReclaimInterval: cfg.ReclaimInterval(),
			Policy:          cfg.BackoffPolicy(),
		},
	}, jobs, leases, executor.New(), controller.WithJournal(j))

	return &stack{cfg: cfg, jobs: jobs, leases: leases, journal: j, ctl: ctl}
}

// start runs count workers in the background; the returned func stops
// them and waits.
func (s *stack) start(t *testing.T, count int) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.ctl.Start(context.Background(), count, false) }()

	require.Eventually(t, func() bool {
		info, err := s.ctl.Info()
		return err == nil && info.Running
	}, 5*time.Second, 10*time.Millisecond, "workers did not start")

	return func() {
		require.NoError(t, s.ctl.Stop())
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("workers did not stop")
		}
	}
}

func (s *stack) enqueue(t *testing.T, id string, argv ...string) {
	t.Helper()
	_, err := s.jobs.Enqueue(context.Background(), jobmanager.JobSpec{ID: id, Command: argv})
	require.NoError(t, err)
}

func (s *stack) enqueueN(t *testing.T, prefix string, n int, argv ...string) {
	t.Helper()
	for i := 0; i < n; i++ {
		s.enqueue(t, fmt.Sprintf("%s-%03d", prefix, i), argv...)
	}
}

func (s *stack) waitFor(t *testing.T, timeout time.Duration, want types.Counts) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := s.jobs.Status(context.Background())
		return err == nil && c == want
	}, timeout, 20*time.Millisecond, "counts never reached %+v", want)
}

func (s *stack) job(t *testing.T, id string) *types.Job {
	t.Helper()
	j, err := s.jobs.ShowJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

// tryJob is job without assertions, for use inside Eventually.
func (s *stack) tryJob(id string) *types.Job {
	j, err := s.jobs.ShowJob(context.Background(), id)
	if err != nil {
		return nil
	}
	return j
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("ok"), 0o644)
}
