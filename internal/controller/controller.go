// ============================================================================
// queuectl 控制器 - Worker 執行期協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: `worker start/stop/info` 的執行期：啟動前修復、執行紀錄、停止旗標、
//       可選的前景/背景模式，以及定期備份迴圈
//
// 啟動流程 (前景):
//   1. 檢查既有執行紀錄，pid 存活中則回傳 ErrAlreadyRunning（即使 STOP
//      旗標已存在，舊 pool 收尾期間也不得清除旗標）
//   2. 清除 STOP 旗標
//   3. Repair() - 修正目錄與狀態不一致的任務（崩潰後恢復）
//   4. 啟動 Worker Pool
//   5. 寫入 LOG_DIR/workers.json {pid, count, started_at}（原子性寫入），
//      執行直到 STOP 旗標出現或收到 SIGINT/SIGTERM
//   6. 移除執行紀錄
//
// 背景模式 (--detach):
//   以新 session 重新執行本程式，立即返回；子程序走前景流程。
//
// 停止:
//   Stop() 只寫入 STOP 旗標，不終止任何程序。各 worker 在下一次迴圈檢查旗標，
//   完成手上的任務後自行退出。
//
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/metrics"
	"github.com/ChuLiYu/queuectl/internal/snapshot"
	"github.com/ChuLiYu/queuectl/internal/worker"
)

const (
	// RuntimeFile 執行紀錄檔名（位於 LOG_DIR）
	RuntimeFile = "workers.json"
	// StopFile 停止旗標檔名（位於 LOG_DIR）
	StopFile = "STOP"
	// DetachLogFile 背景模式的 stdout/stderr
	DetachLogFile = "worker.log"
)

// ErrAlreadyRunning is returned when a live runtime record already exists.
var ErrAlreadyRunning = errors.New("workers already running")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	LogDir           string        // 執行紀錄與 STOP 旗標所在目錄
	Worker           worker.Config // 傳給 Pool 的設定
	SnapshotPath     string        // 定期備份路徑，空字串表示停用
	SnapshotInterval time.Duration // 定期備份間隔
}

// RuntimeInfo describes the running pool as recorded in workers.json.
type RuntimeInfo struct {
	PID       int       `json:"pid"`
	Count     int       `json:"count"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"-"` // 紀錄的 pid 仍存活
	Stopping  bool      `json:"-"` // 存活且 STOP 旗標已寫入，正在收尾
}

// Controller 核心控制器
type Controller struct {
	config  Config
	jobs    *jobmanager.Manager
	source  worker.JobSource
	runner  worker.Runner
	metrics *metrics.Collector
	journal *journal.Journal
	logger  *slog.Logger

	detachArgs func(count int) []string
	executable func() (string, error)

	mu   sync.Mutex
	pool *worker.Pool
}

// Option configures the Controller.
type Option func(*Controller)

// WithMetrics attaches a metrics collector to the pool.
func WithMetrics(c *metrics.Collector) Option { return func(ctl *Controller) { ctl.metrics = c } }

// WithJournal attaches the audit journal to the pool.
func WithJournal(j *journal.Journal) Option { return func(ctl *Controller) { ctl.journal = j } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(ctl *Controller) { ctl.logger = l } }

// WithDetachArgs sets the arguments the detached child is started with.
func WithDetachArgs(f func(count int) []string) Option {
	return func(ctl *Controller) { ctl.detachArgs = f }
}

// NewController 建立 Controller
func NewController(config Config, jobs *jobmanager.Manager, source worker.JobSource, runner worker.Runner, opts ...Option) *Controller {
	c := &Controller{
		config:     config,
		jobs:       jobs,
		source:     source,
		runner:     runner,
		logger:     slog.Default(),
		executable: os.Executable,
		detachArgs: func(count int) []string {
			return []string{"worker", "start", "--count", strconv.Itoa(count)}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) runtimePath() string { return filepath.Join(c.config.LogDir, RuntimeFile) }
func (c *Controller) stopPath() string    { return filepath.Join(c.config.LogDir, StopFile) }

// ============================================================================
// 核心方法實作
// ============================================================================

// Start runs count workers. With detach it spawns a background copy of the
// binary and returns at once; otherwise it blocks until the pool stops.
func (c *Controller) Start(ctx context.Context, count int, detach bool) error {
	if count < 1 {
		return worker.ErrInvalidCount
	}
	if info, err := c.Info(); err == nil && info.Running {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, info.PID)
	}
	if detach {
		return c.spawn(count)
	}
	return c.run(ctx, count)
}

func (c *Controller) run(ctx context.Context, count int) error {
	start := time.Now()
	if err := os.MkdirAll(c.config.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	if err := os.Remove(c.stopPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear stop flag: %w", err)
	}

	// 1. 恢復階段（遠端 worker 沒有本地 store，由主機負責）
	if c.jobs != nil {
		repaired, err := c.jobs.Repair(ctx)
		if err != nil {
			return fmt.Errorf("repair failed: %w", err)
		}
		if repaired > 0 {
			c.logger.Info("Repaired inconsistent jobs", "count", repaired)
		}
	}

	// 2. 啟動階段
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := worker.NewPool(c.source, c.runner, c.config.Worker,
		worker.WithStopSignal(c.StopRequested),
		worker.WithMetrics(c.metrics),
		worker.WithJournal(c.journal),
		worker.WithLogger(c.logger),
	)
	if err := pool.Start(ctx, count); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.mu.Lock()
	c.pool = pool
	c.mu.Unlock()

	// 3. 執行紀錄
	info := RuntimeInfo{PID: os.Getpid(), Count: count, StartedAt: time.Now().UTC()}
	if err := c.writeRuntime(info); err != nil {
		pool.Stop()
		return err
	}
	defer func() {
		if err := os.Remove(c.runtimePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Failed to remove runtime record", "error", err)
		}
	}()

	loopCtx, stopLoops := context.WithCancel(ctx)
	var loopWg sync.WaitGroup
	if c.jobs != nil && c.config.SnapshotPath != "" && c.config.SnapshotInterval > 0 {
		loopWg.Add(1)
		go c.snapshotLoop(loopCtx, &loopWg)
	}

	c.logger.Info("Workers started",
		"count", count,
		"pid", info.PID,
		"startup", time.Since(start))

	pool.Wait()
	stopLoops()
	loopWg.Wait()

	c.logger.Info("Workers stopped", "uptime", time.Since(start))
	return nil
}

// Stop writes the STOP flag. Running workers finish their current job and
// exit; nothing is killed.
func (c *Controller) Stop() error {
	if err := os.MkdirAll(c.config.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(c.stopPath(), stamp, 0o644); err != nil {
		return fmt.Errorf("failed to write stop flag: %w", err)
	}
	return nil
}

// StopRequested reports whether the STOP flag is present.
func (c *Controller) StopRequested() bool {
	_, err := os.Stat(c.stopPath())
	return err == nil
}

// Info reads the runtime record. A missing record yields a zero RuntimeInfo.
// Running depends on the recorded pid alone: a pool that saw the STOP flag is
// still running (and Stopping) until its process exits.
func (c *Controller) Info() (RuntimeInfo, error) {
	var info RuntimeInfo
	data, err := os.ReadFile(c.runtimePath())
	if errors.Is(err, os.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("failed to read runtime record: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return RuntimeInfo{}, fmt.Errorf("corrupt runtime record: %w", err)
	}
	info.Running = processAlive(info.PID)
	info.Stopping = info.Running && c.StopRequested()
	return info, nil
}

// WorkerIDs lists the ids of the in-process pool, if one is running.
func (c *Controller) WorkerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return nil
	}
	return c.pool.WorkerIDs()
}

func (c *Controller) writeRuntime(info RuntimeInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.runtimePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write runtime record: %w", err)
	}
	if err := os.Rename(tmp, c.runtimePath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write runtime record: %w", err)
	}
	return nil
}

// spawn re-executes the binary in a new session with output appended to
// LOG_DIR/worker.log.
func (c *Controller) spawn(count int) error {
	exe, err := c.executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	if err := os.MkdirAll(c.config.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	out, err := os.OpenFile(filepath.Join(c.config.LogDir, DetachLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open worker log: %w", err)
	}
	defer out.Close()

	pid, err := startDetached(exe, c.detachArgs(count), out)
	if err != nil {
		return fmt.Errorf("failed to start detached workers: %w", err)
	}
	c.logger.Info("Detached workers started", "pid", pid, "count", count)
	return nil
}

// ============================================================================
// 定期備份
// ============================================================================

func (c *Controller) snapshotLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	snap := snapshot.NewManager(c.config.SnapshotPath)
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(ctx, snap); err != nil {
				c.logger.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

func (c *Controller) takeSnapshot(ctx context.Context, snap *snapshot.Manager) error {
	start := time.Now()
	data, err := snapshot.Export(ctx, c.jobs.Store(), c.jobs.Now())
	if err != nil {
		return err
	}
	if err := snap.Write(data); err != nil {
		return err
	}
	c.logger.Debug("Snapshot written",
		"path", snap.GetPath(),
		"jobs", len(data.Jobs),
		"duration", time.Since(start))
	return nil
}
