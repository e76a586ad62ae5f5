// ============================================================================
// queuectl Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理 N 個獨立 worker 迴圈的生命週期
//
// 設計模式:
//   每個 worker 自行向 JobSource 認領任務，彼此之間不共享任何記憶體狀態，
//   唯一的協調點是儲存層的 ClaimNext。因此同一個佇列上可以同時存在多個 Pool
//   （甚至多個程序）。
//
//   ┌──────────────────────────────┐
//   │ Pool                         │
//   │  ┌────────┐                  │
//   │  │Worker 0│──Claim/Release──┐│
//   │  │Worker 1│──Claim/Release──┼┼──> JobSource (lease.Manager) ──> Store
//   │  │Worker 2│──Claim/Release──┘│
//   │  └────────┘                  │
//   └──────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(ctx, n) - 啟動 n 個 worker goroutine
//   3. Wait() - 等待所有 worker 因停止訊號或 ctx 結束而退出
//   4. Stop() - 取消 ctx 並等待
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/metrics"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrInvalidCount 表示 worker 數量不合法
	ErrInvalidCount = errors.New("worker count must be >= 1")
)

// Pool 代表 Worker 池
type Pool struct {
	source  JobSource
	runner  Runner
	cfg     Config
	stop    StopSignal
	metrics *metrics.Collector
	journal *journal.Journal
	logger  *slog.Logger

	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithStopSignal installs a polled stop check, e.g. the STOP flag file.
func WithStopSignal(s StopSignal) Option { return func(p *Pool) { p.stop = s } }

// WithMetrics attaches a collector.
func WithMetrics(c *metrics.Collector) Option { return func(p *Pool) { p.metrics = c } }

// WithJournal attaches the audit journal.
func WithJournal(j *journal.Journal) Option { return func(p *Pool) { p.journal = j } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// NewPool 建立新的 Worker Pool
func NewPool(source JobSource, runner Runner, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		source: source,
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動指定數量的 worker，立即返回
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	if workerCount < 1 {
		return ErrInvalidCount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		w := newWorker(WorkerID(p.cfg.HostID, i), p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.started = true
	p.logger.Info("Worker pool started", "count", workerCount, "host", p.cfg.HostID)
	return nil
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop 取消所有 worker 並等待它們完成目前的任務
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// WorkerIDs lists the ids of the started workers.
func (p *Pool) WorkerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for _, w := range p.workers {
		ids = append(ids, w.ID())
	}
	return ids
}
