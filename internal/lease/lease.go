// ============================================================================
// queuectl Lease Manager - 認領與租約
// ============================================================================
//
// Package: internal/lease
// 文件: lease.go
// 功能: 包裝 storage.ClaimNext / UpdateMany，負責認領、蓋租約、回收過期租約
//
// 租約長度 = max(任務 timeout, floor) + margin
//   executor 在 timeout 時殺掉子程序，margin 涵蓋程序收尾與結果寫回，
//   因此正常情況下租約不會先於 executor 過期；租約過期代表 worker 程序本身已死。
//
// ============================================================================

package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/queuectl/internal/jobmanager"
	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/metrics"
	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

const (
	// DefaultFloor 租約下限
	DefaultFloor = time.Second
	// DefaultMargin covers process teardown and the result write.
	DefaultMargin = 5 * time.Second
	// DefaultTimeout applies to jobs without their own timeout.
	DefaultTimeout = 30 * time.Second
)

// ErrLeaseLost is returned by Release when the job was reclaimed or taken
// over by another worker before the result could be written.
var ErrLeaseLost = errors.New("lease lost")

// Manager 租約管理器
type Manager struct {
	store          storage.Store
	clock          types.Clock
	defaultTimeout time.Duration
	floor          time.Duration
	margin         time.Duration
	metrics        *metrics.Collector
	journal        *journal.Journal
	logger         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c types.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithDefaultTimeout sets the execution timeout for jobs that have none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// WithFloor sets the minimum lease length.
func WithFloor(d time.Duration) Option { return func(m *Manager) { m.floor = d } }

// WithMargin sets the slack added on top of the execution timeout.
func WithMargin(d time.Duration) Option { return func(m *Manager) { m.margin = d } }

// WithMetrics attaches a collector.
func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

// WithJournal attaches the audit journal.
func WithJournal(j *journal.Journal) Option { return func(m *Manager) { m.journal = j } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// New 建立租約管理器
func New(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		clock:          types.SystemClock,
		defaultTimeout: DefaultTimeout,
		floor:          DefaultFloor,
		margin:         DefaultMargin,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultTimeout returns the execution timeout used for jobs without one.
func (m *Manager) DefaultTimeout() time.Duration { return m.defaultTimeout }

// Now returns the manager clock.
func (m *Manager) Now() time.Time { return m.clock() }

// LeaseDuration returns how long a claim on job stays valid.
func (m *Manager) LeaseDuration(job *types.Job) time.Duration {
	d := m.defaultTimeout
	if job != nil {
		d = job.Timeout(m.defaultTimeout)
	}
	if d < m.floor {
		d = m.floor
	}
	return d + m.margin
}

// Claim 認領最舊的可執行任務。沒有任務或競爭失敗時回傳 (nil, nil)。
func (m *Manager) Claim(ctx context.Context, workerID string) (*types.Job, error) {
	now := m.clock()
	stamped := m.LeaseDuration(nil)

	job, err := m.store.ClaimNext(ctx, jobmanager.ClaimFilter(now), jobmanager.ClaimMutation(workerID, now, stamped))
	if err != nil {
		m.metrics.RecordStoreError("claim")
		return nil, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	// 任務自訂 timeout 較長時延長租約
	if need := m.LeaseDuration(job); need > stamped {
		job.Lease.LeaseUntil = now.Add(need)
		ok, err := m.store.PutIf(ctx, jobmanager.HeldFilter(job.ID, workerID), job)
		if err != nil {
			m.metrics.RecordStoreError("extend_lease")
			return nil, fmt.Errorf("extend lease %s: %w", job.ID, err)
		}
		if !ok {
			return nil, nil
		}
	}

	m.metrics.RecordClaim()
	m.journal.Record(journal.EventClaim, job, workerID, "")
	return job, nil
}

// ReclaimStale 將租約過期或遺失的 processing 任務還原為 pending，attempts 不變。
// 每個 worker 每輪都可以呼叫，重複執行不會重複計數。
func (m *Manager) ReclaimStale(ctx context.Context) (int, error) {
	now := m.clock()
	f := jobmanager.StaleFilter(now)

	var stale []*types.Job
	if m.journal != nil {
		// 只為稽核日誌取得名單，失敗不影響回收
		stale, _ = m.store.FindAll(ctx, f)
	}

	n, err := m.store.UpdateMany(ctx, f, jobmanager.ReclaimMutation(now))
	if err != nil {
		m.metrics.RecordStoreError("reclaim")
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if n > 0 {
		m.metrics.RecordReclaimed(n)
		m.logger.Warn("Reclaimed stale jobs", "count", n)
		for _, j := range stale {
			holder := ""
			if j.Lease != nil {
				holder = j.Lease.WorkerID
			}
			m.journal.Record(journal.EventReclaim, j, holder, "lease expired")
		}
	}
	return n, nil
}

// Release persists a resolved job, refusing when workerID no longer holds
// the lease. The ownership check and the write are one conditional store
// update.
func (m *Manager) Release(ctx context.Context, workerID string, job *types.Job) error {
	ok, err := m.store.PutIf(ctx, jobmanager.HeldFilter(job.ID, workerID), job)
	if err != nil {
		m.metrics.RecordStoreError("put")
		return fmt.Errorf("release %s: %w", job.ID, err)
	}
	if ok {
		return nil
	}

	current, err := m.store.Get(ctx, job.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s deleted", ErrLeaseLost, job.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
	}
	m.journal.Record(journal.EventLeaseLost, current, workerID, "")
	return fmt.Errorf("%w: %s is %s", ErrLeaseLost, job.ID, current.State)
}
