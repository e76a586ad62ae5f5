// ============================================================================
// queuectl 任務管理器 - 操作者介面
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: enqueue / status / list / show / DLQ 等操作者命令
//
// 設計理念:
//   Manager 本身無狀態，所有任務資料都在 storage.Store 中，
//   因此多個 CLI 程序與背景 worker 可以同時操作同一個佇列。
//   狀態轉換邏輯集中在 transitions.go，worker 與 Manager 共用。
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/metrics"
	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidJob 任務定義不合法
	ErrInvalidJob = types.ErrInvalidJob
	// ErrEmptyCommand 命令為空
	ErrEmptyCommand = fmt.Errorf("%w: command is empty", types.ErrInvalidJob)
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrNotInDLQ 任務不在死信佇列
	ErrNotInDLQ = errors.New("job not in DLQ")
)

// DefaultMaxRetries applies when neither the job nor the config sets one.
const DefaultMaxRetries = 3

// Service is the operator surface. Manager implements it against a store;
// the gRPC admin client implements it remotely.
type Service interface {
	Enqueue(ctx context.Context, spec JobSpec) (*types.Job, error)
	Status(ctx context.Context) (types.Counts, error)
	ListByState(ctx context.Context, state types.JobState) ([]string, error)
	ShowJob(ctx context.Context, id string) (*types.Job, error)
	DLQList(ctx context.Context) ([]string, error)
	DLQRetry(ctx context.Context, id string) (*types.Job, error)
}

// Manager 任務管理器
type Manager struct {
	store      storage.Store
	clock      types.Clock
	maxRetries int
	metrics    *metrics.Collector
	journal    *journal.Journal
	newID      func() string
	logger     *slog.Logger
}

var _ Service = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c types.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithMaxRetries sets the default for jobs that do not specify max_retries.
func WithMaxRetries(n int) Option { return func(m *Manager) { m.maxRetries = n } }

// WithMetrics attaches a collector.
func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

// WithJournal attaches the audit journal.
func WithJournal(j *journal.Journal) Option { return func(m *Manager) { m.journal = j } }

// WithIDGenerator overrides id generation, used by tests.
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager 建立任務管理器
func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		clock:      types.SystemClock,
		maxRetries: DefaultMaxRetries,
		newID:      newJobID,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newJobID returns a UUIDv7 so ids sort roughly by creation time.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Store exposes the backing store to the worker runtime.
func (m *Manager) Store() storage.Store { return m.store }

// Clock returns the manager's time source.
func (m *Manager) Clock() types.Clock { return m.clock }

// Enqueue 建立新任務，狀態為 pending
func (m *Manager) Enqueue(ctx context.Context, spec JobSpec) (*types.Job, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, ErrEmptyCommand
	}
	if spec.TimeoutMs < 0 {
		return nil, fmt.Errorf("%w: timeout_ms must be >= 0", ErrInvalidJob)
	}

	now := m.clock()
	job := &types.Job{
		ID:         spec.ID,
		Command:    append([]string(nil), spec.Command...),
		State:      types.StatePending,
		MaxRetries: m.maxRetries,
		TimeoutMs:  spec.TimeoutMs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if job.ID == "" {
		job.ID = m.newID()
	}
	if spec.MaxRetries != nil {
		job.MaxRetries = *spec.MaxRetries
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	if err := m.store.Insert(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		m.metrics.RecordStoreError("insert")
		return nil, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}

	m.metrics.RecordEnqueue()
	m.journal.Record(journal.EventEnqueue, job, "", "")
	m.logger.Debug("Job enqueued", "jobID", job.ID, "command", job.Command)
	return job, nil
}

// Status 回傳各狀態的任務數量
func (m *Manager) Status(ctx context.Context) (types.Counts, error) {
	counts, err := m.store.CountByState(ctx)
	if err != nil {
		m.metrics.RecordStoreError("count")
		return types.Counts{}, fmt.Errorf("status: %w", err)
	}
	c := types.CountsFromMap(counts)
	m.metrics.UpdateQueueStats(c)
	return c, nil
}

// ListByState 依建立時間列出指定狀態的任務 ID
func (m *Manager) ListByState(ctx context.Context, state types.JobState) ([]string, error) {
	if _, err := types.ParseState(string(state)); err != nil {
		return nil, err
	}
	jobs, err := m.store.FindAll(ctx, storage.Filter{States: []types.JobState{state}})
	if err != nil {
		m.metrics.RecordStoreError("find")
		return nil, fmt.Errorf("list %s: %w", state, err)
	}
	return storage.IDs(jobs), nil
}

// ShowJob 取得單一任務完整記錄
func (m *Manager) ShowJob(ctx context.Context, id string) (*types.Job, error) {
	job, err := m.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		m.metrics.RecordStoreError("get")
		return nil, fmt.Errorf("show %s: %w", id, err)
	}
	return job, nil
}

// DLQList 列出死信任務
func (m *Manager) DLQList(ctx context.Context) ([]string, error) {
	return m.ListByState(ctx, types.StateDead)
}

// DLQRetry 將死信任務重置為 pending，attempts 歸零。
// 第二次呼叫會得到 ErrNotInDLQ。
func (m *Manager) DLQRetry(ctx context.Context, id string) (*types.Job, error) {
	// 以 ClaimNext 完成「確認為 dead + 轉換」的原子步驟，
	// 兩個操作者同時重試時只有一個會成功
	f := storage.Filter{States: []types.JobState{types.StateDead}, ID: id}
	moved, err := m.store.ClaimNext(ctx, f, DLQRetryMutation(m.clock()))
	if err != nil {
		m.metrics.RecordStoreError("dlq_retry")
		return nil, fmt.Errorf("dlq retry %s: %w", id, err)
	}
	if moved == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInDLQ, id)
	}

	m.metrics.RecordDLQRetry()
	m.journal.Record(journal.EventDLQRetry, moved, "", "")
	m.logger.Info("Job moved from DLQ to pending", "jobID", id)
	return moved, nil
}

// ActiveWorkers counts distinct lease holders among processing jobs.
func (m *Manager) ActiveWorkers(ctx context.Context) (int, error) {
	jobs, err := m.store.FindAll(ctx, storage.Filter{States: []types.JobState{types.StateProcessing}})
	if err != nil {
		m.metrics.RecordStoreError("find")
		return 0, fmt.Errorf("active workers: %w", err)
	}
	holders := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.Lease != nil {
			holders[j.Lease.WorkerID] = struct{}{}
		}
	}
	return len(holders), nil
}

// Repair runs the backend's consistency pass when it has one.
func (m *Manager) Repair(ctx context.Context) (int, error) {
	r, ok := m.store.(storage.Repairer)
	if !ok {
		return 0, nil
	}
	n, err := r.Repair(ctx)
	if err != nil {
		return n, fmt.Errorf("repair: %w", err)
	}
	if n > 0 {
		m.logger.Info("Queue repaired", "fixed", n)
	}
	return n, nil
}

// Now is shorthand for the manager clock.
func (m *Manager) Now() time.Time { return m.clock() }
