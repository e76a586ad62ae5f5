// ============================================================================
// queuectl Durable Store - 持久化儲存抽象
// ============================================================================
//
// Package: internal/storage
// 文件: store.go
// 功能: 定義所有後端（檔案系統、MongoDB、SQL）共用的儲存契約
//
// 設計重點:
//   1. Filter/Mutation 為宣告式描述，每個後端各自翻譯成原生查詢
//   2. ClaimNext 必須是單一不可分割的「選取 + 變更」步驟
//   3. 排序固定：created_at 升冪，id 升冪
//   4. 競爭失敗不是錯誤：ClaimNext 回傳 (nil, nil)
//
// ============================================================================

package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/ChuLiYu/queuectl/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotFound 任務不存在
	ErrNotFound = errors.New("storage: job not found")
	// ErrDuplicate 任務 ID 已存在
	ErrDuplicate = errors.New("storage: job already exists")
	// ErrClosed 儲存已關閉
	ErrClosed = errors.New("storage: store is closed")
)

// Store is the durable job store shared by every worker and operator command.
type Store interface {
	// Insert creates a job and fails with ErrDuplicate when the id exists.
	Insert(ctx context.Context, job *types.Job) error
	// Put durably replaces (or creates) the full job record.
	Put(ctx context.Context, job *types.Job) error
	// PutIf replaces the record of job.ID only while the stored record
	// still matches f, as one indivisible step. It reports false when the
	// record is gone or no longer matches.
	PutIf(ctx context.Context, f Filter, job *types.Job) (bool, error)
	Get(ctx context.Context, id string) (*types.Job, error)
	Delete(ctx context.Context, id string) error
	// ClaimNext selects the oldest job matching f and applies m in one
	// indivisible step. It returns (nil, nil) when nothing is eligible.
	ClaimNext(ctx context.Context, f Filter, m Mutation) (*types.Job, error)
	FindAll(ctx context.Context, f Filter) ([]*types.Job, error)
	UpdateMany(ctx context.Context, f Filter, m Mutation) (int, error)
	CountByState(ctx context.Context) (map[types.JobState]int, error)
	Close() error
}

// Repairer is implemented by backends that can end up with records in an
// inconsistent location, e.g. after a crash mid-write.
type Repairer interface {
	Repair(ctx context.Context) (int, error)
}

// ============================================================================
// Filter / Mutation
// ============================================================================

// Filter 宣告式查詢條件，所有欄位皆為 AND 關係
type Filter struct {
	States      []types.JobState // 狀態集合，空表示不限
	ID          string           // 指定單一任務
	LeaseHolder string           // lease.workerId 必須相同

	// DueBy: next_run_at 不存在或 <= DueBy
	DueBy time.Time
	// LeaseExpiredBy: lease 不存在或 lease_until < LeaseExpiredBy
	LeaseExpiredBy time.Time
}

// Matches evaluates the filter in memory. Backends without a native query
// language (and tests) use it directly.
func (f Filter) Matches(j *types.Job) bool {
	if j == nil {
		return false
	}
	if f.ID != "" && j.ID != f.ID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
		return false
	}
	if f.LeaseHolder != "" && (j.Lease == nil || j.Lease.WorkerID != f.LeaseHolder) {
		return false
	}
	if !f.DueBy.IsZero() && j.NextRunAt != nil && j.NextRunAt.After(f.DueBy) {
		return false
	}
	if !f.LeaseExpiredBy.IsZero() && j.Lease != nil && !j.Lease.LeaseUntil.Before(f.LeaseExpiredBy) {
		return false
	}
	return true
}

// Mutation 宣告式更新
type Mutation struct {
	State          types.JobState // 空字串表示不變
	Lease          *types.Lease   // 非 nil 時設定 lease
	ClearLease     bool
	ClearNextRunAt bool
	// Reset 歸零 attempts 並清除上一次執行的診斷資訊
	Reset     bool
	UpdatedAt time.Time
}

// Apply mutates j in place.
func (m Mutation) Apply(j *types.Job) {
	if m.State != "" {
		j.State = m.State
	}
	if m.ClearLease {
		j.Lease = nil
	}
	if m.Lease != nil {
		l := *m.Lease
		j.Lease = &l
	}
	if m.ClearNextRunAt {
		j.NextRunAt = nil
	}
	if m.Reset {
		j.Attempts = 0
		j.ExitCode = nil
		j.Error = ""
		j.StdoutTail = ""
		j.StderrTail = ""
	}
	if !m.UpdatedAt.IsZero() {
		j.UpdatedAt = m.UpdatedAt
	}
}

// SortJobs orders jobs by created_at then id, the order every backend must return.
func SortJobs(jobs []*types.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

// IDs extracts job ids preserving order.
func IDs(jobs []*types.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}
