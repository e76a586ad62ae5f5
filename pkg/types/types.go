// Package types 定義了 queuectl 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	StatePending    JobState = "pending"    // 待處理：可被 worker 認領
	StateFailed     JobState = "failed"     // 失敗待重試：next_run_at 之後才可被認領
	StateProcessing JobState = "processing" // 執行中：持有 lease
	StateCompleted  JobState = "completed"  // 完成（終態）
	StateDead       JobState = "dead"       // 死信：超過重試次數，只能由操作者重置
)

// AllStates lists every job state in display order.
var AllStates = []JobState{StatePending, StateFailed, StateProcessing, StateCompleted, StateDead}

// ParseState converts user input into a JobState.
func ParseState(s string) (JobState, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownState, s)
}

// Claimable reports whether jobs in this state are eligible for a claim.
func (s JobState) Claimable() bool {
	return s == StatePending || s == StateFailed
}

// Lease 代表 worker 對任務的暫時獨佔權
type Lease struct {
	WorkerID   string    `json:"workerId" bson:"workerId"`
	LeaseUntil time.Time `json:"lease_until" bson:"lease_until"`
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || l.LeaseUntil.Before(now)
}

// Job 任務結構，代表系統中的一個工作單元
type Job struct {
	// 識別與資料
	ID      string   `json:"id" bson:"id"`
	Command []string `json:"command" bson:"command"` // argv，第 0 個元素為執行檔

	// 狀態追蹤
	State      JobState `json:"state" bson:"state"`
	Attempts   int      `json:"attempts" bson:"attempts"`
	MaxRetries int      `json:"max_retries" bson:"max_retries"`
	TimeoutMs  int64    `json:"timeout_ms,omitempty" bson:"timeout_ms,omitempty"` // 0 表示使用全域設定

	// 時間管理（UTC，毫秒精度）
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
	NextRunAt *time.Time `json:"next_run_at,omitempty" bson:"next_run_at,omitempty"`

	// 最近一次執行的診斷資訊
	ExitCode   *int   `json:"exit_code,omitempty" bson:"exit_code,omitempty"`
	Error      string `json:"error,omitempty" bson:"error,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty" bson:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty" bson:"stderr_tail,omitempty"`

	Lease *Lease `json:"lease,omitempty" bson:"lease,omitempty"`
}

var (
	// ErrInvalidJob is wrapped by every Validate failure.
	ErrInvalidJob = errors.New("invalid job")
	// ErrUnknownState is returned by ParseState.
	ErrUnknownState = errors.New("unknown state")
)

// Validate checks the structural invariants of a job record.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	// id 會作為檔名使用
	if strings.ContainsAny(j.ID, `/\`) || strings.HasPrefix(j.ID, ".") {
		return fmt.Errorf("%w: id %q must not contain path separators or start with '.'", ErrInvalidJob, j.ID)
	}
	if len(j.Command) == 0 || j.Command[0] == "" {
		return fmt.Errorf("%w: command must be a non-empty argv", ErrInvalidJob)
	}
	if j.Attempts < 0 || j.MaxRetries < 0 || j.TimeoutMs < 0 {
		return fmt.Errorf("%w: attempts, max_retries and timeout_ms must be >= 0", ErrInvalidJob)
	}
	if _, err := ParseState(string(j.State)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if j.Lease != nil && j.State != StateProcessing {
		return fmt.Errorf("%w: lease present outside processing", ErrInvalidJob)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Command = append([]string(nil), j.Command...)
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	if j.Lease != nil {
		l := *j.Lease
		c.Lease = &l
	}
	return &c
}

// Timeout returns the per-job timeout, or def when the job does not override it.
func (j *Job) Timeout(def time.Duration) time.Duration {
	if j.TimeoutMs > 0 {
		return time.Duration(j.TimeoutMs) * time.Millisecond
	}
	return def
}

// Abandoned reports whether a processing job has no live lease at now.
func (j *Job) Abandoned(now time.Time) bool {
	return j.State == StateProcessing && j.Lease.Expired(now)
}

// String renders the job as indented JSON for operator output.
func (j *Job) String() string {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return j.ID
	}
	return string(b)
}

// Counts 各狀態任務數量
type Counts struct {
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Dead       int `json:"dead"`
}

// CountsFromMap folds a per-state map into Counts.
func CountsFromMap(m map[JobState]int) Counts {
	return Counts{
		Pending:    m[StatePending],
		Failed:     m[StateFailed],
		Processing: m[StateProcessing],
		Completed:  m[StateCompleted],
		Dead:       m[StateDead],
	}
}

// Total 全部任務數
func (c Counts) Total() int {
	return c.Pending + c.Failed + c.Processing + c.Completed + c.Dead
}

// Get returns the count for a single state.
func (c Counts) Get(s JobState) int {
	switch s {
	case StatePending:
		return c.Pending
	case StateFailed:
		return c.Failed
	case StateProcessing:
		return c.Processing
	case StateCompleted:
		return c.Completed
	case StateDead:
		return c.Dead
	}
	return 0
}

// Clock 統一時間來源，截斷至毫秒以確保各後端 round-trip 一致
type Clock func() time.Time

// SystemClock is the production clock.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// SnapshotData 快照資料，用於匯出與匯入全部任務
type SnapshotData struct {
	SchemaVer int       `json:"schema_ver"`
	CreatedAt time.Time `json:"created_at"`
	Jobs      []*Job    `json:"jobs"`
}
