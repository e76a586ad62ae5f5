// Package sqlstore implements storage.Store on a relational database through
// gorm. SQLite and PostgreSQL are supported.
//
// A claim selects the oldest candidate and then issues a conditional
// UPDATE that repeats the eligibility predicate; zero affected rows means
// another worker won the race and the next candidate is tried.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// Supported dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	// maxClaimRounds bounds how many lost races a single ClaimNext tolerates.
	maxClaimRounds = 16
)

var _ storage.Store = (*Store)(nil)

// jobRow is the table layout. Times are Unix milliseconds so both dialects
// store them identically.
type jobRow struct {
	ID          string  `gorm:"primaryKey;size:191"`
	Command     string  `gorm:"type:text;not null"`
	State       string  `gorm:"size:16;not null;index:idx_jobs_claim,priority:1"`
	Attempts    int     `gorm:"not null;default:0"`
	MaxRetries  int     `gorm:"not null;default:0"`
	TimeoutMs   int64   `gorm:"not null;default:0"`
	CreatedMs   int64   `gorm:"column:created_at;not null;index:idx_jobs_claim,priority:3"`
	UpdatedMs   int64   `gorm:"column:updated_at;not null"`
	NextRunAt   *int64  `gorm:"column:next_run_at;index:idx_jobs_claim,priority:2"`
	ExitCode    *int    `gorm:"column:exit_code"`
	Error       string  `gorm:"type:text"`
	StdoutTail  string  `gorm:"type:text"`
	StderrTail  string  `gorm:"type:text"`
	LeaseWorker *string `gorm:"column:lease_worker;size:191"`
	LeaseUntil  *int64  `gorm:"column:lease_until"`
}

func (jobRow) TableName() string { return "jobs" }

// Store is the gorm backend.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects with the given dialect and migrates the schema.
func Open(dialect, dsn string) (*Store, error) {
	var dial gorm.Dialector
	switch dialect {
	case DialectSQLite:
		dial = sqlite.Open(dsn)
	case DialectPostgres:
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", dialect)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite 單一寫入者；序列化連線避免 "database is locked"
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing gorm handle. The schema is migrated on the way in.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db, logger: slog.Default()}, nil
}

// ============================================================================
// 轉換
// ============================================================================

func toMs(t time.Time) int64 { return t.UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toRow(j *types.Job) (*jobRow, error) {
	cmd, err := json.Marshal(j.Command)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: encode command: %w", err)
	}
	r := &jobRow{
		ID:         j.ID,
		Command:    string(cmd),
		State:      string(j.State),
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		TimeoutMs:  j.TimeoutMs,
		CreatedMs:  toMs(j.CreatedAt),
		UpdatedMs:  toMs(j.UpdatedAt),
		ExitCode:   j.ExitCode,
		Error:      j.Error,
		StdoutTail: j.StdoutTail,
		StderrTail: j.StderrTail,
	}
	if j.NextRunAt != nil {
		ms := toMs(*j.NextRunAt)
		r.NextRunAt = &ms
	}
	if j.Lease != nil {
		w, ms := j.Lease.WorkerID, toMs(j.Lease.LeaseUntil)
		r.LeaseWorker, r.LeaseUntil = &w, &ms
	}
	return r, nil
}

func (r *jobRow) toJob() (*types.Job, error) {
	j := &types.Job{
		ID:         r.ID,
		State:      types.JobState(r.State),
		Attempts:   r.Attempts,
		MaxRetries: r.MaxRetries,
		TimeoutMs:  r.TimeoutMs,
		CreatedAt:  fromMs(r.CreatedMs),
		UpdatedAt:  fromMs(r.UpdatedMs),
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		StdoutTail: r.StdoutTail,
		StderrTail: r.StderrTail,
	}
	if err := json.Unmarshal([]byte(r.Command), &j.Command); err != nil {
		return nil, fmt.Errorf("sqlstore: decode command of %s: %w", r.ID, err)
	}
	if r.NextRunAt != nil {
		t := fromMs(*r.NextRunAt)
		j.NextRunAt = &t
	}
	if r.LeaseUntil != nil {
		l := &types.Lease{LeaseUntil: fromMs(*r.LeaseUntil)}
		if r.LeaseWorker != nil {
			l.WorkerID = *r.LeaseWorker
		}
		j.Lease = l
	}
	return j, nil
}

// filterScope translates a storage.Filter into WHERE clauses.
func filterScope(f storage.Filter) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if f.ID != "" {
			tx = tx.Where("id = ?", f.ID)
		}
		if len(f.States) > 0 {
			states := make([]string, len(f.States))
			for i, s := range f.States {
				states[i] = string(s)
			}
			tx = tx.Where("state IN ?", states)
		}
		if f.LeaseHolder != "" {
			tx = tx.Where("lease_worker = ?", f.LeaseHolder)
		}
		if !f.DueBy.IsZero() {
			tx = tx.Where("(next_run_at IS NULL OR next_run_at <= ?)", toMs(f.DueBy))
		}
		if !f.LeaseExpiredBy.IsZero() {
			tx = tx.Where("(lease_until IS NULL OR lease_until < ?)", toMs(f.LeaseExpiredBy))
		}
		return tx
	}
}

func mutationColumns(m storage.Mutation) map[string]any {
	cols := map[string]any{}
	if m.State != "" {
		cols["state"] = string(m.State)
	}
	if m.ClearLease {
		cols["lease_worker"] = nil
		cols["lease_until"] = nil
	}
	if m.Lease != nil {
		cols["lease_worker"] = m.Lease.WorkerID
		cols["lease_until"] = toMs(m.Lease.LeaseUntil)
	}
	if m.ClearNextRunAt {
		cols["next_run_at"] = nil
	}
	if m.Reset {
		cols["attempts"] = 0
		cols["exit_code"] = nil
		cols["error"] = ""
		cols["stdout_tail"] = ""
		cols["stderr_tail"] = ""
	}
	if !m.UpdatedAt.IsZero() {
		cols["updated_at"] = toMs(m.UpdatedAt)
	}
	return cols
}

// columns lists every column except the primary key, nil values included,
// so a conditional UPDATE can replace the whole record.
func (r *jobRow) columns() map[string]any {
	return map[string]any{
		"command":      r.Command,
		"state":        r.State,
		"attempts":     r.Attempts,
		"max_retries":  r.MaxRetries,
		"timeout_ms":   r.TimeoutMs,
		"created_at":   r.CreatedMs,
		"updated_at":   r.UpdatedMs,
		"next_run_at":  r.NextRunAt,
		"exit_code":    r.ExitCode,
		"error":        r.Error,
		"stdout_tail":  r.StdoutTail,
		"stderr_tail":  r.StderrTail,
		"lease_worker": r.LeaseWorker,
		"lease_until":  r.LeaseUntil,
	}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}

// ============================================================================
// storage.Store 實作
// ============================================================================

// Insert creates the row, mapping primary-key violations to ErrDuplicate.
func (s *Store) Insert(ctx context.Context, job *types.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", storage.ErrDuplicate, job.ID)
		}
		return fmt.Errorf("sqlstore: insert %s: %w", job.ID, err)
	}
	return nil
}

// Put upserts the full record.
func (s *Store) Put(ctx context.Context, job *types.Job) error {
	row, err := toRow(job)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("sqlstore: put %s: %w", job.ID, err)
	}
	return nil
}

// PutIf rewrites the row with an UPDATE whose WHERE clause repeats f, so
// the check and the write are one statement.
func (s *Store) PutIf(ctx context.Context, f storage.Filter, job *types.Job) (bool, error) {
	row, err := toRow(job)
	if err != nil {
		return false, err
	}
	guarded := f
	guarded.ID = job.ID
	res := s.db.WithContext(ctx).Model(&jobRow{}).Scopes(filterScope(guarded)).Updates(row.columns())
	if res.Error != nil {
		return false, fmt.Errorf("sqlstore: put %s: %w", job.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Get loads one job.
func (s *Store) Get(ctx context.Context, id string) (*types.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", id, err)
	}
	return row.toJob()
}

// Delete removes one job.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&jobRow{})
	if res.Error != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// ClaimNext selects the oldest eligible row and updates it only if it is
// still eligible.
func (s *Store) ClaimNext(ctx context.Context, f storage.Filter, m storage.Mutation) (*types.Job, error) {
	cols := mutationColumns(m)
	for round := 0; round < maxClaimRounds; round++ {
		var row jobRow
		err := s.db.WithContext(ctx).Scopes(filterScope(f)).
			Order("created_at ASC, id ASC").
			Limit(1).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("sqlstore: select candidate: %w", err)
		}

		guarded := f
		guarded.ID = row.ID
		res := s.db.WithContext(ctx).Model(&jobRow{}).Scopes(filterScope(guarded)).Updates(cols)
		if res.Error != nil {
			return nil, fmt.Errorf("sqlstore: claim %s: %w", row.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			return s.Get(ctx, row.ID)
		}
		// 競爭失敗，重新挑選
	}
	return nil, nil
}

// FindAll lists matching jobs ordered by created_at, id.
func (s *Store) FindAll(ctx context.Context, f storage.Filter) ([]*types.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).Scopes(filterScope(f)).Order("created_at ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find: %w", err)
	}
	jobs := make([]*types.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// UpdateMany applies the mutation in a single UPDATE statement.
func (s *Store) UpdateMany(ctx context.Context, f storage.Filter, m storage.Mutation) (int, error) {
	cols := mutationColumns(m)
	if len(cols) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&jobRow{}).Scopes(filterScope(f)).Updates(cols)
	if res.Error != nil {
		return 0, fmt.Errorf("sqlstore: update many: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// CountByState groups rows by state.
func (s *Store) CountByState(ctx context.Context) (map[types.JobState]int, error) {
	var rows []struct {
		State string
		N     int
	}
	err := s.db.WithContext(ctx).Model(&jobRow{}).Select("state, COUNT(*) AS n").Group("state").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: count: %w", err)
	}
	counts := make(map[types.JobState]int, len(rows))
	for _, r := range rows {
		counts[types.JobState(r.State)] = r.N
	}
	return counts, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
