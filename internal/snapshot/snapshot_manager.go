// ============================================================================
// queuectl 快照管理器 - 佇列備份與還原
// ============================================================================
//
// Package: internal/snapshot
// 文件: snapshot_manager.go
// 功能: 將整個佇列匯出成單一 JSON 快照，或從快照還原到任一儲存後端
//
// 原子性寫入:
//   寫入 path.tmp → fsync → rename 到 path，
//   任何時刻中斷都只會留下舊快照或新快照，不會有半寫入的檔案。
//
// 還原語意:
//   - 快照中的 processing 任務還原為 pending（原本持有租約的 worker 已不存在）
//   - 已存在的同 ID 任務會被覆寫
//
// ============================================================================

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// SchemaVersion is the current snapshot format.
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCorruptedSnapshot 快照檔案損毀
	ErrCorruptedSnapshot = errors.New("snapshot file is corrupted")
	// ErrIncompatibleVersion 快照版本不相容
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	// ErrSnapshotNotFound 快照不存在
	ErrSnapshotNotFound = errors.New("snapshot file not found")
)

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// GetPath 回傳快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// Exists 檢查快照是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Write 原子性寫入快照
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion
	if data.Jobs == nil {
		data.Jobs = []*types.Job{}
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 讀取並驗證快照
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	for i, j := range data.Jobs {
		if j == nil {
			return data, fmt.Errorf("%w: job %d is null", ErrCorruptedSnapshot, i)
		}
		if err := j.Validate(); err != nil {
			return data, fmt.Errorf("%w: job %d: %v", ErrCorruptedSnapshot, i, err)
		}
	}
	return data, nil
}

// WriteWithBackup renames an existing snapshot to path.<timestamp> before
// writing the new one.
func (m *Manager) WriteWithBackup(data types.SnapshotData) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backupPath := ""
	if _, err := os.Stat(m.path); err == nil {
		backupPath = fmt.Sprintf("%s.%s", m.path, time.Now().UTC().Format("20060102_150405"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return "", fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	return backupPath, m.writeLocked(data)
}

// ============================================================================
// 匯出 / 匯入
// ============================================================================

// Export reads every job from store in created_at, id order.
func Export(ctx context.Context, store storage.Store, now time.Time) (types.SnapshotData, error) {
	jobs, err := store.FindAll(ctx, storage.Filter{})
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("export: %w", err)
	}
	return types.SnapshotData{SchemaVer: SchemaVersion, CreatedAt: now, Jobs: jobs}, nil
}

// Import writes every job of data into store and returns how many were
// written. Processing jobs come back as pending without a lease.
func Import(ctx context.Context, store storage.Store, data types.SnapshotData, now time.Time) (int, error) {
	n := 0
	for _, j := range data.Jobs {
		job := j.Clone()
		if job.State == types.StateProcessing {
			job.State = types.StatePending
			job.Lease = nil
			job.NextRunAt = nil
			job.UpdatedAt = now
		}
		if err := job.Validate(); err != nil {
			return n, fmt.Errorf("import %s: %w", job.ID, err)
		}
		if err := store.Put(ctx, job); err != nil {
			return n, fmt.Errorf("import %s: %w", job.ID, err)
		}
		n++
	}
	return n, nil
}
