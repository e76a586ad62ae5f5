package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證，以及佇列匯出/匯入
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/internal/storage/fsstore"
	"github.com/ChuLiYu/queuectl/internal/storage/storetest"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

func sampleData() types.SnapshotData {
	a := storetest.NewJob("job-001", 0)
	b := storetest.NewJob("job-002", time.Second)
	b.State = types.StateFailed
	b.Attempts = 1
	c := storetest.NewJob("job-003", 2*time.Second)
	c.State = types.StateProcessing
	c.Lease = &types.Lease{WorkerID: "h-1-w0", LeaseUntil: c.CreatedAt.Add(time.Minute)}
	return types.SnapshotData{CreatedAt: c.CreatedAt, Jobs: []*types.Job{a, b, c}}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backup.json")
	manager := NewManager(path)
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(sampleData()))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	require.Len(t, loaded.Jobs, 3)
	assert.Equal(t, "job-002", loaded.Jobs[1].ID)
	assert.Equal(t, types.StateFailed, loaded.Jobs[1].State)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file cleaned up")
}

func TestLoadMissing(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "none.json")).Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2.json")
	raw, err := json.Marshal(map[string]any{"schema_ver": 2, "jobs": []any{}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver":1,"jobs":[`), 0o644))
	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)

	path = filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver":1,"jobs":[{"id":"x","command":[],"state":"pending"}]}`), 0o644))
	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	manager := NewManager(path)

	backup, err := manager.WriteWithBackup(sampleData())
	require.NoError(t, err)
	assert.Empty(t, backup, "nothing to back up on first write")

	backup, err = manager.WriteWithBackup(types.SnapshotData{})
	require.NoError(t, err)
	require.NotEmpty(t, backup)
	assert.FileExists(t, backup)

	current, err := manager.Load()
	require.NoError(t, err)
	assert.Empty(t, current.Jobs)

	old, err := NewManager(backup).Load()
	require.NoError(t, err)
	assert.Len(t, old.Jobs, 3)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snap.json"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := types.SnapshotData{Jobs: []*types.Job{storetest.NewJob(fmt.Sprintf("j%d", i), 0)}}
			assert.NoError(t, manager.Write(data))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 1)
}

// ============================================================================
// 匯出 / 匯入
// ============================================================================

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, err := fsstore.Open(t.TempDir(), fsstore.WithClaimGrace(0))
	require.NoError(t, err)
	defer src.Close()
	for _, j := range sampleData().Jobs {
		require.NoError(t, src.Insert(ctx, j))
	}

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	data, err := Export(ctx, src, now)
	require.NoError(t, err)
	assert.Equal(t, now, data.CreatedAt)
	require.Len(t, data.Jobs, 3)

	path := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, NewManager(path).Write(data))
	loaded, err := NewManager(path).Load()
	require.NoError(t, err)

	dst, err := fsstore.Open(t.TempDir(), fsstore.WithClaimGrace(0))
	require.NoError(t, err)
	defer dst.Close()

	n, err := Import(ctx, dst, loaded, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	restored, err := dst.Get(ctx, "job-003")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, restored.State, "processing jobs restore as pending")
	assert.Nil(t, restored.Lease)
	assert.Equal(t, now, restored.UpdatedAt)

	failed, err := dst.Get(ctx, "job-002")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, failed.State)
	assert.Equal(t, 1, failed.Attempts)

	// 再次匯入覆寫而非重複
	n, err = Import(ctx, dst, loaded, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	counts, err := dst.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, types.CountsFromMap(counts).Total())
}
