package fsstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/internal/storage/storetest"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t, WithClaimGrace(0))
	})
}

func TestSharedRoot(t *testing.T) {
	storetest.RunShared(t, func(t *testing.T, n int) []storage.Store {
		root := t.TempDir()
		handles := make([]storage.Store, n)
		for i := range handles {
			s, err := Open(root, WithClaimGrace(0))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			handles[i] = s
		}
		return handles
	})
}

func TestLayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := map[types.JobState]string{
		types.StatePending:   DirQueue,
		types.StateFailed:    DirQueue,
		types.StateCompleted: DirArchive,
		types.StateDead:      DirDLQ,
	}
	i := 0
	for st, dir := range cases {
		j := storetest.NewJob(string(st), time.Duration(i)*time.Second)
		j.State = st
		require.NoError(t, s.Insert(ctx, j))
		assert.FileExists(t, filepath.Join(s.Root(), dir, j.ID+".json"))
		i++
	}
}

func writeRaw(t *testing.T, s *Store, dir string, j *types.Job) string {
	t.Helper()
	data, err := json.Marshal(j)
	require.NoError(t, err)
	p := filepath.Join(s.Root(), dir, j.ID+".json")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestMidClaimFileRespectsGrace(t *testing.T) {
	s := newTestStore(t, WithClaimGrace(time.Hour))
	ctx := context.Background()

	// rename 完成但尚未寫 lease 的檔案
	j := storetest.NewJob("mid", 0)
	writeRaw(t, s, DirProcessing, j)

	got, err := s.Get(ctx, "mid")
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, got.State)

	now := types.SystemClock()
	f := storage.Filter{States: []types.JobState{types.StateProcessing}, LeaseExpiredBy: now}
	m := storage.Mutation{State: types.StatePending, ClearLease: true, UpdatedAt: now}
	n, err := s.UpdateMany(ctx, f, m)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh lease-less file is a claim in progress")

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Root(), DirProcessing, "mid.json"), old, old))
	n, err = s.UpdateMany(ctx, f, m)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "abandoned once the grace window has passed")
	assert.FileExists(t, filepath.Join(s.Root(), DirQueue, "mid.json"))
}

func TestRepairNormalizesQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stray := storetest.NewJob("stray", 0)
	stray.State = types.StateProcessing
	stray.Lease = &types.Lease{WorkerID: "gone", LeaseUntil: time.Now()}
	writeRaw(t, s, DirQueue, stray)

	older := storetest.NewJob("twice", time.Second)
	writeRaw(t, s, DirQueue, older)
	newer := older.Clone()
	newer.State = types.StateCompleted
	newer.UpdatedAt = newer.UpdatedAt.Add(time.Minute)
	writeRaw(t, s, DirArchive, newer)

	n, err := s.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(s.Root(), DirQueue, "stray.json"))
	require.NoError(t, err)
	var raw types.Job
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, types.StatePending, raw.State)
	assert.Nil(t, raw.Lease)

	assert.NoFileExists(t, filepath.Join(s.Root(), DirQueue, "twice.json"))
	got, err := s.Get(ctx, "twice")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, got.State)
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "x")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestCorruptFileIsSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), DirQueue, "bad.json"), []byte("{"), 0o644))
	require.NoError(t, s.Insert(ctx, storetest.NewJob("ok", 0)))

	jobs, err := s.FindAll(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, storage.IDs(jobs))
}

func TestLockedJobIsSkippedByOtherHandles(t *testing.T) {
	root := t.TempDir()
	s1, err := Open(root)
	require.NoError(t, err)
	s2, err := Open(root)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s1.Insert(ctx, storetest.NewJob("busy", 0)))

	unlock, ok, err := s1.tryLock("busy")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s2.tryLock("busy")
	require.NoError(t, err)
	assert.False(t, ok, "the lock is shared through the root")

	now := types.SystemClock()
	f := storage.Filter{States: []types.JobState{types.StatePending}, DueBy: now}
	m := storage.Mutation{State: types.StateProcessing, Lease: &types.Lease{WorkerID: "w0", LeaseUntil: now.Add(time.Minute)}, UpdatedAt: now}
	got, err := s2.ClaimNext(ctx, f, m)
	require.NoError(t, err)
	assert.Nil(t, got, "a job mid-update is skipped")

	unlock()
	got, err = s2.ClaimNext(ctx, f, m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "busy", got.ID)
}

func TestCrashLeftCopyIsNotClaimedAgain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// link 到 processing/ 之後、刪除 queue/ 之前當機
	old := storetest.NewJob("twin", 0)
	writeRaw(t, s, DirQueue, old)
	claimed := old.Clone()
	claimed.State = types.StateProcessing
	claimed.UpdatedAt = old.UpdatedAt.Add(time.Second)
	claimed.Lease = &types.Lease{WorkerID: "w0", LeaseUntil: time.Now().Add(time.Hour)}
	writeRaw(t, s, DirProcessing, claimed)

	now := types.SystemClock()
	f := storage.Filter{States: []types.JobState{types.StatePending}, DueBy: now}
	m := storage.Mutation{State: types.StateProcessing, Lease: &types.Lease{WorkerID: "w1", LeaseUntil: now.Add(time.Minute)}, UpdatedAt: now}
	got, err := s.ClaimNext(ctx, f, m)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoFileExists(t, filepath.Join(s.Root(), DirQueue, "twin.json"))

	stored, err := s.Get(ctx, "twin")
	require.NoError(t, err)
	assert.Equal(t, "w0", stored.Lease.WorkerID)
}

func TestMoveNeverOverwritesTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := storetest.NewJob("solo", 0)
	require.NoError(t, s.Insert(ctx, j))

	cur, _, err := s.current("solo")
	require.NoError(t, err)
	// 目標目錄已有同名檔案時搬移必須失敗
	other := j.Clone()
	other.State = types.StateCompleted
	writeRaw(t, s, DirArchive, other)

	next := j.Clone()
	next.State = types.StateCompleted
	next.StdoutTail = "mine"
	err = s.commit(cur, next)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	data, err := os.ReadFile(filepath.Join(s.Root(), DirArchive, "solo.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "mine")
	assert.FileExists(t, filepath.Join(s.Root(), DirQueue, "solo.json"))
}
