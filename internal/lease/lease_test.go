package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/internal/journal"
	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/internal/storage/fsstore"
	"github.com/ChuLiYu/queuectl/internal/storage/storetest"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T, opts ...Option) (*Manager, storage.Store, *testClock) {
	t.Helper()
	store, err := fsstore.Open(t.TempDir(), fsstore.WithClaimGrace(0))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithDefaultTimeout(10 * time.Second), WithMargin(0)}
	return New(store, append(base, opts...)...), store, clock
}

func TestLeaseDuration(t *testing.T) {
	m := New(nil, WithDefaultTimeout(10*time.Second), WithFloor(time.Second), WithMargin(2*time.Second))

	assert.Equal(t, 12*time.Second, m.LeaseDuration(nil))
	assert.Equal(t, 12*time.Second, m.LeaseDuration(&types.Job{}))
	assert.Equal(t, 32*time.Second, m.LeaseDuration(&types.Job{TimeoutMs: 30000}))
	assert.Equal(t, 3*time.Second, m.LeaseDuration(&types.Job{TimeoutMs: 10}), "floor applies")
}

func TestClaimStampsLease(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, storetest.NewJob("a", 0)))
	require.NoError(t, store.Insert(ctx, storetest.NewJob("b", time.Second)))

	job, err := m.Claim(ctx, "host-1-w0")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.ID, "oldest first")
	assert.Equal(t, types.StateProcessing, job.State)
	require.NotNil(t, job.Lease)
	assert.Equal(t, "host-1-w0", job.Lease.WorkerID)
	assert.Equal(t, clock.Now().Add(10*time.Second), job.Lease.LeaseUntil)

	stored, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, stored.State)
}

func TestClaimExtendsLeaseForLongJobs(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	j := storetest.NewJob("long", 0)
	j.TimeoutMs = 60000
	require.NoError(t, store.Insert(ctx, j))

	job, err := m.Claim(ctx, "w")
	require.NoError(t, err)
	want := clock.Now().Add(time.Minute)
	assert.Equal(t, want, job.Lease.LeaseUntil)

	stored, err := store.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, stored.Lease.LeaseUntil.Equal(want))
}

func TestClaimSkipsFutureRetries(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	j := storetest.NewJob("later", 0)
	j.State = types.StateFailed
	at := clock.Now().Add(5 * time.Second)
	j.NextRunAt = &at
	require.NoError(t, store.Insert(ctx, j))

	job, err := m.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(5 * time.Second)
	job, err = m.Claim(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Nil(t, job.NextRunAt)
}

func TestReclaimStale(t *testing.T) {
	jr, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { jr.Close() })

	m, store, clock := setup(t, WithJournal(jr))
	ctx := context.Background()
	j := storetest.NewJob("stuck", 0)
	j.Attempts = 1
	require.NoError(t, store.Insert(ctx, j))

	_, err = m.Claim(ctx, "dead-worker")
	require.NoError(t, err)

	n, err := m.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "live lease is kept")

	clock.Advance(11 * time.Second)
	n, err = m.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.Lease)

	n, err = m.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	var reclaimed []journal.Event
	require.NoError(t, jr.Replay(func(e journal.Event) error {
		if e.Type == journal.EventReclaim {
			reclaimed = append(reclaimed, e)
		}
		return nil
	}))
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "dead-worker", reclaimed[0].WorkerID)
}

func TestReleaseFencing(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, storetest.NewJob("f", 0)))

	job, err := m.Claim(ctx, "w0")
	require.NoError(t, err)

	done := job.Clone()
	done.State = types.StateCompleted
	done.Lease = nil

	assert.ErrorIs(t, m.Release(ctx, "w1", done), ErrLeaseLost)

	// 租約過期並被回收後，原 worker 不能再寫回
	clock.Advance(time.Minute)
	_, err = m.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Release(ctx, "w0", done), ErrLeaseLost)

	got, err := store.Get(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)
}

func TestReleasePersists(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, storetest.NewJob("ok", 0)))

	job, err := m.Claim(ctx, "w0")
	require.NoError(t, err)
	done := job.Clone()
	done.State = types.StateCompleted
	done.Lease = nil
	require.NoError(t, m.Release(ctx, "w0", done))

	got, err := store.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, got.State)

	assert.ErrorIs(t, m.Release(ctx, "w0", &types.Job{ID: "missing"}), ErrLeaseLost)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		require.NoError(t, store.Insert(ctx, storetest.NewJob(string(rune('a'+i)), time.Duration(i)*time.Millisecond)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := m.Claim(ctx, worker)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[job.ID]; dup {
					t.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
				}
				seen[job.ID] = worker
				mu.Unlock()
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()
	assert.Len(t, seen, 15)
}

func TestReleaseDoesNotOverwriteNewHolder(t *testing.T) {
	m, store, clock := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, storetest.NewJob("moved", 0)))

	first, err := m.Claim(ctx, "w0")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	n, err := m.ReclaimStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	second, err := m.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, second)

	late := first.Clone()
	late.State = types.StateCompleted
	late.Lease = nil
	assert.ErrorIs(t, m.Release(ctx, "w0", late), ErrLeaseLost)

	got, err := store.Get(ctx, "moved")
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, got.State)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "w1", got.Lease.WorkerID)
}
