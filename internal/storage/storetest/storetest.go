// Package storetest holds the behaviour every storage.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// Run executes the contract suite against the backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("FindAllOrdering", func(t *testing.T) { testFindAllOrdering(t, newStore(t)) })
	t.Run("ClaimOldestDue", func(t *testing.T) { testClaimOldestDue(t, newStore(t)) })
	t.Run("ClaimEmpty", func(t *testing.T) { testClaimEmpty(t, newStore(t)) })
	t.Run("MutualExclusion", func(t *testing.T) { testMutualExclusion(t, newStore(t)) })
	t.Run("ReclaimStale", func(t *testing.T) { testReclaimStale(t, newStore(t)) })
	t.Run("PutMovesState", func(t *testing.T) { testPutMovesState(t, newStore(t)) })
	t.Run("CountByState", func(t *testing.T) { testCountByState(t, newStore(t)) })
	t.Run("ResetByID", func(t *testing.T) { testResetByID(t, newStore(t)) })
	t.Run("PutIfHolder", func(t *testing.T) { testPutIfHolder(t, newStore(t)) })
}

// SharedFactory opens n handles onto one fresh, empty store, the way
// several worker processes share a queue.
type SharedFactory func(t *testing.T, n int) []storage.Store

// RunShared executes the part of the suite that needs several handles.
func RunShared(t *testing.T, open SharedFactory) {
	t.Run("ClaimPutRetryAcrossHandles", func(t *testing.T) { testClaimPutRetry(t, open(t, 6)) })
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// NewJob builds a pending job created offset after a fixed base time.
func NewJob(id string, offset time.Duration) *types.Job {
	at := base.Add(offset)
	return &types.Job{
		ID:         id,
		Command:    []string{"echo", id},
		State:      types.StatePending,
		MaxRetries: 3,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func claimFilter(now time.Time) storage.Filter {
	return storage.Filter{
		States: []types.JobState{types.StatePending, types.StateFailed},
		DueBy:  now,
	}
}

func claimMutation(worker string, now time.Time, lease time.Duration) storage.Mutation {
	return storage.Mutation{
		State:          types.StateProcessing,
		Lease:          &types.Lease{WorkerID: worker, LeaseUntil: now.Add(lease)},
		ClearNextRunAt: true,
		UpdatedAt:      now,
	}
}

func asJSON(t *testing.T, j *types.Job) string {
	t.Helper()
	b, err := json.Marshal(j)
	require.NoError(t, err)
	return string(b)
}

func testRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := NewJob("rt-1", 0)
	j.State = types.StateFailed
	j.Attempts = 2
	j.TimeoutMs = 1500
	next := base.Add(time.Minute)
	code := 7
	j.NextRunAt = &next
	j.ExitCode = &code
	j.Error = "non-zero exit"
	j.StdoutTail = "out ✓"
	j.StderrTail = "err"
	require.NoError(t, s.Insert(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, asJSON(t, j), asJSON(t, got))

	j.State = types.StateProcessing
	j.NextRunAt = nil
	j.Lease = &types.Lease{WorkerID: "w0", LeaseUntil: base.Add(time.Hour)}
	require.NoError(t, s.Put(ctx, j))
	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, asJSON(t, j), asJSON(t, got))
}

func testInsertDuplicate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewJob("dup", 0)))
	err := s.Insert(ctx, NewJob("dup", time.Second))
	assert.True(t, errors.Is(err, storage.ErrDuplicate), "got %v", err)
}

func testGetMissing(t *testing.T, s storage.Store) {
	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	err = s.Delete(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testFindAllOrdering(t *testing.T, s storage.Store) {
	ctx := context.Background()
	// 相同 created_at 以 id 排序
	require.NoError(t, s.Insert(ctx, NewJob("c", 2*time.Second)))
	require.NoError(t, s.Insert(ctx, NewJob("b", time.Second)))
	require.NoError(t, s.Insert(ctx, NewJob("a", time.Second)))
	done := NewJob("z", 0)
	done.State = types.StateCompleted
	require.NoError(t, s.Insert(ctx, done))

	all, err := s.FindAll(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "b", "c"}, storage.IDs(all))

	pending, err := s.FindAll(ctx, storage.Filter{States: []types.JobState{types.StatePending}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, storage.IDs(pending))
}

func testClaimOldestDue(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	future := NewJob("future", 0)
	future.State = types.StateFailed
	later := now.Add(time.Minute)
	future.NextRunAt = &later
	require.NoError(t, s.Insert(ctx, future))

	due := NewJob("due", time.Second)
	due.State = types.StateFailed
	earlier := now.Add(-time.Second)
	due.NextRunAt = &earlier
	require.NoError(t, s.Insert(ctx, due))

	require.NoError(t, s.Insert(ctx, NewJob("fresh", 2*time.Second)))

	got, err := s.ClaimNext(ctx, claimFilter(now), claimMutation("w0", now, time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "due", got.ID)
	assert.Equal(t, types.StateProcessing, got.State)
	assert.Nil(t, got.NextRunAt)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "w0", got.Lease.WorkerID)

	stored, err := s.Get(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, asJSON(t, got), asJSON(t, stored))

	got, err = s.ClaimNext(ctx, claimFilter(now), claimMutation("w0", now, time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fresh", got.ID)

	got, err = s.ClaimNext(ctx, claimFilter(now), claimMutation("w0", now, time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got, "future job must not be claimed")
}

func testClaimEmpty(t *testing.T, s storage.Store) {
	got, err := s.ClaimNext(context.Background(), claimFilter(base), claimMutation("w0", base, time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testMutualExclusion(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const jobs, workers = 20, 8
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.Insert(ctx, NewJob(fmt.Sprintf("mx-%02d", i), time.Duration(i)*time.Millisecond)))
	}

	now := base.Add(time.Hour)
	var mu sync.Mutex
	claims := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(ctx, claimFilter(now), claimMutation(fmt.Sprintf("w%d", w), now, time.Minute))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claims[j.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claims, jobs)
	for id, n := range claims {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs, counts[types.StateProcessing])
}

func testReclaimStale(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	stale := NewJob("stale", 0)
	stale.State = types.StateProcessing
	stale.Attempts = 1
	stale.Lease = &types.Lease{WorkerID: "dead-worker", LeaseUntil: now.Add(-time.Second)}
	require.NoError(t, s.Insert(ctx, stale))

	live := NewJob("live", time.Second)
	live.State = types.StateProcessing
	live.Lease = &types.Lease{WorkerID: "w1", LeaseUntil: now.Add(time.Minute)}
	require.NoError(t, s.Insert(ctx, live))

	f := storage.Filter{States: []types.JobState{types.StateProcessing}, LeaseExpiredBy: now}
	m := storage.Mutation{State: types.StatePending, ClearLease: true, ClearNextRunAt: true, UpdatedAt: now}
	n, err := s.UpdateMany(ctx, f, m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)
	assert.Nil(t, got.Lease)
	assert.Equal(t, 1, got.Attempts, "reclaim must not count as an attempt")

	got, err = s.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, got.State)

	n, err = s.UpdateMany(ctx, f, m)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "reclaim is idempotent")
}

func testPutMovesState(t *testing.T, s storage.Store) {
	ctx := context.Background()
	j := NewJob("mv", 0)
	require.NoError(t, s.Insert(ctx, j))

	for _, st := range []types.JobState{types.StateCompleted, types.StateDead, types.StatePending} {
		j.State = st
		j.UpdatedAt = j.UpdatedAt.Add(time.Second)
		require.NoError(t, s.Put(ctx, j))
		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, st, got.State)

		list, err := s.FindAll(ctx, storage.Filter{})
		require.NoError(t, err)
		assert.Len(t, list, 1, "a job is stored once")
	}

	require.NoError(t, s.Delete(ctx, j.ID))
	_, err := s.Get(ctx, j.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testCountByState(t *testing.T, s storage.Store) {
	ctx := context.Background()
	states := []types.JobState{
		types.StatePending, types.StatePending, types.StateFailed,
		types.StateCompleted, types.StateDead,
	}
	for i, st := range states {
		j := NewJob(fmt.Sprintf("cnt-%d", i), time.Duration(i)*time.Second)
		j.State = st
		require.NoError(t, s.Insert(ctx, j))
	}
	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	c := types.CountsFromMap(counts)
	assert.Equal(t, types.Counts{Pending: 2, Failed: 1, Completed: 1, Dead: 1}, c)
}

func testResetByID(t *testing.T, s storage.Store) {
	ctx := context.Background()
	dead := NewJob("dead-1", 0)
	dead.State = types.StateDead
	dead.Attempts = 4
	code := 3
	dead.ExitCode = &code
	dead.Error = "non-zero exit"
	dead.StderrTail = "boom"
	require.NoError(t, s.Insert(ctx, dead))
	require.NoError(t, s.Insert(ctx, NewJob("other", time.Second)))

	now := base.Add(time.Hour)
	f := storage.Filter{States: []types.JobState{types.StateDead}, ID: "dead-1"}
	m := storage.Mutation{State: types.StatePending, ClearLease: true, ClearNextRunAt: true, Reset: true, UpdatedAt: now}

	got, err := s.ClaimNext(ctx, f, m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.StatePending, got.State)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.ExitCode)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.StderrTail)

	stored, err := s.Get(ctx, "dead-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, stored.State)
	assert.Zero(t, stored.Attempts)
	assert.Nil(t, stored.ExitCode)

	again, err := s.ClaimNext(ctx, f, m)
	require.NoError(t, err)
	assert.Nil(t, again, "second reset finds nothing in dead")
}

func heldBy(id, worker string) storage.Filter {
	return storage.Filter{ID: id, States: []types.JobState{types.StateProcessing}, LeaseHolder: worker}
}

func testPutIfHolder(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewJob("held", 0)))
	now := base.Add(time.Hour)
	job, err := s.ClaimNext(ctx, claimFilter(now), claimMutation("w0", now, time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)

	done := job.Clone()
	done.State = types.StateCompleted
	done.Lease = nil
	done.UpdatedAt = now.Add(time.Second)

	ok, err := s.PutIf(ctx, heldBy("held", "w1"), done)
	require.NoError(t, err)
	assert.False(t, ok, "another worker's lease")
	got, err := s.Get(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessing, got.State)

	ok, err = s.PutIf(ctx, heldBy("held", "w0"), done)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.Get(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, asJSON(t, done), asJSON(t, got))

	ok, err = s.PutIf(ctx, heldBy("held", "w0"), done)
	require.NoError(t, err)
	assert.False(t, ok, "no longer processing")

	ok, err = s.PutIf(ctx, heldBy("missing", "w0"), NewJob("missing", 0))
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "PutIf never creates")
}

// testClaimPutRetry runs claimers on every handle while they write failed
// results back with no retry delay and an operator requeues dead jobs.
// Every job must finish exactly once per round, and no job may ever have
// two holders at the same time.
func testClaimPutRetry(t *testing.T, handles []storage.Store) {
	ctx := context.Background()
	const (
		live   = 6
		dead   = 2
		rounds = 3
	)
	total := live + dead
	for i := 0; i < total; i++ {
		j := NewJob(fmt.Sprintf("cp-%02d", i), time.Duration(i)*time.Millisecond)
		if i >= live {
			j.State = types.StateDead
			j.Attempts = 4
		}
		require.NoError(t, handles[i%len(handles)].Insert(ctx, j))
	}

	var (
		mu       sync.Mutex
		holders  = map[string]string{}
		claims   = map[string]int{}
		finished = 0
		wg       sync.WaitGroup
	)
	stop := make(chan struct{})
	deadline := time.After(20 * time.Second)

	for h, s := range handles {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(s storage.Store, worker string) {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					now := time.Now().UTC().Truncate(time.Millisecond)
					j, err := s.ClaimNext(ctx, claimFilter(now), claimMutation(worker, now, time.Hour))
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if j == nil {
						time.Sleep(time.Millisecond)
						continue
					}

					mu.Lock()
					if prev := holders[j.ID]; prev != "" {
						t.Errorf("job %s held by %s and %s", j.ID, prev, worker)
					}
					holders[j.ID] = worker
					claims[j.ID]++
					n := claims[j.ID]
					mu.Unlock()

					next := j.Clone()
					next.Lease = nil
					next.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
					if n < rounds {
						next.State = types.StateFailed
						next.Attempts++
						due := next.UpdatedAt
						next.NextRunAt = &due
					} else {
						next.State = types.StateCompleted
					}

					mu.Lock()
					delete(holders, j.ID)
					if next.State == types.StateCompleted {
						finished++
					}
					mu.Unlock()
					if err := s.Put(ctx, next); err != nil {
						t.Errorf("put %s: %v", j.ID, err)
						return
					}
				}
			}(s, fmt.Sprintf("h%d-w%d", h, w))
		}
	}

	// 操作員在 worker 運作時重新排入死信任務
	for i := live; i < total; i++ {
		time.Sleep(5 * time.Millisecond)
		id := fmt.Sprintf("cp-%02d", i)
		now := time.Now().UTC().Truncate(time.Millisecond)
		f := storage.Filter{States: []types.JobState{types.StateDead}, ID: id}
		m := storage.Mutation{State: types.StatePending, ClearLease: true, ClearNextRunAt: true, Reset: true, UpdatedAt: now}
		got, err := handles[i%len(handles)].ClaimNext(ctx, f, m)
		require.NoError(t, err)
		require.NotNil(t, got, "dead job %s requeued", id)
	}

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
wait:
	for {
		select {
		case <-deadline:
			break wait
		case <-tick.C:
			mu.Lock()
			n := finished
			mu.Unlock()
			if n >= total {
				break wait
			}
		}
	}
	close(stop)
	wg.Wait()

	all, err := handles[0].FindAll(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, all, total, "no job may be lost")
	for _, j := range all {
		assert.Equal(t, types.StateCompleted, j.State, "job %s", j.ID)
		assert.Equal(t, rounds, claims[j.ID], "job %s claimed %d times", j.ID, claims[j.ID])
	}
}
