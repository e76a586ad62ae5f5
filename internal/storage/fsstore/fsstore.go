// ============================================================================
// queuectl File Store - 檔案系統參考後端
// ============================================================================
//
// Package: internal/storage/fsstore
// 文件: fsstore.go
// 功能: 以「一個任務一個 JSON 檔」實作 storage.Store
//
// 目錄配置（QUEUE_ROOT 之下）:
//   queue/       pending + failed
//   processing/  processing
//   archive/     completed
//   dlq/         dead
//   .tmp/        原子寫入用的暫存檔
//   .locks/      任務鎖（依 id 雜湊分成固定數量的鎖檔）
//
// 原子性:
//   - 每個改寫任務的操作（Insert/Put/PutIf/Delete/認領/回收）都先取得該任務的鎖，
//     在鎖內重新讀取目前的紀錄再判斷條件，多個 Store 與多個程序之間也互斥
//   - 同目錄改寫：暫存檔 -> fsync -> rename 覆蓋
//   - 跨目錄搬移：先把新內容寫成暫存檔，os.Link 到目標（目標已存在即失敗），
//     再刪除來源；搬移途中讀者至少看得到一份，絕不 rename 覆蓋別的目錄的檔案
//   - 讀取不取鎖；同一任務出現兩份時以 updated_at（再以 mtime）較新者為準
//
// 當機殘留:
//   link 之後、刪除來源之前當機會留下兩份，下一個取得鎖的操作會刪除較舊的一份。
//   processing/ 內沒有 lease 的紀錄（舊版本留下的認領中途檔）在 claimGrace 之後才視為遺棄。
//
// ============================================================================

package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/pkg/types"
)

// Directory names under the queue root.
const (
	DirQueue      = "queue"
	DirProcessing = "processing"
	DirArchive    = "archive"
	DirDLQ        = "dlq"
	dirTmp        = ".tmp"
	dirLocks      = ".locks"

	fileExt = ".json"

	// DefaultClaimGrace 無 lease 的 processing 檔案在此時間內不會被回收
	DefaultClaimGrace = 5 * time.Second

	lockStripes = 256
	lockPoll    = 2 * time.Millisecond
)

var allDirs = []string{DirQueue, DirProcessing, DirArchive, DirDLQ}

// Compile-time interface checks.
var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Repairer = (*Store)(nil)
)

// Store is the filesystem backend. Several Stores, in one process or many,
// may share a root.
type Store struct {
	root       string
	claimGrace time.Duration
	clock      types.Clock
	logger     *slog.Logger

	mu     sync.Mutex // 保護 closed
	closed bool
}

// Option configures the Store.
type Option func(*Store)

// WithClaimGrace overrides the window during which a lease-less processing
// file is treated as a claim in progress.
func WithClaimGrace(d time.Duration) Option {
	return func(s *Store) { s.claimGrace = d }
}

// WithClock injects a clock, used by tests.
func WithClock(c types.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger used for skipped or corrupt files.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates the directory layout under root if needed.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:       root,
		claimGrace: DefaultClaimGrace,
		clock:      types.SystemClock,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, d := range append(allDirs, dirTmp, dirLocks) {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("fsstore: create %s: %w", d, err)
		}
	}
	return s, nil
}

// Root returns the queue root directory.
func (s *Store) Root() string { return s.root }

// DirFor maps a state to the directory holding it.
func DirFor(state types.JobState) string {
	switch state {
	case types.StateProcessing:
		return DirProcessing
	case types.StateCompleted:
		return DirArchive
	case types.StateDead:
		return DirDLQ
	default:
		return DirQueue
	}
}

// ============================================================================
// 任務鎖
// ============================================================================

func (s *Store) lockPath(id string) string {
	stripe := crc32.ChecksumIEEE([]byte(id)) % lockStripes
	return filepath.Join(s.root, dirLocks, fmt.Sprintf("%02x.lock", stripe))
}

// tryLock takes the job's lock without waiting; ok=false means another
// writer holds it.
func (s *Store) tryLock(id string) (unlock func(), ok bool, err error) {
	f, ok, err := tryLockFile(s.lockPath(id))
	if err != nil {
		return nil, false, fmt.Errorf("fsstore: lock %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() { unlockFile(f) }, true, nil
}

// lock waits for the job's lock.
func (s *Store) lock(ctx context.Context, id string) (func(), error) {
	for {
		unlock, ok, err := s.tryLock(id)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		t := time.NewTimer(lockPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// ============================================================================
// 基本讀寫
// ============================================================================

type entry struct {
	job  *types.Job
	dir  string
	path string
	mod  time.Time
}

func (s *Store) path(dir, id string) string {
	return filepath.Join(s.root, dir, id+fileExt)
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// writeTemp 寫入暫存檔並 fsync，回傳暫存檔路徑
func (s *Store) writeTemp(job *types.Job) (string, error) {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("fsstore: marshal %s: %w", job.ID, err)
	}
	f, err := os.CreateTemp(filepath.Join(s.root, dirTmp), job.ID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("fsstore: create temp: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("fsstore: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("fsstore: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("fsstore: close temp: %w", err)
	}
	return tmp, nil
}

func (s *Store) readEntry(dir, path string) (*entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("fsstore: corrupt %s: %w", path, err)
	}
	normalize(dir, &job)
	return &entry{job: &job, dir: dir, path: path, mod: info.ModTime()}, nil
}

// normalize 舊版本在 rename 之後才寫 lease，processing/ 內可能留下未改寫的紀錄
func normalize(dir string, job *types.Job) {
	if dir == DirProcessing && job.State != types.StateProcessing {
		job.State = types.StateProcessing
		job.Lease = nil
	}
}

// newer reports whether a supersedes b: later updated_at, then later mtime.
func newer(a, b *entry) bool {
	if !a.job.UpdatedAt.Equal(b.job.UpdatedAt) {
		return a.job.UpdatedAt.After(b.job.UpdatedAt)
	}
	return a.mod.After(b.mod)
}

func dirsFor(states []types.JobState) []string {
	if len(states) == 0 {
		return allDirs
	}
	seen := map[string]bool{}
	var dirs []string
	for _, st := range states {
		d := DirFor(st)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// scan 讀取目錄內所有任務，並以較新的一份去除重複
func (s *Store) scan(dirs []string) ([]*entry, error) {
	latest := map[string]*entry{}
	for _, dir := range dirs {
		names, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("fsstore: read %s: %w", dir, err)
		}
		for _, de := range names {
			if de.IsDir() || !strings.HasSuffix(de.Name(), fileExt) {
				continue
			}
			e, err := s.readEntry(dir, filepath.Join(s.root, dir, de.Name()))
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					s.logger.Warn("Skipping unreadable job file", "path", de.Name(), "error", err)
				}
				continue
			}
			if prev, ok := latest[e.job.ID]; ok && !newer(e, prev) {
				continue
			}
			latest[e.job.ID] = e
		}
	}
	out := make([]*entry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	return out, nil
}

func sortEntries(entries []*entry) {
	jobs := make([]*types.Job, len(entries))
	byJob := make(map[*types.Job]*entry, len(entries))
	for i, e := range entries {
		jobs[i] = e.job
		byJob[e.job] = e
	}
	storage.SortJobs(jobs)
	for i, j := range jobs {
		entries[i] = byJob[j]
	}
}

// copies reads every copy of id, newest first.
func (s *Store) copies(id string) ([]*entry, error) {
	var found []*entry
	for _, dir := range allDirs {
		e, err := s.readEntry(dir, s.path(dir, id))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		found = append(found, e)
	}
	for i := 1; i < len(found); i++ {
		for k := i; k > 0 && newer(found[k], found[k-1]); k-- {
			found[k], found[k-1] = found[k-1], found[k]
		}
	}
	return found, nil
}

// current returns the record of id and deletes older copies, which only a
// crash between link and unlink leaves behind. Caller holds the job lock.
func (s *Store) current(id string) (*entry, int, error) {
	found, err := s.copies(id)
	if err != nil {
		return nil, 0, err
	}
	if len(found) == 0 {
		return nil, 0, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	removed := 0
	for _, e := range found[1:] {
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, removed, fmt.Errorf("fsstore: remove stale copy of %s: %w", id, err)
		}
		s.logger.Warn("Removed stale job copy", "jobID", id, "dir", e.dir)
		removed++
	}
	return found[0], removed, nil
}

// commit writes next as the record of its id. cur is the record being
// replaced, nil for a new job. Caller holds the job lock.
//
// Within one directory the temp file is renamed over cur. Across
// directories the temp file is linked into the target first, which fails
// if the target exists, and only then is cur removed.
func (s *Store) commit(cur *entry, next *types.Job) error {
	target := DirFor(next.State)
	tmp, err := s.writeTemp(next)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if cur != nil && cur.dir == target {
		if err := os.Rename(tmp, cur.path); err != nil {
			return fmt.Errorf("fsstore: replace %s: %w", next.ID, err)
		}
		return nil
	}

	if err := os.Link(tmp, s.path(target, next.ID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s already in %s", storage.ErrDuplicate, next.ID, target)
		}
		return fmt.Errorf("fsstore: link %s into %s: %w", next.ID, target, err)
	}
	if cur != nil {
		if err := os.Remove(cur.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("fsstore: remove %s from %s: %w", next.ID, cur.dir, err)
		}
	}
	return nil
}

// ============================================================================
// storage.Store 實作
// ============================================================================

// Insert creates a new job file; a second Insert with the same id fails.
func (s *Store) Insert(ctx context.Context, job *types.Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock, err := s.lock(ctx, job.ID)
	if err != nil {
		return err
	}
	defer unlock()

	found, err := s.copies(job.ID)
	if err != nil {
		return err
	}
	if len(found) > 0 {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, job.ID)
	}
	return s.commit(nil, job)
}

// Put moves the job from wherever it is now into the directory for its
// state.
func (s *Store) Put(ctx context.Context, job *types.Job) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock, err := s.lock(ctx, job.ID)
	if err != nil {
		return err
	}
	defer unlock()

	cur, _, err := s.current(job.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return s.commit(cur, job)
}

// PutIf is Put guarded by f, checked under the job lock.
func (s *Store) PutIf(ctx context.Context, f storage.Filter, job *types.Job) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	unlock, err := s.lock(ctx, job.ID)
	if err != nil {
		return false, err
	}
	defer unlock()

	cur, _, err := s.current(job.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !f.Matches(cur.job) {
		return false, nil
	}
	if err := s.commit(cur, job); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the newest copy of the job across all directories.
func (s *Store) Get(ctx context.Context, id string) (*types.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	found, err := s.copies(id)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return found[0].job, nil
}

// Delete removes every copy of the job.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	removed := false
	for _, dir := range allDirs {
		err := os.Remove(s.path(dir, id))
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("fsstore: delete %s: %w", id, err)
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// ClaimNext applies m to the oldest job matching f. Candidates come from an
// unlocked scan and are re-checked under their lock; a candidate whose lock
// is busy or that changed in between is skipped. A filter naming one id
// waits for that job's lock instead of skipping it.
func (s *Store) ClaimNext(ctx context.Context, f storage.Filter, m storage.Mutation) (*types.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := s.scan(dirsFor(f.States))
	if err != nil {
		return nil, err
	}
	sortEntries(entries)

	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !s.eligible(e, f) {
			continue
		}
		job, ok, err := s.transfer(ctx, e.job.ID, f, m, f.ID != "")
		if err != nil {
			return nil, err
		}
		if ok {
			return job, nil
		}
	}
	return nil, nil
}

// UpdateMany applies m to every matching job, moving files between
// directories when the state changes. Jobs locked by another writer are
// left for the next call.
func (s *Store) UpdateMany(ctx context.Context, f storage.Filter, m storage.Mutation) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	entries, err := s.scan(dirsFor(f.States))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if !s.eligible(e, f) {
			continue
		}
		_, ok, err := s.transfer(ctx, e.job.ID, f, m, false)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// eligible 檢查過濾條件，並排除仍在認領寬限期內的無 lease 檔案
func (s *Store) eligible(e *entry, f storage.Filter) bool {
	if !f.Matches(e.job) {
		return false
	}
	if e.dir == DirProcessing && e.job.Lease == nil && time.Since(e.mod) < s.claimGrace {
		return false
	}
	return true
}

// transfer 在任務鎖內重新讀取並套用 m；ok=false 表示任務已被別人處理
func (s *Store) transfer(ctx context.Context, id string, f storage.Filter, m storage.Mutation, wait bool) (*types.Job, bool, error) {
	var unlock func()
	if wait {
		var err error
		if unlock, err = s.lock(ctx, id); err != nil {
			return nil, false, err
		}
	} else {
		var (
			ok  bool
			err error
		)
		if unlock, ok, err = s.tryLock(id); err != nil || !ok {
			return nil, false, err
		}
	}
	defer unlock()

	cur, _, err := s.current(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !s.eligible(cur, f) {
		return nil, false, nil
	}
	next := cur.job.Clone()
	m.Apply(next)
	if err := s.commit(cur, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// FindAll returns every matching job ordered by created_at, id.
func (s *Store) FindAll(ctx context.Context, f storage.Filter) ([]*types.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := s.scan(dirsFor(f.States))
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(entries))
	for _, e := range entries {
		if f.Matches(e.job) {
			jobs = append(jobs, e.job)
		}
	}
	storage.SortJobs(jobs)
	return jobs, nil
}

// CountByState counts jobs across all directories.
func (s *Store) CountByState(ctx context.Context) (map[types.JobState]int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := s.scan(allDirs)
	if err != nil {
		return nil, err
	}
	counts := make(map[types.JobState]int, len(types.AllStates))
	for _, e := range entries {
		counts[e.job.State]++
	}
	return counts, nil
}

// Repair normalizes records left in an inconsistent place: queue files with
// a non-claimable state become pending, and stale duplicate copies are removed.
func (s *Store) Repair(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	ids := map[string]bool{}
	for _, dir := range allDirs {
		names, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return 0, fmt.Errorf("fsstore: read %s: %w", dir, err)
		}
		for _, de := range names {
			if !de.IsDir() && strings.HasSuffix(de.Name(), fileExt) {
				ids[strings.TrimSuffix(de.Name(), fileExt)] = true
			}
		}
	}

	fixed := 0
	for id := range ids {
		n, err := s.repairOne(ctx, id)
		fixed += n
		if err != nil {
			if ctx.Err() != nil {
				return fixed, ctx.Err()
			}
			s.logger.Warn("Skipping job during repair", "jobID", id, "error", err)
		}
	}

	// 清除遺留的暫存檔
	tmps, _ := os.ReadDir(filepath.Join(s.root, dirTmp))
	for _, de := range tmps {
		info, err := de.Info()
		if err == nil && time.Since(info.ModTime()) > time.Minute {
			os.Remove(filepath.Join(s.root, dirTmp, de.Name()))
		}
	}
	return fixed, nil
}

func (s *Store) repairOne(ctx context.Context, id string) (int, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	cur, fixed, err := s.current(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fixed, nil
		}
		return fixed, err
	}
	if cur.dir == DirQueue && !cur.job.State.Claimable() {
		next := cur.job.Clone()
		next.State = types.StatePending
		next.Lease = nil
		next.UpdatedAt = s.clock()
		if err := s.commit(cur, next); err != nil {
			return fixed, err
		}
		fixed++
	}
	return fixed, nil
}

// Close marks the store closed. Files stay on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
