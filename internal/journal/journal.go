// ============================================================================
// queuectl Journal - 稽核事件日誌
// ============================================================================
//
// Package: internal/journal
// 文件: journal.go
// 功能: 以 append-only JSON lines 記錄任務生命週期事件與操作者命令
//
// 檔案配置:
//   LOG_DIR/events-YYYY-MM-DD.log，每個 UTC 日一個檔案
//   多個程序（CLI、背景 worker）可同時以 O_APPEND 寫入同一檔案
//
// 每行事件帶 CRC32 校驗和，Replay 依日期順序讀取並驗證。
// 日誌是輔助資訊：寫入失敗只記錄警告，不影響任務狀態轉換。
//
// ============================================================================

package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/queuectl/pkg/types"
)

const (
	filePrefix = "events-"
	fileSuffix = ".log"
	dayLayout  = "2006-01-02"
)

// Journal appends events to the daily file in dir.
type Journal struct {
	mu     sync.Mutex
	dir    string
	clock  types.Clock
	logger *slog.Logger

	day    string
	file   *os.File
	closed bool
}

// Open prepares dir; files are created lazily on first append.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create %s: %w", dir, err)
	}
	return &Journal{dir: dir, clock: types.SystemClock, logger: slog.Default()}, nil
}

// SetClock replaces the clock, used by tests.
func (j *Journal) SetClock(c types.Clock) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.clock = c
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

// Append writes one event, stamping At and Checksum.
func (j *Journal) Append(e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	if e.At.IsZero() {
		e.At = j.clock()
	}
	e.Checksum = CalculateChecksum(e)

	if err := j.rotateLocked(e.At.UTC().Format(dayLayout)); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	// 單次 write 寫入整行，O_APPEND 保證不與其他程序交錯
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

func (j *Journal) rotateLocked(day string) error {
	if j.file != nil && j.day == day {
		return nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	path := filepath.Join(j.dir, filePrefix+day+fileSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	j.file, j.day = f, day
	return nil
}

// Record is the fire-and-forget form used on the hot path. It is safe on a
// nil journal and logs instead of failing.
func (j *Journal) Record(t EventType, job *types.Job, workerID, detail string) {
	if j == nil {
		return
	}
	e := Event{Type: t, WorkerID: workerID, Detail: detail}
	if job != nil {
		e.JobID = job.ID
		e.State = job.State
		e.Attempts = job.Attempts
	}
	if err := j.Append(e); err != nil {
		j.logger.Warn("Failed to append journal event", "type", t, "error", err)
	}
}

// Files lists journal files oldest first.
func (j *Journal) Files() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, de := range entries {
		name := de.Name()
		if !de.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			files = append(files, filepath.Join(j.dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Replay reads every event in order and verifies checksums. It stops at the
// first corrupt line with a *CorruptionError.
func (j *Journal) Replay(handler EventHandler) error {
	files, err := j.Files()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := replayFile(path, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, handler EventHandler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return &CorruptionError{File: filepath.Base(path), Line: line, Cause: err}
		}
		if !VerifyChecksum(e) {
			return &CorruptionError{File: filepath.Base(path), Line: line, Cause: ErrChecksumMismatch}
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Close closes the current file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
