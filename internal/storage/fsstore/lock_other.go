//go:build !unix

package fsstore

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// staleLockAge 持有者當機後殘留的鎖檔在此時間後可被移除
const staleLockAge = time.Minute

// tryLockFile uses exclusive creation of the lock file as the lock.
func tryLockFile(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err == nil {
		return f, true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, false, err
	}
	if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > staleLockAge {
		os.Remove(path)
	}
	return nil, false, nil
}

func unlockFile(f *os.File) {
	name := f.Name()
	f.Close()
	os.Remove(name)
}
