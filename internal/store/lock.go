package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/majorcontext/credgate/internal/log"
	"github.com/majorcontext/credgate/internal/token"
)

// staleLockAge is how old a lock file may be before it is presumed
// abandoned even when its holder pid still exists (the pid may have been
// recycled).
const staleLockAge = 60 * time.Second

// lockPollInterval is how often a waiter re-checks a held lock.
const lockPollInterval = 100 * time.Millisecond

// lockInfo is the JSON body of a lock file.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// isAlive reports whether the holding process still runs. On Unix,
// FindProcess always succeeds; signal 0 probes for existence.
func (l *lockInfo) isAlive() bool {
	process, err := os.FindProcess(l.PID)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func (l *lockInfo) stale(now time.Time) bool {
	if now.Sub(l.AcquiredAt) > staleLockAge {
		return true
	}
	return !l.isAlive()
}

// FileLocker implements token.Locker with lock files, one per credential
// slot. Acquisition is O_CREATE|O_EXCL, which is atomic on every
// filesystem we care about. A lock whose holder has died or whose age
// exceeds staleLockAge is broken by the next waiter.
type FileLocker struct {
	dir string
}

// NewFileLocker creates a locker keeping lock files under dir.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	return &FileLocker{dir: dir}, nil
}

func (l *FileLocker) path(key token.Key) string {
	return filepath.Join(l.dir, slotName(key)+".lock")
}

// Acquire implements token.Locker. It blocks until the lock is held or
// ctx is done.
func (l *FileLocker) Acquire(ctx context.Context, key token.Key) (token.UnlockFunc, error) {
	path := l.path(key)
	for {
		ok, err := l.tryAcquire(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					log.Warn("releasing credential lock", "key", key.String(), "error", err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %s: %w", key, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// tryAcquire attempts one non-blocking acquisition. Returns (false, nil)
// when the lock is validly held by someone else.
func (l *FileLocker) tryAcquire(path string) (bool, error) {
	info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("marshaling lock info: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			return false, fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("creating lock file: %w", err)
	}

	// Lock exists: break it if the holder is gone or the lock outlived
	// its useful life. The remove-then-retry leaves a small window where
	// two waiters race; O_EXCL on the retry decides the winner.
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil // released between our checks; retry
		}
		return false, fmt.Errorf("reading lock file: %w", err)
	}
	var held lockInfo
	if err := json.Unmarshal(existing, &held); err != nil || held.stale(time.Now()) {
		log.Debug("breaking stale credential lock", "path", path, "holder_pid", held.PID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return false, fmt.Errorf("removing stale lock: %w", err)
		}
	}
	return false, nil
}
