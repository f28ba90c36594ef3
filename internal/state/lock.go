package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLockTimeout is returned when Acquire gives up waiting.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Lock polling defaults.
const (
	LockPoll    = 1 * time.Second
	LockTimeout = 300 * time.Second
)

// FileLock is a PID-stamped exclusive lock backed by O_EXCL file creation.
// A lock whose holder PID is dead is considered stale and may be reaped.
type FileLock struct {
	path string
	held bool
}

// NewFileLock addresses (but does not acquire) the lock at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// TryAcquire attempts a non-blocking acquisition.
func (l *FileLock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", l.path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("stamp lock %s: %w", l.path, err)
	}
	l.held = true
	return true, nil
}

// Acquire blocks until the lock is held, polling every LockPoll. A stale
// lock (dead holder) is reaped at most once per call. Returns
// ErrLockTimeout after LockTimeout, or ctx.Err on cancellation.
func (l *FileLock) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(LockTimeout)
	reaped := false
	for {
		ok, err := l.TryAcquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !reaped {
			if l.reapStale() {
				reaped = true
				continue
			}
			reaped = true
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(LockPoll):
		}
	}
}

// Release removes the lock file. Releasing an unheld lock is a no-op.
func (l *FileLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// HolderPID reads the PID stamped in the lock file; 0 if absent/unreadable.
func (l *FileLock) HolderPID() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// reapStale removes the lock if its holder is dead. Reports whether a
// reap happened.
func (l *FileLock) reapStale() bool {
	pid := l.HolderPID()
	if pid == 0 || PIDAlive(pid) {
		return false
	}
	return os.Remove(l.path) == nil
}

// PIDAlive reports whether a process with the given PID exists. EPERM
// counts as alive: the process exists but belongs to someone else.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// ReapStaleIn removes every lock/slot file under dir whose stamped PID is
// dead. Returns the number reaped.
func ReapStaleIn(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	reaped := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lock := NewFileLock(filepath.Join(dir, e.Name()))
		if lock.reapStale() {
			reaped++
		}
	}
	return reaped
}
