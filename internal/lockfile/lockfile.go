// Package lockfile keeps two InterviewPipe servers from sharing one state directory.
//
// The per-conversation single-writer guarantee lives in process memory, so a
// second server on the same SQLite file could interleave turns. The lock is
// an flock on a file in the state directory and is released by the kernel
// when the process dies.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is created in the state directory.
const LockFileName = "interviewpipe.lock"

// ErrLocked is wrapped by LockError.
var ErrLocked = errors.New("state directory is locked by another process")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// LockError describes the holder of a lock that could not be acquired.
type LockError struct {
	Path   string
	Holder string // "pid=123 (running)" or a best-effort description
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another InterviewPipe server is using this state directory (lock file %s", e.Path)
	if e.Holder != "" {
		msg += ", holder " + e.Holder
	}
	return msg + "); remove the lock file only if that process is gone"
}

func (e *LockError) Unwrap() []error { return []error{ErrLocked, e.Cause} }

// Acquire takes an exclusive, non-blocking lock on stateDir, creating it if needed.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		lerr := &LockError{Path: path, Holder: describeHolder(path), Cause: err}
		slog.Error("Lock.Acquire: state directory is in use", "path", path, "holder", lerr.Holder)
		return nil, lerr
	}

	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0)
		if err != nil {
			slog.Warn("Lock.Acquire: failed to record pid", "path", path, "error", err)
		}
	}
	slog.Debug("Lock.Acquire: state directory locked", "path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid=%d (running)", pid)
	}
	return fmt.Sprintf("pid=%d (not running)", pid)
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}

// processAlive sends signal 0, which only checks for existence.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
