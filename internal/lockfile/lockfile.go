// Package lockfile guards a LeadPipe state directory so only one process
// uses its SQLite database and outbox at a time.
//
// The lock is an flock on a file inside the directory, so the kernel drops it
// when the process exits, cleanly or not.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "leadpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// HeldError is returned when another process holds the lock.
type HeldError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *HeldError) Error() string {
	msg := fmt.Sprintf("state directory is locked by another LeadPipe process (lock file %s", e.Path)
	if e.Holder != "" {
		msg += ", holder " + e.Holder
	}
	return msg + "); stop that process or remove the lock file if it is stale"
}

func (e *HeldError) Unwrap() error { return e.Cause }

// Acquire takes an exclusive, non-blocking lock on dir, creating it if needed.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, LockFileName)

	// Opened without O_TRUNC so a failed attempt leaves the holder's pid intact.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		slog.Error("lockfile.Acquire: state directory already locked", "path", path, "holder", holder)
		return nil, &HeldError{Path: path, Holder: holder, Cause: err}
	}

	if err := writePID(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}

	slog.Debug("lockfile.Acquire: locked", "path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: unlock failed", "path", l.path, "error", err)
	}
	closeErr := l.file.Close()
	l.file = nil
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: remove failed", "path", l.path, "error", err)
	}
	slog.Debug("lockfile.Release: released", "path", l.path)
	return closeErr
}

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writePID: sync failed", "path", file.Name(), "error", err)
	}
	return nil
}

// describeHolder reads the pid recorded in the lock file and reports whether
// that process is still alive.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return ""
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d (not running)", pid)
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

// processAlive sends signal 0, which checks existence without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
