// Package lockfile guards a convoroute state directory against concurrent
// instances.
//
// Two processes sharing one state directory would fight over the SQLite
// routing database and the whatsmeow session, so startup takes an exclusive
// flock on a well-known file. The kernel drops the lock when the process
// exits, cleanly or not, so a crash never leaves the directory locked.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "convoroute.lock"

// Lock is a held state-directory lock. Release it on shutdown; it is also
// released by the kernel when the process exits.
type Lock struct {
	file     *os.File
	path     string
	acquired bool
}

// AcquireLock takes an exclusive lock on the state directory, creating it if
// needed. When another process already holds the lock, the returned error is
// a *LockError describing the owner.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile: acquiring state directory lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	// Non-blocking: a held lock is a configuration problem to report, not a
	// condition to wait out.
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := describeOwner(lockPath)
		slog.Error("lockfile: state directory already locked", "lock_path", lockPath, "owner", owner)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: owner, Cause: err}
	}

	if err := writeOwnerInfo(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("lockfile: state directory lock acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath, acquired: true}, nil
}

// Release drops the lock and removes the lock file. Safe to call more than
// once.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("lockfile: failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("lockfile: failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil {
		// Not critical; the flock itself is already gone.
		slog.Error("lockfile: failed to remove lock file", "error", err, "lock_path", l.path)
	}

	l.acquired = false
	l.file = nil
	slog.Debug("lockfile: state directory lock released", "lock_path", l.path)
	return nil
}

// writeOwnerInfo records this process in the lock file so a conflicting
// start can name the owner.
func writeOwnerInfo(file *os.File) error {
	info := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(info); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile: failed to sync lock file", "error", err)
	}
	return nil
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("Another convoroute instance is already running using the same state directory.\n\nLock file: %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += "\nExisting process: " + e.ExistingInfo
	}
	msg += "\n\nIf no other instance is running the lock file is stale and can be removed:\n" +
		fmt.Sprintf("  rm %s\n", e.LockPath) +
		"Only do so after confirming no other instance uses this state directory."
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeOwner summarizes the process named in an existing lock file.
func describeOwner(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}

	pid := parseLockPID(content)
	if pid <= 0 {
		return "process information: " + content
	}
	if processAlive(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running - stale lock)", pid)
}

// parseLockPID extracts the pid= value from lock file content, returning 0
// when none is present or it is not numeric.
func parseLockPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(rest)
		if err != nil || pid <= 0 {
			return 0
		}
		return pid
	}
	return 0
}

// processAlive reports whether a process with the given PID exists, using
// signal 0 which probes without delivering anything.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
