package workers

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LockFileName is the sentinel file guarding single-worker execution. It
// contains the owning worker's pid as plain ASCII, mode 0644.
const LockFileName = "queue_worker.lock"

// LockPath returns the lock file location for a lock directory.
func LockPath(lockDir string) string {
	return filepath.Join(lockDir, LockFileName)
}

// readLockPID reads the pid recorded in the lock file. Returns 0 with a nil
// error when the file does not exist.
func readLockPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return pid, nil
}

// AcquireLock records the current process as the queue worker. If the file
// already names a live process other than this one, the lock is contended and
// the worker must exit.
func AcquireLock(lockDir string) error {
	path := LockPath(lockDir)
	self := os.Getpid()

	pid, err := readLockPID(path)
	if err == nil && pid != 0 && pid != self && processAlive(pid) {
		return fmt.Errorf("%w: pid %d", ErrLockContention, pid)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(self)), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrLockContention, err)
	}
	return nil
}

// ReleaseLock removes the lock file. Invoked from the worker's shutdown path
// on normal exit and on SIGTERM/SIGINT.
func ReleaseLock(lockDir string) error {
	err := os.Remove(LockPath(lockDir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// workerAlive reports whether the lock file names a live worker. A malformed
// or missing file counts as no worker.
func workerAlive(lockDir string) bool {
	pid, err := readLockPID(LockPath(lockDir))
	if err != nil || pid == 0 {
		return false
	}
	return processAlive(pid)
}
