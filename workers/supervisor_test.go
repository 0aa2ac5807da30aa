package workers

import (
	"os"
	"os/exec"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glamboyosa/queued/drivers"
)

var testDriverCfg = drivers.DriverConfig{Kind: "sqlite", DSN: ":memory:"}

func TestEnsureWorkerRunningIdempotentUnderLiveWorker(t *testing.T) {
	dir := t.TempDir()
	// Pose as the live worker.
	require.NoError(t, os.WriteFile(LockPath(dir), []byte(strconv.Itoa(os.Getpid())), 0o644))

	cfg := Config{LockDir: dir}
	require.NoError(t, EnsureWorkerRunning(cfg, testDriverCfg))

	// The lock is untouched.
	b, err := os.ReadFile(LockPath(dir))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(b))
}

func TestEnsureWorkerRunningCollectsStaleLock(t *testing.T) {
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no true binary available")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(LockPath(dir), []byte("999999999"), 0o644))

	cfg := Config{LockDir: dir, WorkerBinary: bin}
	require.NoError(t, EnsureWorkerRunning(cfg, testDriverCfg))

	// The stale lock was removed before spawning; the spawned no-op process
	// never rewrites it.
	_, err = os.Stat(LockPath(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(999999999))
}
