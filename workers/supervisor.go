package workers

import (
	"fmt"
	"os"
	"os/exec"

	logging "github.com/ipfs/go-log/v2"

	"github.com/glamboyosa/queued/drivers"
)

var log = logging.Logger("queued/workers")

// EnsureWorkerRunning confirms a live worker exists or spawns one. Called by
// the dispatcher after every successful enqueue; idempotent under a live
// worker. The spawn is fully detached and never blocks the producer.
func EnsureWorkerRunning(cfg Config, driverCfg drivers.DriverConfig) error {
	cfg = cfg.withDefaults()
	path := LockPath(cfg.LockDir)

	pid, err := readLockPID(path)
	if err == nil && pid != 0 {
		if processAlive(pid) {
			return nil
		}
		// Stale lock from a dead worker; collect it before spawning.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock %s: %w", path, err)
		}
		log.Infow("collected stale worker lock", "path", path, "pid", pid)
	}

	return spawnWorker(cfg, driverCfg)
}

// spawnWorker launches a detached worker process with the driver and worker
// configuration passed as structured JSON options. Configuration is never
// interpolated into a shell string.
func spawnWorker(cfg Config, driverCfg drivers.DriverConfig) error {
	driverArg, err := driverCfg.MarshalArg()
	if err != nil {
		return err
	}
	cfgArg, err := cfg.MarshalArg()
	if err != nil {
		return err
	}

	bin := cfg.WorkerBinary
	if bin == DefaultWorkerBinary {
		if resolved, err := exec.LookPath(bin); err == nil {
			bin = resolved
		}
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(bin,
		"--driver-config="+driverArg,
		"--config="+cfgArg,
	)
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn worker: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release worker process: %w", err)
	}

	log.Infow("spawned worker", "pid", pid, "binary", bin)
	return nil
}
