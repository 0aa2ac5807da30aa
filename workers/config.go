package workers

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultWorkerBinary is the executable the supervisor spawns, resolved
// through PATH unless Config.WorkerBinary points somewhere explicit.
const DefaultWorkerBinary = "queued-worker"

// Config carries the worker process settings. It round-trips through JSON so
// the producer can pass it to the spawned worker on the command line.
type Config struct {
	// ProcessCheckInterval is the sleep between empty polls.
	ProcessCheckInterval time.Duration `json:"process_check_interval"`
	// WorkerTimeout bounds total worker lifetime; when reached the worker
	// exits cleanly and the next dispatch respawns a fresh one.
	WorkerTimeout time.Duration `json:"worker_timeout"`
	// MaxWorkers is reserved. Values above 1 are advisory; execution is
	// bounded to one job at a time.
	MaxWorkers int `json:"max_workers"`
	// LockDir holds the queue_worker.lock file.
	LockDir string `json:"lock_dir"`
	// WorkerBinary overrides the executable spawned by the supervisor.
	WorkerBinary string `json:"worker_binary,omitempty"`
}

// DefaultConfig returns the reference settings: poll every second, recycle
// the worker hourly, single worker, lock in the system temp directory.
func DefaultConfig() Config {
	return Config{
		ProcessCheckInterval: time.Second,
		WorkerTimeout:        time.Hour,
		MaxWorkers:           1,
		LockDir:              os.TempDir(),
		WorkerBinary:         DefaultWorkerBinary,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProcessCheckInterval <= 0 {
		c.ProcessCheckInterval = d.ProcessCheckInterval
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = d.WorkerTimeout
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.LockDir == "" {
		c.LockDir = d.LockDir
	}
	if c.WorkerBinary == "" {
		c.WorkerBinary = d.WorkerBinary
	}
	return c
}

// MarshalArg encodes the config for a --config command-line option.
func (c Config) MarshalArg() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode worker config: %w", err)
	}
	return string(b), nil
}

// ParseConfig decodes a --config option value, filling defaults.
func ParseConfig(s string) (Config, error) {
	var c Config
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Config{}, fmt.Errorf("failed to decode worker config: %w", err)
	}
	return c.withDefaults(), nil
}
