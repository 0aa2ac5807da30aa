// Package queued is a durable, database-backed job queue. Producers build
// jobs with a fluent API and dispatch them into a jobs table; a single
// background worker process, spawned automatically on first dispatch and
// guarded by an on-disk pid lock, drains the queue in priority order,
// enforces per-job timeouts, retries transient failures and records terminal
// failures in a failed_jobs table.
package queued

import (
	"context"
	"errors"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/glamboyosa/queued/codec"
	"github.com/glamboyosa/queued/drivers"
	"github.com/glamboyosa/queued/schema"
	"github.com/glamboyosa/queued/workers"
)

var log = logging.Logger("queued")

// ErrInvalidArgument is returned for a bad priority, retry budget, timeout or
// preload path at dispatch time.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrDispatchFailed wraps a storage failure while persisting a job.
var ErrDispatchFailed = errors.New("dispatch failed")

// ErrJobNotFound is returned by lookups for an unknown job uuid.
var ErrJobNotFound = errors.New("job not found")

// SecretEnv is the environment variable consulted for the closure-integrity
// secret when WithSecret is not given.
const SecretEnv = "QUEUED_SECRET"

// Client is the producer's handle on the queue. Construction provisions the
// jobs and failed_jobs tables.
type Client struct {
	driver    drivers.Driver
	driverCfg drivers.DriverConfig
	registry  *codec.Registry
	codec     *codec.Codec
	secret    []byte
	workerCfg workers.Config
	autoSpawn bool
}

// Option configures a Client.
type Option func(*Client) error

// WithSecret sets the process-stable key guarding closure payloads. Every
// process touching the queue must use the same key.
func WithSecret(secret []byte) Option {
	return func(c *Client) error {
		if len(secret) == 0 {
			return errors.New("secret cannot be empty")
		}
		c.secret = secret
		return nil
	}
}

// WithWorkerConfig overrides the worker settings handed to spawned workers.
func WithWorkerConfig(cfg workers.Config) Option {
	return func(c *Client) error {
		c.workerCfg = cfg
		return nil
	}
}

// WithAutoSpawn controls whether Dispatch ensures a worker is running.
// Enabled by default when the client knows how to reopen its storage
// connection (i.e. it was built from a DriverConfig).
func WithAutoSpawn(enabled bool) Option {
	return func(c *Client) error {
		c.autoSpawn = enabled
		return nil
	}
}

// New opens a storage connection from the config, provisions the tables and
// returns a client. The driver config is retained so spawned workers can
// re-establish a connection of the same kind.
//
// Example:
//
//	registry := codec.NewRegistry()
//	registry.RegisterFunc("email.send", sendEmail)
//
//	client, err := queued.New(ctx, drivers.DriverConfig{
//	    Kind: "postgres",
//	    DSN:  "postgres://localhost:5432/myapp",
//	}, registry)
func New(ctx context.Context, driverCfg drivers.DriverConfig, registry *codec.Registry, opts ...Option) (*Client, error) {
	driver, err := drivers.Open(ctx, driverCfg)
	if err != nil {
		return nil, err
	}
	c, err := newClient(ctx, driver, registry, true, opts)
	if err != nil {
		driver.Close()
		return nil, err
	}
	c.driverCfg = driverCfg
	return c, nil
}

// NewWithDriver wraps an already-open driver. Worker auto-spawn stays off
// because the client cannot describe the connection to a child process; use
// New, or run a worker in-process with Worker().
func NewWithDriver(ctx context.Context, driver drivers.Driver, registry *codec.Registry, opts ...Option) (*Client, error) {
	return newClient(ctx, driver, registry, false, opts)
}

func newClient(ctx context.Context, driver drivers.Driver, registry *codec.Registry, autoSpawn bool, opts []Option) (*Client, error) {
	if registry == nil {
		registry = codec.NewRegistry()
	}
	c := &Client{
		driver:    driver,
		registry:  registry,
		secret:    []byte(os.Getenv(SecretEnv)),
		workerCfg: workers.DefaultConfig(),
		autoSpawn: autoSpawn,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.codec = codec.New(registry, c.secret)

	if err := schema.EnsureTables(ctx, driver); err != nil {
		return nil, err
	}
	return c, nil
}

// Registry returns the callable registry the client encodes against.
func (c *Client) Registry() *codec.Registry {
	return c.registry
}

// Driver returns the underlying storage driver.
func (c *Client) Driver() drivers.Driver {
	return c.driver
}

// Worker builds an in-process worker over the client's driver and registry.
// The command-line worker binary is the usual entry point; this exists for
// embedding and tests.
func (c *Client) Worker() *workers.Worker {
	return workers.NewWorker(c.driver, c.codec, c.workerCfg)
}

// Close releases the storage connection.
func (c *Client) Close() error {
	return c.driver.Close()
}

// ensureWorker invokes the supervisor after a successful dispatch. Spawn
// problems are logged, not surfaced: the job row is already durable and the
// next dispatch retries the spawn.
func (c *Client) ensureWorker() {
	if !c.autoSpawn {
		return
	}
	if err := workers.EnsureWorkerRunning(c.workerCfg, c.driverCfg); err != nil {
		log.Warnw("failed to ensure worker is running", "error", err)
	}
}
