// Package workercmd builds the queue worker's command-line entry point.
// Applications embed it in their own binary so the worker process shares
// their callable registry:
//
//	func main() {
//	    registry := codec.NewRegistry()
//	    registry.RegisterFunc("email.send", sendEmail)
//	    if err := workercmd.Command(registry).Execute(); err != nil {
//	        os.Exit(1)
//	    }
//	}
//
// The producer spawns the binary with --driver-config and --config JSON
// options; both are emitted by the supervisor, never written by hand. The
// closure-integrity secret is read from the QUEUED_SECRET environment
// variable, which must match the producer's.
package workercmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/glamboyosa/queued/codec"
	"github.com/glamboyosa/queued/drivers"
	"github.com/glamboyosa/queued/schema"
	"github.com/glamboyosa/queued/workers"
)

var log = logging.Logger("queued/workercmd")

const secretEnv = "QUEUED_SECRET"

// Command returns the worker command bound to the given callable registry.
func Command(registry *codec.Registry) *cobra.Command {
	var driverConfigJSON string
	var configJSON string

	cmd := &cobra.Command{
		Use:           "queued-worker",
		Short:         "Run the queue worker process",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(registry, driverConfigJSON, configJSON)
		},
	}

	cmd.Flags().StringVar(&driverConfigJSON, "driver-config", "",
		"JSON storage connection settings (driver_kind, dsn, ...)")
	cmd.Flags().StringVar(&configJSON, "config", "",
		"JSON worker settings (process_check_interval, worker_timeout, max_workers, lock_dir)")
	cobra.CheckErr(cmd.MarkFlagRequired("driver-config"))
	cobra.CheckErr(cmd.MarkFlagRequired("config"))

	return cmd
}

// run is the worker lifecycle: parse configuration, connect storage, take the
// lock, drain jobs until shutdown. Any initialization failure is an error;
// main exits 1 on it.
func run(registry *codec.Registry, driverConfigJSON, configJSON string) error {
	driverCfg, err := drivers.ParseDriverConfig(driverConfigJSON)
	if err != nil {
		return err
	}
	cfg, err := workers.ParseConfig(configJSON)
	if err != nil {
		return err
	}

	// Signal handling is scoped to the run: installed here, removed when the
	// loop exits. SIGTERM/SIGINT let the current job finish its attempt.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := backoff.Retry(ctx, func() (drivers.Driver, error) {
		return drivers.Open(ctx, driverCfg)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	defer driver.Close()

	if err := schema.EnsureTables(ctx, driver); err != nil {
		return err
	}

	if err := workers.AcquireLock(cfg.LockDir); err != nil {
		return err
	}
	defer func() {
		if err := workers.ReleaseLock(cfg.LockDir); err != nil {
			log.Errorw("failed to release worker lock", "error", err)
		}
	}()

	secret := []byte(os.Getenv(secretEnv))
	w := workers.NewWorker(driver, codec.New(registry, secret), cfg)

	started := time.Now()
	err = w.Run(ctx)
	log.Infow("worker exited", "uptime", time.Since(started))
	return err
}
