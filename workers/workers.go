package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/glamboyosa/queued/codec"
	"github.com/glamboyosa/queued/drivers"
	"github.com/glamboyosa/queued/schema"
)

// Worker drains the jobs table one job at a time: lease under a transaction,
// execute under the job's timeout, classify the outcome, write the next state.
type Worker struct {
	driver drivers.Driver
	codec  *codec.Codec
	cfg    Config
	pid    string

	// preloaded guards path_files against repeated loading within this
	// process.
	preloaded map[string]bool

	leaseBackoff *backoff.ExponentialBackOff
}

// NewWorker creates a worker over the given storage driver and codec.
func NewWorker(driver drivers.Driver, c *codec.Codec, cfg Config) *Worker {
	return &Worker{
		driver:       driver,
		codec:        c,
		cfg:          cfg.withDefaults(),
		pid:          strconv.Itoa(os.Getpid()),
		preloaded:    make(map[string]bool),
		leaseBackoff: backoff.NewExponentialBackOff(),
	}
}

// Run executes the polling loop until the context is cancelled or the
// worker's own lifetime budget is spent. The caller holds the worker lock.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.reclaimAbandoned(ctx); err != nil {
		log.Warnw("failed to reclaim abandoned jobs", "error", err)
	}

	start := time.Now()
	log.Infow("worker started", "pid", w.pid, "worker_timeout", w.cfg.WorkerTimeout)

	for {
		if ctx.Err() != nil {
			log.Infow("worker stopping", "pid", w.pid)
			return nil
		}

		job, err := w.leaseNext(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.Errorw("failed to lease job", "error", err)
			sleepCtx(ctx, w.leaseBackoff.NextBackOff())
		case job == nil:
			w.leaseBackoff.Reset()
			sleepCtx(ctx, w.cfg.ProcessCheckInterval)
		default:
			w.leaseBackoff.Reset()
			w.run(ctx, job)
		}

		if time.Since(start) > w.cfg.WorkerTimeout {
			log.Infow("worker lifetime reached, exiting", "pid", w.pid)
			return nil
		}
	}
}

// RunOnce leases and runs a single job. Returns false when the queue was
// empty.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.leaseNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.run(ctx, job)
	return true, nil
}

// leaseNext atomically claims the oldest pending job with the smallest
// priority rank. The select takes a row lock where the dialect supports one,
// so two concurrent leasers never return the same row.
func (w *Worker) leaseNext(ctx context.Context) (*schema.Job, error) {
	var job *schema.Job

	dialect := w.driver.Dialect()
	query := "SELECT " + schema.JobColumns + " FROM " + schema.JobsTable + dialect.LockHint() +
		" WHERE status = ? AND (retry_count < max_retries OR retry_count = 0)" +
		" ORDER BY " + dialect.PriorityRank("priority") + ", created_at, id" +
		dialect.LimitOne() + dialect.RowLock()

	err := w.driver.WithTx(ctx, func(tx drivers.Transaction) error {
		row := tx.QueryRow(ctx, query, string(schema.StatusPending))
		j, err := schema.ScanJob(row)
		if err != nil {
			if IsNoRows(err) {
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		values := map[string]interface{}{
			"status":     string(schema.StatusProcessing),
			"pid":        w.pid,
			"updated_at": now,
		}
		if !j.StartedAt.Valid {
			values["started_at"] = now
		}
		if err := tx.Update(ctx, schema.JobsTable, j.ID, values); err != nil {
			return err
		}

		j.Status = schema.StatusProcessing
		j.PID = sql.NullString{String: w.pid, Valid: true}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// run executes one leased job and persists the outcome.
func (w *Worker) run(ctx context.Context, job *schema.Job) {
	log.Infow("running job", "uuid", job.UUID, "name", job.Name, "attempt", job.RetryCount+1)

	if job.PathFiles.Valid && job.PathFiles.String != "" {
		if err := w.preload(job.PathFiles.String); err != nil {
			w.recordFailure(ctx, job, err)
			return
		}
	}

	fn, err := w.codec.Decode(job)
	if err != nil {
		w.recordFailure(ctx, job, err)
		return
	}

	timeout := time.Duration(job.Timeout) * time.Second
	before := time.Now()
	_, err = Invoke(ctx, fn, json.RawMessage(job.Params), timeout)
	if err != nil {
		w.recordFailure(ctx, job, err)
		return
	}

	now := time.Now().UTC()
	err = w.driver.Update(ctx, schema.JobsTable, job.ID, map[string]interface{}{
		"status":       string(schema.StatusCompleted),
		"completed_at": now,
		"updated_at":   now,
	})
	if err != nil {
		log.Errorw("failed to mark job completed", "uuid", job.UUID, "error", err)
		return
	}
	log.Infow("job completed", "uuid", job.UUID, "duration", time.Since(before))
}

// preload checks the job's include path, once per path per process.
func (w *Worker) preload(path string) error {
	if w.preloaded[path] {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrPreloadMissing, path)
	}
	w.preloaded[path] = true
	return nil
}

// Invoke runs a materialized callable under a wall-clock budget. The attempt
// runs in its own goroutine with panic recovery; at the deadline it is
// abandoned and reported as ErrJobTimeout. The budget survives worker
// shutdown so an in-flight job finishes its attempt.
func Invoke(ctx context.Context, fn codec.JobFunc, params json.RawMessage, timeout time.Duration) (interface{}, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: &PanicError{Value: rec, Stack: debug.Stack()}}
			}
		}()
		result, err := fn(runCtx, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("%w after %s", ErrJobTimeout, timeout)
	}
}

// recordFailure applies the retry policy: requeue with an incremented retry
// count, or mark failed and write the forensic record in one transaction.
func (w *Worker) recordFailure(ctx context.Context, job *schema.Job, jobErr error) {
	now := time.Now().UTC()
	next := job.RetryCount + 1

	if Decide(job.RetryCount, job.MaxRetries, jobErr) == OutcomeRetry {
		log.Warnw("job failed, retrying",
			"uuid", job.UUID, "attempt", next, "max_retries", job.MaxRetries, "error", jobErr)
		err := w.driver.Update(ctx, schema.JobsTable, job.ID, map[string]interface{}{
			"status":      string(schema.StatusPending),
			"retry_count": next,
			"pid":         nil,
			"updated_at":  now,
		})
		if err != nil {
			log.Errorw("failed to requeue job", "uuid", job.UUID, "error", err)
			return
		}
		if job.RetryDelay > 0 {
			sleepCtx(ctx, time.Duration(job.RetryDelay)*time.Second)
		}
		return
	}

	log.Errorw("job failed terminally",
		"uuid", job.UUID, "retry_count", job.RetryCount, "max_retries", job.MaxRetries, "error", jobErr)

	err := w.driver.WithTx(ctx, func(tx drivers.Transaction) error {
		if err := tx.Update(ctx, schema.JobsTable, job.ID, map[string]interface{}{
			"status":     string(schema.StatusFailed),
			"updated_at": now,
		}); err != nil {
			return err
		}
		return tx.Insert(ctx, schema.FailedJobsTable, map[string]interface{}{
			"uuid":      job.UUID,
			"job_id":    job.ID,
			"exception": exceptionText(jobErr),
			"payload":   snapshotJSON(job),
			"failed_at": now,
		})
	})
	if err != nil {
		log.Errorw("failed to record terminal failure", "uuid", job.UUID, "error", err)
	}
}

// reclaimAbandoned returns processing rows owned by dead workers to pending.
// Runs once at worker startup; the retry budget already consumed is kept.
func (w *Worker) reclaimAbandoned(ctx context.Context) error {
	rows, err := w.driver.Query(ctx,
		"SELECT id, pid FROM "+schema.JobsTable+" WHERE status = ?",
		string(schema.StatusProcessing))
	if err != nil {
		return err
	}
	defer rows.Close()

	type abandoned struct {
		id  int64
		pid string
	}
	var stale []abandoned
	alive := map[string]bool{}
	for rows.Next() {
		var id int64
		var pid sql.NullString
		if err := rows.Scan(&id, &pid); err != nil {
			return err
		}
		if pid.Valid && pid.String == w.pid {
			continue
		}
		owner := pid.String
		if owner != "" {
			cached, ok := alive[owner]
			if !ok {
				n, perr := strconv.Atoi(owner)
				cached = perr == nil && processAlive(n)
				alive[owner] = cached
			}
			if cached {
				continue
			}
		}
		stale = append(stale, abandoned{id: id, pid: owner})
	}
	rows.Close()

	for _, s := range stale {
		err := w.driver.Update(ctx, schema.JobsTable, s.id, map[string]interface{}{
			"status":     string(schema.StatusPending),
			"pid":        nil,
			"updated_at": time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		log.Warnw("reclaimed abandoned job", "id", s.id, "dead_pid", s.pid)
	}
	return nil
}

// exceptionText renders the failure for the failed_jobs record, including the
// stack when the job panicked.
func exceptionText(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return fmt.Sprintf("%v\n%s", p.Value, p.Stack)
	}
	return err.Error()
}

// snapshotJSON captures the job row at failure time.
func snapshotJSON(job *schema.Job) string {
	snap := map[string]interface{}{
		"id":            job.ID,
		"uuid":          job.UUID,
		"name":          job.Name,
		"callable_type": string(job.CallableType),
		"callable":      job.Callable,
		"params":        job.Params,
		"status":        string(job.Status),
		"priority":      string(job.Priority),
		"timeout":       job.Timeout,
		"retry_count":   job.RetryCount,
		"max_retries":   job.MaxRetries,
		"retry_delay":   job.RetryDelay,
		"created_at":    job.CreatedAt,
	}
	if job.Namespace.Valid {
		snap["namespace"] = job.Namespace.String
	}
	if job.PathFiles.Valid {
		snap["path_files"] = job.PathFiles.String
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Sprintf("{\"uuid\":%q}", job.UUID)
	}
	return string(b)
}

// IsNoRows matches the empty-result sentinel across database/sql and pgx.
func IsNoRows(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows in result set")
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
