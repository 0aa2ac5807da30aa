package queued

import (
	"context"
	"fmt"
	"time"

	"github.com/glamboyosa/queued/drivers"
	"github.com/glamboyosa/queued/schema"
	"github.com/glamboyosa/queued/workers"
)

// Stats aggregates queue state: total rows, per-status counts, and the
// average seconds between creation and completion for completed jobs.
type Stats struct {
	Total                int     `json:"total"`
	Pending              int     `json:"pending"`
	Processing           int     `json:"processing"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	AvgCompletionSeconds float64 `json:"avg_completion_seconds"`
}

// GetJobStatus looks up a job by its uuid.
func (c *Client) GetJobStatus(ctx context.Context, uuid string) (*schema.Job, error) {
	row := c.driver.QueryRow(ctx,
		"SELECT "+schema.JobColumns+" FROM "+schema.JobsTable+" WHERE uuid = ?", uuid)
	job, err := schema.ScanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, uuid)
		}
		return nil, err
	}
	return job, nil
}

// GetJobStats aggregates counts per status and the average completion
// latency. The latency average is computed client-side from the completed
// rows' timestamps so the query stays dialect-free.
func (c *Client) GetJobStats(ctx context.Context) (Stats, error) {
	var stats Stats

	rows, err := c.driver.Query(ctx,
		"SELECT status, COUNT(*) FROM "+schema.JobsTable+" GROUP BY status")
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Total += count
		switch schema.Status(status) {
		case schema.StatusPending:
			stats.Pending = count
		case schema.StatusProcessing:
			stats.Processing = count
		case schema.StatusCompleted:
			stats.Completed = count
		case schema.StatusFailed:
			stats.Failed = count
		}
	}
	rows.Close()

	if stats.Completed == 0 {
		return stats, nil
	}

	latencies, err := c.driver.Query(ctx,
		"SELECT created_at, completed_at FROM "+schema.JobsTable+
			" WHERE status = ? AND completed_at IS NOT NULL",
		string(schema.StatusCompleted))
	if err != nil {
		return stats, err
	}
	defer latencies.Close()

	var total float64
	var n int
	for latencies.Next() {
		var created, completed time.Time
		if err := latencies.Scan(&created, &completed); err != nil {
			return stats, err
		}
		total += completed.Sub(created).Seconds()
		n++
	}
	if n > 0 {
		stats.AvgCompletionSeconds = total / float64(n)
	}
	return stats, nil
}

// RetryJob requeues a single job by uuid. The job must have retry budget
// remaining; the increment and status flip happen in one transaction.
func (c *Client) RetryJob(ctx context.Context, uuid string) error {
	return c.driver.WithTx(ctx, func(tx drivers.Transaction) error {
		dialect := c.driver.Dialect()
		row := tx.QueryRow(ctx,
			"SELECT "+schema.JobColumns+" FROM "+schema.JobsTable+dialect.LockHint()+
				" WHERE uuid = ?"+dialect.RowLock(), uuid)
		job, err := schema.ScanJob(row)
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, uuid)
			}
			return err
		}
		if job.RetryCount >= job.MaxRetries {
			return fmt.Errorf("%w: job %s has no retry budget left", ErrInvalidArgument, uuid)
		}
		return tx.Update(ctx, schema.JobsTable, job.ID, map[string]interface{}{
			"status":      string(schema.StatusPending),
			"retry_count": job.RetryCount + 1,
			"pid":         nil,
			"updated_at":  time.Now().UTC(),
		})
	})
}

// RetryAllFailed requeues every failed job with retry budget remaining,
// oldest first. Returns the number of jobs requeued.
func (c *Client) RetryAllFailed(ctx context.Context) (int, error) {
	var count int
	err := c.driver.WithTx(ctx, func(tx drivers.Transaction) error {
		rows, err := tx.Query(ctx,
			"SELECT id, retry_count FROM "+schema.JobsTable+
				" WHERE status = ? AND retry_count < max_retries ORDER BY created_at",
			string(schema.StatusFailed))
		if err != nil {
			return err
		}
		defer rows.Close()

		type target struct {
			id         int64
			retryCount int
		}
		var targets []target
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.id, &t.retryCount); err != nil {
				return err
			}
			targets = append(targets, t)
		}
		rows.Close()

		now := time.Now().UTC()
		for _, t := range targets {
			err := tx.Update(ctx, schema.JobsTable, t.id, map[string]interface{}{
				"status":      string(schema.StatusPending),
				"retry_count": t.retryCount + 1,
				"pid":         nil,
				"updated_at":  now,
			})
			if err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		c.ensureWorker()
	}
	return count, nil
}

// ClearFailedJobs deletes failed_jobs records older than the given number of
// days. Returns the number of rows removed.
func (c *Client) ClearFailedJobs(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)
	return c.driver.ExecRows(ctx,
		"DELETE FROM "+schema.FailedJobsTable+" WHERE failed_at < ?", cutoff)
}

// GetFailedJobs returns the most recent failed_jobs records, newest first.
func (c *Client) GetFailedJobs(ctx context.Context, limit int) ([]schema.FailedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.driver.Query(ctx,
		"SELECT id, uuid, job_id, exception, payload, failed_at FROM "+
			schema.FailedJobsTable+" ORDER BY failed_at DESC, id DESC", // limit applied below
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.FailedJob
	for rows.Next() {
		var f schema.FailedJob
		if err := rows.Scan(&f.ID, &f.UUID, &f.JobID, &f.Exception, &f.Payload, &f.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteJob removes a job by uuid. Processing jobs cannot be deleted; their
// worker owns the row. failed_jobs records cascade with the row.
func (c *Client) DeleteJob(ctx context.Context, uuid string) error {
	job, err := c.GetJobStatus(ctx, uuid)
	if err != nil {
		return err
	}
	if job.Status == schema.StatusProcessing {
		return fmt.Errorf("%w: job %s is processing", ErrInvalidArgument, uuid)
	}
	return c.driver.Delete(ctx, schema.JobsTable, job.ID, "id")
}

// PurgeCompleted deletes completed jobs older than the given number of days.
// Returns the number of rows removed.
func (c *Client) PurgeCompleted(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)
	return c.driver.ExecRows(ctx,
		"DELETE FROM "+schema.JobsTable+" WHERE status = ? AND completed_at < ?",
		string(schema.StatusCompleted), cutoff)
}

// isNoRows mirrors the worker's empty-result detection.
func isNoRows(err error) bool {
	return workers.IsNoRows(err)
}
