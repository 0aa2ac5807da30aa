package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glamboyosa/queued/codec"
	"github.com/glamboyosa/queued/drivers"
	"github.com/glamboyosa/queued/schema"
)

func newWorkerHarness(t *testing.T) (drivers.Driver, *Worker) {
	t.Helper()
	ctx := context.Background()

	driver, err := drivers.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	require.NoError(t, schema.EnsureTables(ctx, driver))

	w := NewWorker(driver, codec.New(codec.NewRegistry(), nil), Config{
		ProcessCheckInterval: 10 * time.Millisecond,
		WorkerTimeout:        time.Minute,
	})
	return driver, w
}

func insertJob(t *testing.T, d drivers.Driver, values map[string]interface{}) {
	t.Helper()
	row := map[string]interface{}{
		"uuid":          "u-" + values["name"].(string),
		"callable_type": string(schema.CallableFunction),
		"callable":      "noop",
		"params":        "null",
		"status":        string(schema.StatusPending),
		"priority":      string(schema.PriorityNormal),
		"timeout":       60,
		"retry_count":   0,
		"max_retries":   3,
		"retry_delay":   0,
		"created_at":    time.Now().UTC(),
	}
	for k, v := range values {
		row[k] = v
	}
	require.NoError(t, d.Insert(context.Background(), schema.JobsTable, row))
}

func TestLeaseNextEmptyQueue(t *testing.T) {
	_, w := newWorkerHarness(t)
	job, err := w.leaseNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestLeaseNextMarksProcessing(t *testing.T) {
	d, w := newWorkerHarness(t)
	insertJob(t, d, map[string]interface{}{"name": "a"})

	job, err := w.leaseNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, schema.StatusProcessing, job.Status)
	assert.Equal(t, w.pid, job.PID.String)

	// Persisted too: processing rows always carry a pid and started_at.
	row := d.QueryRow(context.Background(),
		"SELECT "+schema.JobColumns+" FROM jobs WHERE id = ?", job.ID)
	stored, err := schema.ScanJob(row)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusProcessing, stored.Status)
	assert.True(t, stored.PID.Valid)
	assert.True(t, stored.StartedAt.Valid)
	assert.True(t, stored.UpdatedAt.Valid)
}

func TestLeaseNextSkipsLeasedRows(t *testing.T) {
	d, w := newWorkerHarness(t)
	insertJob(t, d, map[string]interface{}{"name": "a"})

	first, err := w.leaseNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := w.leaseNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestLeaseNextSkipsMalformedRows(t *testing.T) {
	d, w := newWorkerHarness(t)
	// retry_count already past the budget and non-zero: never leased.
	insertJob(t, d, map[string]interface{}{"name": "bad", "retry_count": 5, "max_retries": 3})

	job, err := w.leaseNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestLeaseNextAcceptsZeroBudgetFirstRun(t *testing.T) {
	d, w := newWorkerHarness(t)
	// retry_count = 0 is leaseable even when max_retries is 0.
	insertJob(t, d, map[string]interface{}{"name": "zero", "max_retries": 0})

	job, err := w.leaseNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestLeaseNextPriorityThenAge(t *testing.T) {
	d, w := newWorkerHarness(t)
	base := time.Now().UTC().Add(-time.Minute)
	insertJob(t, d, map[string]interface{}{
		"name": "older-low", "priority": string(schema.PriorityLow), "created_at": base,
	})
	insertJob(t, d, map[string]interface{}{
		"name": "newer-urgent", "priority": string(schema.PriorityUrgent), "created_at": base.Add(30 * time.Second),
	})
	insertJob(t, d, map[string]interface{}{
		"name": "older-urgent", "priority": string(schema.PriorityUrgent), "created_at": base.Add(10 * time.Second),
	})

	var order []string
	for {
		job, err := w.leaseNext(context.Background())
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.Name)
	}
	assert.Equal(t, []string{"older-urgent", "newer-urgent", "older-low"}, order)
}

func TestReclaimAbandoned(t *testing.T) {
	d, w := newWorkerHarness(t)
	insertJob(t, d, map[string]interface{}{
		"name": "orphan", "status": string(schema.StatusProcessing), "pid": "999999999",
	})
	insertJob(t, d, map[string]interface{}{
		"name": "owned", "status": string(schema.StatusProcessing), "pid": w.pid,
	})

	require.NoError(t, w.reclaimAbandoned(context.Background()))

	row := d.QueryRow(context.Background(),
		"SELECT "+schema.JobColumns+" FROM jobs WHERE name = ?", "orphan")
	orphan, err := schema.ScanJob(row)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, orphan.Status)
	assert.False(t, orphan.PID.Valid)

	row = d.QueryRow(context.Background(),
		"SELECT "+schema.JobColumns+" FROM jobs WHERE name = ?", "owned")
	owned, err := schema.ScanJob(row)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusProcessing, owned.Status)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	_, w := newWorkerHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestRunStopsAtWorkerTimeout(t *testing.T) {
	d, err := drivers.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, schema.EnsureTables(context.Background(), d))

	w := NewWorker(d, codec.New(codec.NewRegistry(), nil), Config{
		ProcessCheckInterval: 10 * time.Millisecond,
		WorkerTimeout:        100 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not honor its lifetime budget")
	}
}