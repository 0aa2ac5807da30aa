package queued_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glamboyosa/queued"
	"github.com/glamboyosa/queued/codec"
	"github.com/glamboyosa/queued/drivers"
	"github.com/glamboyosa/queued/schema"
	"github.com/glamboyosa/queued/workers"
)

type harness struct {
	client *queued.Client
	worker *workers.Worker

	executed []string
	failures map[string]int
}

// newHarness builds a client and in-process worker over an in-memory SQLite
// database, with a few reference callables registered.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	driver, err := drivers.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	h := &harness{failures: map[string]int{}}

	registry := codec.NewRegistry()
	require.NoError(t, registry.RegisterFunc("add", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct{ A, B int }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return p.A + p.B, nil
	}))
	require.NoError(t, registry.RegisterFunc("record", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			Label string `json:"label"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		h.executed = append(h.executed, p.Label)
		return nil, nil
	}))
	require.NoError(t, registry.RegisterFunc("boom", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, registry.RegisterFunc("flaky", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			Key      string `json:"key"`
			Failures int    `json:"failures"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if h.failures[p.Key] < p.Failures {
			h.failures[p.Key]++
			return nil, fmt.Errorf("transient failure %d", h.failures[p.Key])
		}
		return "recovered", nil
	}))
	require.NoError(t, registry.RegisterFunc("sleepy", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return "overslept", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	client, err := queued.NewWithDriver(ctx, driver, registry,
		queued.WithSecret([]byte("end-to-end-secret")))
	require.NoError(t, err)

	h.client = client
	h.worker = client.Worker()
	return h
}

// drain runs the worker until the queue is empty, bounded to avoid loops.
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	processed := 0
	for i := 0; i < 50; i++ {
		ran, err := h.worker.RunOnce(context.Background())
		require.NoError(t, err)
		if !ran {
			return processed
		}
		processed++
	}
	t.Fatal("queue did not drain")
	return processed
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uuid, err := h.client.Job(codec.Func{Name: "add"}, map[string]int{"A": 2, "B": 3}).
		SetMaxRetries(3).
		SetTimeout(10).
		Dispatch(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, uuid)

	job, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, job.Status)
	assert.Equal(t, "add", job.Name)

	assert.Equal(t, 1, h.drain(t))

	job, err = h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, job.Status)
	assert.True(t, job.CompletedAt.Valid)
	assert.True(t, job.StartedAt.Valid)
	assert.Zero(t, job.RetryCount)

	failed, err := h.client.GetFailedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestPriorityOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dispatch := func(label string, p schema.Priority) {
		_, err := h.client.Job(codec.Func{Name: "record"}, map[string]string{"label": label}).
			SetPriority(p).
			SetRetryDelay(0).
			Dispatch(ctx)
		require.NoError(t, err)
	}

	dispatch("A", schema.PriorityNormal)
	dispatch("B", schema.PriorityUrgent)
	dispatch("C", schema.PriorityHigh)

	assert.Equal(t, 3, h.drain(t))
	assert.Equal(t, []string{"B", "C", "A"}, h.executed)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, label := range []string{"one", "two", "three"} {
		_, err := h.client.Job(codec.Func{Name: "record"}, map[string]string{"label": label}).
			SetRetryDelay(0).
			Dispatch(ctx)
		require.NoError(t, err)
	}

	h.drain(t)
	assert.Equal(t, []string{"one", "two", "three"}, h.executed)
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uuid, err := h.client.Job(codec.Func{Name: "flaky"}, map[string]interface{}{
		"key": "j2", "failures": 2,
	}).SetMaxRetries(3).SetRetryDelay(0).Dispatch(ctx)
	require.NoError(t, err)

	// Fails twice, succeeds on the third attempt.
	assert.Equal(t, 3, h.drain(t))

	job, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.RetryCount)
}

func TestTerminalFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uuid, err := h.client.Job(codec.Func{Name: "boom"}, nil).
		SetMaxRetries(2).
		SetRetryDelay(0).
		Dispatch(ctx)
	require.NoError(t, err)

	// First attempt requeues (1 < 2); second is terminal.
	assert.Equal(t, 2, h.drain(t))

	job, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, job.Status)
	// Terminal transition happens when retry_count+1 reaches the budget, so
	// the stored count stays below max_retries.
	assert.Equal(t, 1, job.RetryCount)

	failed, err := h.client.GetFailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].JobID)
	assert.Equal(t, uuid, failed[0].UUID)
	assert.Contains(t, failed[0].Exception, "boom")
	assert.Contains(t, failed[0].Payload, uuid)
}

func TestTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uuid, err := h.client.Job(codec.Func{Name: "sleepy"}, nil).
		SetTimeout(1).
		SetMaxRetries(2).
		SetRetryDelay(0).
		Dispatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, h.drain(t))

	job, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, job.Status)

	failed, err := h.client.GetFailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Exception, "timed out")
}

func TestTamperDetection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uuid, err := h.client.Job(codec.Closure{Ref: "record", Captured: map[string]string{"who": "legit"}},
		map[string]string{"label": "tampered"}).
		SetMaxRetries(3).
		SetRetryDelay(0).
		Dispatch(ctx)
	require.NoError(t, err)

	// Out-of-band, flip one character of the stored callable.
	job, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	mutated := strings.Replace(job.Callable, "legit", "legip", 1)
	require.NotEqual(t, job.Callable, mutated)
	require.NoError(t, h.client.Driver().Exec(ctx,
		"UPDATE jobs SET callable = ? WHERE uuid = ?", mutated, uuid))

	// Terminal on the first attempt regardless of remaining budget.
	assert.Equal(t, 1, h.drain(t))

	job, err = h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, job.Status)
	assert.Zero(t, job.RetryCount)
	assert.Empty(t, h.executed)

	failed, err := h.client.GetFailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Exception, "integrity")
}

func TestPreloadPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("missing at dispatch is invalid", func(t *testing.T) {
		_, err := h.client.Job(codec.Func{Name: "add"}, nil).
			SetIncludePathFile("/does/not/exist").
			Dispatch(ctx)
		assert.ErrorIs(t, err, queued.ErrInvalidArgument)
	})

	t.Run("missing at execution retries", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "preload.txt")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

		uuid, err := h.client.Job(codec.Func{Name: "add"}, map[string]int{"A": 1, "B": 1}).
			SetIncludePathFile(path).
			SetMaxRetries(3).
			SetRetryDelay(0).
			Dispatch(ctx)
		require.NoError(t, err)

		require.NoError(t, os.Remove(path))
		ran, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran)

		job, err := h.client.GetJobStatus(ctx, uuid)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusPending, job.Status)
		assert.Equal(t, 1, job.RetryCount)
	})
}

func TestDispatchValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Job(codec.Func{Name: "add"}, nil).
		SetPriority(schema.Priority("asap")).
		Dispatch(ctx)
	assert.ErrorIs(t, err, queued.ErrInvalidArgument)

	_, err = h.client.Job("not a callable", nil).Dispatch(ctx)
	assert.ErrorIs(t, err, codec.ErrInvalidCallable)

	_, err = h.client.Job(codec.Func{Name: "add"}, nil).SetTimeout(0).Dispatch(ctx)
	assert.ErrorIs(t, err, queued.ErrInvalidArgument)
}

func TestDispatchNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.client.Job(codec.Func{Name: "add"}, map[string]int{"A": 20, "B": 22}).
		DispatchNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	_, err = h.client.Job(codec.Func{Name: "boom"}, nil).DispatchNow(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// Nothing was persisted.
	stats, err := h.client.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestDispatchMany(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uuids, err := h.client.DispatchMany(ctx,
		h.client.Job(codec.Func{Name: "record"}, map[string]string{"label": "m1"}).SetRetryDelay(0),
		h.client.Job(codec.Func{Name: "record"}, map[string]string{"label": "m2"}).SetRetryDelay(0),
		h.client.Job(codec.Func{Name: "record"}, map[string]string{"label": "m3"}).SetRetryDelay(0),
	)
	require.NoError(t, err)
	require.Len(t, uuids, 3)

	assert.Equal(t, 3, h.drain(t))
	assert.Equal(t, []string{"m1", "m2", "m3"}, h.executed)
}

func TestGetJobStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Job(codec.Func{Name: "add"}, map[string]int{"A": 1, "B": 2}).Dispatch(ctx)
	require.NoError(t, err)
	_, err = h.client.Job(codec.Func{Name: "boom"}, nil).
		SetMaxRetries(1).SetRetryDelay(0).Dispatch(ctx)
	require.NoError(t, err)

	h.drain(t)

	stats, err := h.client.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Processing)
	assert.GreaterOrEqual(t, stats.AvgCompletionSeconds, 0.0)
}

func TestRetryJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A tampered closure fails terminally with its whole budget intact.
	// Once the payload is repaired, a manual retry runs to completion,
	// indistinguishable from a first-run success at that attempt number.
	uuid, err := h.client.Job(codec.Closure{Ref: "record", Captured: map[string]string{"who": "legit"}},
		map[string]string{"label": "manual"}).
		SetMaxRetries(3).
		SetRetryDelay(0).
		Dispatch(ctx)
	require.NoError(t, err)

	original, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	mutated := strings.Replace(original.Callable, "legit", "legip", 1)
	require.NoError(t, h.client.Driver().Exec(ctx,
		"UPDATE jobs SET callable = ? WHERE uuid = ?", mutated, uuid))

	h.drain(t)
	job, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	require.Equal(t, schema.StatusFailed, job.Status)
	require.Zero(t, job.RetryCount)

	// Out-of-band repair, then manual retry.
	require.NoError(t, h.client.Driver().Exec(ctx,
		"UPDATE jobs SET callable = ? WHERE uuid = ?", original.Callable, uuid))
	require.NoError(t, h.client.RetryJob(ctx, uuid))

	job, err = h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.False(t, job.PID.Valid)

	assert.Equal(t, 1, h.drain(t))
	job, err = h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, job.Status)
	assert.Equal(t, []string{"manual"}, h.executed)
}

func TestRetryJobWithoutBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uuid, err := h.client.Job(codec.Func{Name: "boom"}, nil).
		SetMaxRetries(1).SetRetryDelay(0).Dispatch(ctx)
	require.NoError(t, err)
	h.drain(t)

	job, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	require.Equal(t, schema.StatusFailed, job.Status)

	// Terminal on the first attempt leaves retry_count at 0, so one manual
	// requeue is still allowed; after it the budget is gone.
	require.NoError(t, h.client.RetryJob(ctx, uuid))
	err = h.client.RetryJob(ctx, uuid)
	assert.ErrorIs(t, err, queued.ErrInvalidArgument)
}

func TestRetryAllFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.client.Job(codec.Func{Name: "boom"}, nil).
			SetMaxRetries(2).SetRetryDelay(0).Dispatch(ctx)
		require.NoError(t, err)
	}
	h.drain(t)

	count, err := h.client.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stats, err := h.client.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Zero(t, stats.Failed)
}

func TestClearFailedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Job(codec.Func{Name: "boom"}, nil).
		SetMaxRetries(1).SetRetryDelay(0).Dispatch(ctx)
	require.NoError(t, err)
	h.drain(t)

	// Nothing is old enough for a 30-day window.
	n, err := h.client.ClearFailedJobs(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.client.ClearFailedJobs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDeleteJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uuid, err := h.client.Job(codec.Func{Name: "boom"}, nil).
		SetMaxRetries(1).SetRetryDelay(0).Dispatch(ctx)
	require.NoError(t, err)
	h.drain(t)

	require.NoError(t, h.client.DeleteJob(ctx, uuid))

	_, err = h.client.GetJobStatus(ctx, uuid)
	assert.ErrorIs(t, err, queued.ErrJobNotFound)

	// The forensic record cascades with the job row.
	failed, err := h.client.GetFailedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestPurgeCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Job(codec.Func{Name: "add"}, map[string]int{"A": 1, "B": 1}).Dispatch(ctx)
	require.NoError(t, err)
	h.drain(t)

	n, err := h.client.PurgeCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := h.client.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestGetJobStatusUnknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.GetJobStatus(context.Background(), "no-such-uuid")
	assert.ErrorIs(t, err, queued.ErrJobNotFound)
}

func TestClosureRequiresSecret(t *testing.T) {
	ctx := context.Background()
	driver, err := drivers.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	t.Setenv(queued.SecretEnv, "")
	client, err := queued.NewWithDriver(ctx, driver, codec.NewRegistry())
	require.NoError(t, err)

	_, err = client.Job(codec.Closure{Ref: "anything"}, nil).Dispatch(ctx)
	assert.ErrorIs(t, err, queued.ErrInvalidArgument)
}

func TestInstanceMethodJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.client.Registry().RegisterType("Greeter", func() interface{} { return &greeter{} }))

	uuid, err := h.client.Job(codec.Method{
		TypeName: "Greeter",
		Method:   "Greet",
		Receiver: &greeter{Prefix: "hey"},
	}, map[string]string{"name": "queue"}).SetRetryDelay(0).Dispatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, h.drain(t))

	job, err := h.client.GetJobStatus(ctx, uuid)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, job.Status)
	assert.Equal(t, "Greeter.Greet", job.Name)
}

type greeter struct {
	Prefix string `json:"prefix"`
}

func (g *greeter) Greet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return g.Prefix + " " + p.Name, nil
}
