package queued

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/glamboyosa/queued/codec"
	"github.com/glamboyosa/queued/drivers"
	"github.com/glamboyosa/queued/pkg"
	"github.com/glamboyosa/queued/schema"
	"github.com/glamboyosa/queued/workers"
)

const (
	defaultMaxRetries = 3
	defaultTimeout    = 14400 // seconds
	defaultRetryDelay = 5     // seconds
)

// JobBuilder accumulates a job's callable, parameters and metadata before
// dispatch. Setters return the builder for chaining; validation happens at
// the terminal operations.
type JobBuilder struct {
	c *Client

	callable   interface{}
	params     interface{}
	name       string
	priority   schema.Priority
	maxRetries int
	timeout    int
	retryDelay int
	pathFiles  string
}

// Job starts a builder for the given callable and parameters. The callable
// is one of codec.Func, codec.Method or codec.Closure.
//
// Example:
//
//	uuid, err := client.Job(codec.Func{Name: "email.send"}, map[string]any{
//	    "to": "user@example.com",
//	}).SetPriority(schema.PriorityHigh).Dispatch(ctx)
func (c *Client) Job(callable interface{}, params interface{}) *JobBuilder {
	return &JobBuilder{
		c:          c,
		callable:   callable,
		params:     params,
		name:       codec.CallableName(callable),
		priority:   schema.PriorityNormal,
		maxRetries: defaultMaxRetries,
		timeout:    defaultTimeout,
		retryDelay: defaultRetryDelay,
	}
}

// SetName overrides the human label; the default is the callable's name.
func (b *JobBuilder) SetName(name string) *JobBuilder {
	b.name = name
	return b
}

// SetPriority sets the dispatch ordering class.
func (b *JobBuilder) SetPriority(p schema.Priority) *JobBuilder {
	b.priority = p
	return b
}

// SetMaxRetries sets the retry budget.
func (b *JobBuilder) SetMaxRetries(n int) *JobBuilder {
	b.maxRetries = n
	return b
}

// SetTimeout sets the per-attempt wall-clock budget in seconds.
func (b *JobBuilder) SetTimeout(seconds int) *JobBuilder {
	b.timeout = seconds
	return b
}

// SetRetryDelay sets the sleep before a failed job is retried, in seconds.
func (b *JobBuilder) SetRetryDelay(seconds int) *JobBuilder {
	b.retryDelay = seconds
	return b
}

// SetIncludePathFile names a file the worker must preload before executing
// the job. The path must exist at dispatch time.
func (b *JobBuilder) SetIncludePathFile(path string) *JobBuilder {
	b.pathFiles = path
	return b
}

// validate checks the builder and returns the encoded callable.
func (b *JobBuilder) validate() (codec.Encoded, error) {
	if !b.priority.Valid() {
		return codec.Encoded{}, fmt.Errorf("%w: priority %q", ErrInvalidArgument, b.priority)
	}
	if b.maxRetries < 0 {
		return codec.Encoded{}, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidArgument)
	}
	if b.timeout <= 0 {
		return codec.Encoded{}, fmt.Errorf("%w: timeout must be positive", ErrInvalidArgument)
	}
	if b.retryDelay < 0 {
		return codec.Encoded{}, fmt.Errorf("%w: retry_delay must not be negative", ErrInvalidArgument)
	}
	if b.pathFiles != "" {
		if _, err := os.Stat(b.pathFiles); err != nil {
			return codec.Encoded{}, fmt.Errorf("%w: preload path %s does not exist", ErrInvalidArgument, b.pathFiles)
		}
	}

	kind, err := codec.Classify(b.callable)
	if err != nil {
		return codec.Encoded{}, err
	}
	if kind == schema.CallableClosure && len(b.c.secret) == 0 {
		return codec.Encoded{}, fmt.Errorf(
			"%w: closure jobs require a secret (set %s or use WithSecret)",
			ErrInvalidArgument, SecretEnv,
		)
	}
	return b.c.codec.Encode(b.callable)
}

// row builds the insert values for one job.
func (b *JobBuilder) row(enc codec.Encoded, uuid string, now time.Time) (map[string]interface{}, error) {
	params, err := codec.EncodeParams(b.params)
	if err != nil {
		return nil, err
	}
	values := map[string]interface{}{
		"uuid":          uuid,
		"name":          b.name,
		"callable_type": string(enc.Type),
		"callable":      enc.Callable,
		"params":        params,
		"status":        string(schema.StatusPending),
		"priority":      string(b.priority),
		"timeout":       b.timeout,
		"retry_count":   0,
		"max_retries":   b.maxRetries,
		"retry_delay":   b.retryDelay,
		"created_at":    now,
	}
	if enc.Namespace != "" {
		values["namespace"] = enc.Namespace
	}
	if enc.ObjectInstance != "" {
		values["object_instance"] = enc.ObjectInstance
	}
	if b.pathFiles != "" {
		values["path_files"] = b.pathFiles
	}
	return values, nil
}

// Dispatch persists the job as pending and ensures a worker is running.
// Returns the job's uuid.
func (b *JobBuilder) Dispatch(ctx context.Context) (string, error) {
	enc, err := b.validate()
	if err != nil {
		return "", err
	}

	uuid := pkg.NewJobUUID()
	values, err := b.row(enc, uuid, time.Now().UTC())
	if err != nil {
		return "", err
	}

	err = b.c.driver.WithTx(ctx, func(tx drivers.Transaction) error {
		return tx.Insert(ctx, schema.JobsTable, values)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	log.Infow("dispatched job", "uuid", uuid, "name", b.name, "priority", b.priority)
	b.c.ensureWorker()
	return uuid, nil
}

// DispatchNow skips persistence and executes the callable synchronously
// under the configured timeout, propagating the result or error.
func (b *JobBuilder) DispatchNow(ctx context.Context) (interface{}, error) {
	enc, err := b.validate()
	if err != nil {
		return nil, err
	}

	// Round-trip through the codec so immediate execution observes exactly
	// the semantics a worker would.
	job := &schema.Job{
		CallableType: enc.Type,
		Callable:     enc.Callable,
	}
	if enc.Namespace != "" {
		job.Namespace.String, job.Namespace.Valid = enc.Namespace, true
	}
	if enc.ObjectInstance != "" {
		job.ObjectInstance.String, job.ObjectInstance.Valid = enc.ObjectInstance, true
	}
	fn, err := b.c.codec.Decode(job)
	if err != nil {
		return nil, err
	}

	params, err := codec.EncodeParams(b.params)
	if err != nil {
		return nil, err
	}
	return workers.Invoke(ctx, fn, json.RawMessage(params), time.Duration(b.timeout)*time.Second)
}

// DispatchMany persists several builders in a single transaction and ensures
// a worker is running once. Returns the uuids in argument order.
func (c *Client) DispatchMany(ctx context.Context, builders ...*JobBuilder) ([]string, error) {
	if len(builders) == 0 {
		return nil, nil
	}

	uuids := make([]string, len(builders))
	rows := make([]map[string]interface{}, len(builders))
	now := time.Now().UTC()
	for i, b := range builders {
		enc, err := b.validate()
		if err != nil {
			return nil, err
		}
		uuids[i] = pkg.NewJobUUID()
		row, err := b.row(enc, uuids[i], now)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}

	err := c.driver.WithTx(ctx, func(tx drivers.Transaction) error {
		for _, row := range rows {
			if err := tx.Insert(ctx, schema.JobsTable, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	log.Infow("dispatched jobs", "count", len(builders))
	c.ensureWorker()
	return uuids, nil
}
