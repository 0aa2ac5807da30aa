// Package schema holds the queue's data model: the jobs and failed_jobs
// tables as neutral column descriptors, the row types, and the idempotent
// provisioner that creates both tables on first use.
package schema

import (
	"context"
	"database/sql"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/glamboyosa/queued/drivers"
)

var log = logging.Logger("queued/schema")

const (
	JobsTable       = "jobs"
	FailedJobsTable = "failed_jobs"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priority orders dispatch: urgent leases before high, high before normal,
// normal before low. Ties break by created_at then id.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a member of the priority enum.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns the total order on priorities; smaller leases first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// CallableType selects the decoding strategy for a stored callable.
type CallableType string

const (
	CallableClosure     CallableType = "closure"
	CallableClassMethod CallableType = "class-method"
	CallableFunction    CallableType = "function"
)

// Job is the durable record of one unit of work.
type Job struct {
	ID             int64
	UUID           string
	Name           string
	CallableType   CallableType
	Callable       string
	Namespace      sql.NullString
	ObjectInstance sql.NullString
	PathFiles      sql.NullString
	Params         string
	Status         Status
	Priority       Priority
	PID            sql.NullString
	Timeout        int
	RetryCount     int
	MaxRetries     int
	RetryDelay     int
	StartedAt      sql.NullTime
	CompletedAt    sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      sql.NullTime
}

// FailedJob is the forensic record written on terminal failure.
type FailedJob struct {
	ID        int64
	UUID      string
	JobID     int64
	Exception string
	Payload   string
	FailedAt  time.Time
}

// JobColumns is the canonical select list for jobs rows, in the order
// ScanJob expects.
const JobColumns = "id, uuid, name, callable_type, callable, namespace, object_instance, " +
	"path_files, params, status, priority, pid, timeout, retry_count, max_retries, " +
	"retry_delay, started_at, completed_at, created_at, updated_at"

// ScanJob scans one jobs row selected with JobColumns.
func ScanJob(row drivers.Row) (*Job, error) {
	var j Job
	var status, priority, callableType string
	err := row.Scan(
		&j.ID, &j.UUID, &j.Name, &callableType, &j.Callable, &j.Namespace,
		&j.ObjectInstance, &j.PathFiles, &j.Params, &status, &priority, &j.PID,
		&j.Timeout, &j.RetryCount, &j.MaxRetries, &j.RetryDelay,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.CallableType = CallableType(callableType)
	j.Status = Status(status)
	j.Priority = Priority(priority)
	return &j, nil
}

func jobsColumns() []drivers.ColumnDef {
	return []drivers.ColumnDef{
		{Name: "id", Type: drivers.TypeBigInt, Unsigned: true, AutoIncrement: true},
		{Name: "uuid", Type: drivers.TypeVarchar, Size: 36},
		{Name: "name", Type: drivers.TypeVarchar, Size: 255},
		{Name: "callable_type", Type: drivers.TypeVarchar, Size: 20},
		{Name: "callable", Type: drivers.TypeLongText},
		{Name: "namespace", Type: drivers.TypeVarchar, Size: 255, Nullable: true},
		{Name: "object_instance", Type: drivers.TypeLongText, Nullable: true},
		{Name: "path_files", Type: drivers.TypeText, Nullable: true},
		{Name: "params", Type: drivers.TypeLongText},
		{Name: "status", Type: drivers.TypeVarchar, Size: 20, Default: "'pending'"},
		{Name: "priority", Type: drivers.TypeVarchar, Size: 10, Default: "'normal'"},
		{Name: "pid", Type: drivers.TypeVarchar, Size: 64, Nullable: true},
		{Name: "timeout", Type: drivers.TypeInt, Default: "14400"},
		{Name: "retry_count", Type: drivers.TypeInt, Default: "0"},
		{Name: "max_retries", Type: drivers.TypeInt, Default: "3"},
		{Name: "retry_delay", Type: drivers.TypeInt, Default: "5"},
		{Name: "started_at", Type: drivers.TypeTimestamp, Nullable: true},
		{Name: "completed_at", Type: drivers.TypeTimestamp, Nullable: true},
		{Name: "created_at", Type: drivers.TypeTimestamp, Default: drivers.DefaultCurrentTimestamp},
		{Name: "updated_at", Type: drivers.TypeTimestamp, Nullable: true},
	}
}

func jobsIndexes() []drivers.IndexDef {
	return []drivers.IndexDef{
		{Name: "idx_jobs_uuid", Columns: []string{"uuid"}},
		{Name: "idx_jobs_status_priority", Columns: []string{"status", "priority"}},
		{Name: "idx_jobs_pid", Columns: []string{"pid"}},
	}
}

func failedJobsColumns() []drivers.ColumnDef {
	return []drivers.ColumnDef{
		{Name: "id", Type: drivers.TypeBigInt, Unsigned: true, AutoIncrement: true},
		{Name: "uuid", Type: drivers.TypeVarchar, Size: 36},
		{Name: "job_id", Type: drivers.TypeBigInt, Unsigned: true},
		{Name: "exception", Type: drivers.TypeLongText},
		{Name: "payload", Type: drivers.TypeLongText},
		{Name: "failed_at", Type: drivers.TypeTimestamp, Default: drivers.DefaultCurrentTimestamp},
	}
}

// EnsureTables creates the jobs and failed_jobs tables if they do not exist.
// Idempotent; concurrent creators are resolved by IF NOT EXISTS where the
// dialect has it, and by re-probing on create failure where it does not.
func EnsureTables(ctx context.Context, d drivers.Driver) error {
	if err := ensureTable(ctx, d, JobsTable, jobsColumns(), jobsIndexes(), nil); err != nil {
		return err
	}
	fks := []drivers.ForeignKeyDef{
		{Column: "job_id", RefTable: JobsTable, RefColumn: "id"},
	}
	return ensureTable(ctx, d, FailedJobsTable, failedJobsColumns(), nil, fks)
}

func ensureTable(ctx context.Context, d drivers.Driver, name string, cols []drivers.ColumnDef, indexes []drivers.IndexDef, fks []drivers.ForeignKeyDef) error {
	exists, err := d.TableExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := d.CreateTable(ctx, name, cols, indexes, fks); err != nil {
		// A concurrent creator may have won the race.
		if exists, probeErr := d.TableExists(ctx, name); probeErr == nil && exists {
			return nil
		}
		return err
	}
	log.Infow("created table", "table", name)
	return nil
}
