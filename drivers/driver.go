package drivers

import (
	"context"
	"fmt"
)

// Core database operations needed for the job queue. Implementations wrap a
// concrete connection (database/sql for the generic driver, pgxpool for the
// native Postgres one) and translate the canonical SQL surface into the
// vendor's dialect.
type Driver interface {
	// Connect verifies the underlying connection is reachable.
	Connect(ctx context.Context) error
	Close() error

	// WithTx runs fn inside a transaction, committing on nil error and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Transaction) error) error

	// Basic operations. Queries use ? placeholders; the driver rebinds them
	// to its dialect before execution.
	Exec(ctx context.Context, sql string, args ...interface{}) error
	// ExecRows is Exec reporting the number of affected rows.
	ExecRows(ctx context.Context, sql string, args ...interface{}) (int64, error)
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row

	// Structured helpers built on the same surface.
	Insert(ctx context.Context, table string, values map[string]interface{}) error
	Update(ctx context.Context, table string, id int64, values map[string]interface{}) error
	Delete(ctx context.Context, table string, id interface{}, column string) error

	// LastInsertID returns the key generated by the most recent Insert on
	// this driver.
	LastInsertID() int64

	// DDL surface used by the schema provisioner.
	TableExists(ctx context.Context, name string) (bool, error)
	CreateTable(ctx context.Context, name string, cols []ColumnDef, indexes []IndexDef, fks []ForeignKeyDef) error
	DropTable(ctx context.Context, name string) error
	TruncateTable(ctx context.Context, name string) error

	QuoteIdentifier(ident string) string
	Dialect() Dialect
}

// Transaction is the scoped view of a driver inside WithTx.
type Transaction interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
	Insert(ctx context.Context, table string, values map[string]interface{}) error
	Update(ctx context.Context, table string, id int64, values map[string]interface{}) error
}

// Row/Rows interfaces (minimal required functionality)
type Row interface {
	Scan(dest ...interface{}) error
}

type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
}

// Canonical column type vocabulary, translated per dialect.
type ColumnType string

const (
	TypeBigInt    ColumnType = "BIGINT"
	TypeInt       ColumnType = "INT"
	TypeVarchar   ColumnType = "VARCHAR"
	TypeText      ColumnType = "TEXT"
	TypeLongText  ColumnType = "LONGTEXT"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

// DefaultCurrentTimestamp in a ColumnDef.Default is translated to the
// dialect's now-function.
const DefaultCurrentTimestamp = "CURRENT_TIMESTAMP"

// ColumnDef is a language-neutral column descriptor.
type ColumnDef struct {
	Name          string
	Type          ColumnType
	Size          int
	Unsigned      bool
	AutoIncrement bool
	Nullable      bool
	Default       string
}

// IndexDef describes a secondary index created alongside the table.
type IndexDef struct {
	Name    string
	Columns []string
}

// ForeignKeyDef describes an ON DELETE CASCADE reference.
type ForeignKeyDef struct {
	Column    string
	RefTable  string
	RefColumn string
}

// StorageError is the error kind surfaced for failed Exec, Query, structured
// helper, DDL and transaction operations. Op names the operation that failed;
// Err carries the driver message. Errors reported by Scan on a Row or Rows
// are not wrapped; they are returned as the vendor driver produced them.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
