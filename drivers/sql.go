package drivers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// SQLDriver implements Driver on top of database/sql for any registered
// vendor driver. The dialect carries every vendor-specific detail; the queue
// itself only ever sees canonical SQL with ? placeholders.
type SQLDriver struct {
	db         *sql.DB
	dialect    Dialect
	lastInsert atomic.Int64
}

type sqlTxAdapter struct {
	tx *sql.Tx
	d  *SQLDriver
}

type sqlRowsAdapter struct {
	rows *sql.Rows
}

func (r *sqlRowsAdapter) Next() bool {
	return r.rows.Next()
}

func (r *sqlRowsAdapter) Scan(dest ...interface{}) error {
	return r.rows.Scan(dest...)
}

func (r *sqlRowsAdapter) Close() error {
	return r.rows.Close()
}

// NewSQLDriver wraps an initialized *sql.DB in the queue's Driver interface.
//
// Parameters:
//   - db: An initialized *sql.DB connection pool
//   - dialect: The SQL dialect the connection speaks
//
// Example:
//
//	db, _ := sql.Open("pgx", "postgres://localhost:5432/myapp")
//	driver, err := drivers.NewSQLDriver(db, drivers.DialectPostgres)
func NewSQLDriver(db *sql.DB, dialect Dialect) (*SQLDriver, error) {
	if db == nil {
		return nil, errors.New("nil database connection")
	}
	return &SQLDriver{db: db, dialect: dialect}, nil
}

func (d *SQLDriver) Connect(ctx context.Context) error {
	return storageErr("connect", d.db.PingContext(ctx))
}

func (d *SQLDriver) Close() error {
	return storageErr("close", d.db.Close())
}

func (d *SQLDriver) Dialect() Dialect {
	return d.dialect
}

func (d *SQLDriver) QuoteIdentifier(ident string) string {
	return d.dialect.Quote(ident)
}

// DB exposes the raw connection for callers that need vendor features the
// port does not cover.
func (d *SQLDriver) DB() *sql.DB {
	return d.db
}

func (d *SQLDriver) WithTx(ctx context.Context, fn func(tx Transaction) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&sqlTxAdapter{tx: sqlTx, d: d}); err != nil {
		return err
	}
	return storageErr("commit", sqlTx.Commit())
}

func (d *SQLDriver) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
	return storageErr("exec", err)
}

func (d *SQLDriver) ExecRows(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
	if err != nil {
		return 0, storageErr("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (d *SQLDriver) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	return &sqlRowsAdapter{rows: rows}, nil
}

func (d *SQLDriver) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *SQLDriver) Insert(ctx context.Context, table string, values map[string]interface{}) error {
	id, err := insertRow(ctx, d.dialect, d.tableExec(), table, values)
	if err != nil {
		return err
	}
	d.lastInsert.Store(id)
	return nil
}

func (d *SQLDriver) Update(ctx context.Context, table string, id int64, values map[string]interface{}) error {
	return updateRow(ctx, d.dialect, d.tableExec(), table, id, values)
}

func (d *SQLDriver) Delete(ctx context.Context, table string, id interface{}, column string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", d.dialect.Quote(table), d.dialect.Quote(column))
	_, err := d.db.ExecContext(ctx, d.dialect.Rebind(query), id)
	return storageErr("delete", err)
}

func (d *SQLDriver) LastInsertID() int64 {
	return d.lastInsert.Load()
}

func (d *SQLDriver) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	query := d.dialect.Rebind(d.dialect.tableExistsQuery())
	if err := d.db.QueryRowContext(ctx, query, name).Scan(&count); err != nil {
		return false, storageErr("table_exists", err)
	}
	return count > 0, nil
}

func (d *SQLDriver) CreateTable(ctx context.Context, name string, cols []ColumnDef, indexes []IndexDef, fks []ForeignKeyDef) error {
	for _, stmt := range d.dialect.CreateTableSQL(name, cols, indexes, fks) {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("create_table", err)
		}
	}
	return nil
}

func (d *SQLDriver) DropTable(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.dialect.Quote(name))
	return storageErr("drop_table", err)
}

func (d *SQLDriver) TruncateTable(ctx context.Context, name string) error {
	stmt := "TRUNCATE TABLE " + d.dialect.Quote(name)
	if d.dialect == DialectSQLite {
		stmt = "DELETE FROM " + d.dialect.Quote(name)
	}
	_, err := d.db.ExecContext(ctx, stmt)
	return storageErr("truncate_table", err)
}

// execer is the common surface of *sql.DB and *sql.Tx the row helpers need.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (d *SQLDriver) tableExec() execer {
	return d.db
}

func (tx *sqlTxAdapter) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := tx.tx.ExecContext(ctx, tx.d.dialect.Rebind(query), args...)
	return storageErr("exec", err)
}

func (tx *sqlTxAdapter) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := tx.tx.QueryContext(ctx, tx.d.dialect.Rebind(query), args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	return &sqlRowsAdapter{rows: rows}, nil
}

func (tx *sqlTxAdapter) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return tx.tx.QueryRowContext(ctx, tx.d.dialect.Rebind(query), args...)
}

func (tx *sqlTxAdapter) Insert(ctx context.Context, table string, values map[string]interface{}) error {
	id, err := insertRow(ctx, tx.d.dialect, tx.tx, table, values)
	if err != nil {
		return err
	}
	tx.d.lastInsert.Store(id)
	return nil
}

func (tx *sqlTxAdapter) Update(ctx context.Context, table string, id int64, values map[string]interface{}) error {
	return updateRow(ctx, tx.d.dialect, tx.tx, table, id, values)
}

// insertRow builds and runs a single-row INSERT, returning the generated key.
// Columns are emitted in sorted order so generated SQL is deterministic.
func insertRow(ctx context.Context, d Dialect, ex execer, table string, values map[string]interface{}) (int64, error) {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
		holders[i] = "?"
		args[i] = values[c]
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoted, ", "), strings.Join(holders, ", "),
	)

	if !d.SupportsLastInsertID() {
		var id int64
		query += " RETURNING " + d.Quote("id")
		if err := ex.QueryRowContext(ctx, d.Rebind(query), args...).Scan(&id); err != nil {
			return 0, storageErr("insert", err)
		}
		return id, nil
	}

	res, err := ex.ExecContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return 0, storageErr("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		// Vendor driver without key reporting; the insert itself succeeded.
		return 0, nil
	}
	return id, nil
}

// updateRow builds and runs an UPDATE ... WHERE id = ?.
func updateRow(ctx context.Context, d Dialect, ex execer, table string, id int64, values map[string]interface{}) error {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = d.Quote(c) + " = ?"
		args = append(args, values[c])
	}
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ?",
		d.Quote(table), strings.Join(sets, ", "), d.Quote("id"),
	)
	_, err := ex.ExecContext(ctx, d.Rebind(query), args...)
	return storageErr("update", err)
}
