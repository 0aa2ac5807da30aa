package drivers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDriver is the native PostgreSQL implementation of Driver. It uses pgx's
// connection pool directly for automatic connection recovery and statement
// caching; the generic SQLDriver covers Postgres too (via the stdlib adapter
// or lib/pq) for callers that prefer database/sql.
type PgxDriver struct {
	pool       *pgxpool.Pool
	lastInsert atomic.Int64
}

type pgxTxAdapter struct {
	tx pgx.Tx
	d  *PgxDriver
}

type pgxRowsAdapter struct {
	rows pgx.Rows
}

func (r *pgxRowsAdapter) Next() bool {
	return r.rows.Next()
}

func (r *pgxRowsAdapter) Scan(dest ...interface{}) error {
	return r.rows.Scan(dest...)
}

func (r *pgxRowsAdapter) Close() error {
	r.rows.Close()
	return nil
}

// NewPgxDriver creates a pgx-based driver from an initialized pool.
//
// Example:
//
//	config, _ := pgxpool.ParseConfig("postgres://localhost:5432/myapp")
//	pool, _ := pgxpool.NewWithConfig(context.Background(), config)
//	driver, err := drivers.NewPgxDriver(pool)
func NewPgxDriver(pool *pgxpool.Pool) (*PgxDriver, error) {
	if pool == nil {
		return nil, errors.New("nil pgx pool")
	}
	return &PgxDriver{pool: pool}, nil
}

func (d *PgxDriver) Connect(ctx context.Context) error {
	return storageErr("connect", d.pool.Ping(ctx))
}

func (d *PgxDriver) Close() error {
	d.pool.Close()
	return nil
}

func (d *PgxDriver) Dialect() Dialect {
	return DialectPostgres
}

func (d *PgxDriver) QuoteIdentifier(ident string) string {
	return DialectPostgres.Quote(ident)
}

// Pool exposes the raw pgx pool for callers that need Postgres features the
// port does not cover.
func (d *PgxDriver) Pool() *pgxpool.Pool {
	return d.pool
}

func (d *PgxDriver) WithTx(ctx context.Context, fn func(tx Transaction) error) error {
	pgxTx, err := d.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin", err)
	}
	defer pgxTx.Rollback(ctx)

	if err := fn(&pgxTxAdapter{tx: pgxTx, d: d}); err != nil {
		return err
	}
	return storageErr("commit", pgxTx.Commit(ctx))
}

func (d *PgxDriver) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := d.pool.Exec(ctx, DialectPostgres.Rebind(query), args...)
	return storageErr("exec", err)
}

func (d *PgxDriver) ExecRows(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := d.pool.Exec(ctx, DialectPostgres.Rebind(query), args...)
	if err != nil {
		return 0, storageErr("exec", err)
	}
	return tag.RowsAffected(), nil
}

func (d *PgxDriver) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := d.pool.Query(ctx, DialectPostgres.Rebind(query), args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	return &pgxRowsAdapter{rows: rows}, nil
}

func (d *PgxDriver) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return d.pool.QueryRow(ctx, DialectPostgres.Rebind(query), args...)
}

func (d *PgxDriver) Insert(ctx context.Context, table string, values map[string]interface{}) error {
	query, args := pgxInsertSQL(table, values)
	var id int64
	if err := d.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return storageErr("insert", err)
	}
	d.lastInsert.Store(id)
	return nil
}

func (d *PgxDriver) Update(ctx context.Context, table string, id int64, values map[string]interface{}) error {
	query, args := pgxUpdateSQL(table, id, values)
	_, err := d.pool.Exec(ctx, query, args...)
	return storageErr("update", err)
}

func (d *PgxDriver) Delete(ctx context.Context, table string, id interface{}, column string) error {
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = $1",
		DialectPostgres.Quote(table), DialectPostgres.Quote(column),
	)
	_, err := d.pool.Exec(ctx, query, id)
	return storageErr("delete", err)
}

func (d *PgxDriver) LastInsertID() int64 {
	return d.lastInsert.Load()
}

func (d *PgxDriver) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	query := DialectPostgres.Rebind(DialectPostgres.tableExistsQuery())
	if err := d.pool.QueryRow(ctx, query, name).Scan(&count); err != nil {
		return false, storageErr("table_exists", err)
	}
	return count > 0, nil
}

func (d *PgxDriver) CreateTable(ctx context.Context, name string, cols []ColumnDef, indexes []IndexDef, fks []ForeignKeyDef) error {
	for _, stmt := range DialectPostgres.CreateTableSQL(name, cols, indexes, fks) {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return storageErr("create_table", err)
		}
	}
	return nil
}

func (d *PgxDriver) DropTable(ctx context.Context, name string) error {
	_, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+DialectPostgres.Quote(name))
	return storageErr("drop_table", err)
}

func (d *PgxDriver) TruncateTable(ctx context.Context, name string) error {
	_, err := d.pool.Exec(ctx, "TRUNCATE TABLE "+DialectPostgres.Quote(name))
	return storageErr("truncate_table", err)
}

func (tx *pgxTxAdapter) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := tx.tx.Exec(ctx, DialectPostgres.Rebind(query), args...)
	return storageErr("exec", err)
}

func (tx *pgxTxAdapter) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := tx.tx.Query(ctx, DialectPostgres.Rebind(query), args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	return &pgxRowsAdapter{rows: rows}, nil
}

func (tx *pgxTxAdapter) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return tx.tx.QueryRow(ctx, DialectPostgres.Rebind(query), args...)
}

func (tx *pgxTxAdapter) Insert(ctx context.Context, table string, values map[string]interface{}) error {
	query, args := pgxInsertSQL(table, values)
	var id int64
	if err := tx.tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return storageErr("insert", err)
	}
	tx.d.lastInsert.Store(id)
	return nil
}

func (tx *pgxTxAdapter) Update(ctx context.Context, table string, id int64, values map[string]interface{}) error {
	query, args := pgxUpdateSQL(table, id, values)
	_, err := tx.tx.Exec(ctx, query, args...)
	return storageErr("update", err)
}

func pgxInsertSQL(table string, values map[string]interface{}) (string, []interface{}) {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		quoted[i] = DialectPostgres.Quote(c)
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[c]
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		DialectPostgres.Quote(table),
		strings.Join(quoted, ", "),
		strings.Join(holders, ", "),
		DialectPostgres.Quote("id"),
	)
	return query, args
}

func pgxUpdateSQL(table string, id int64, values map[string]interface{}) (string, []interface{}) {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", DialectPostgres.Quote(c), i+1)
		args = append(args, values[c])
	}
	args = append(args, id)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d",
		DialectPostgres.Quote(table),
		strings.Join(sets, ", "),
		DialectPostgres.Quote("id"),
		len(cols)+1,
	)
	return query, args
}
