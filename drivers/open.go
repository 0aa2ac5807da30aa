package drivers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	_ "modernc.org/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var log = logging.Logger("queued/drivers")

const (
	// DefaultMaxOpenConns keeps the producer-side pool small; the worker is
	// single-threaded and producers only touch the pool briefly on dispatch.
	DefaultMaxOpenConns = 5
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime recycles stale connections while keeping churn low.
	DefaultConnMaxLifetime = 30 * time.Minute
)

// DriverConfig describes how to open a storage connection. It round-trips
// through JSON so a producer can hand it to the spawned worker process on the
// command line.
type DriverConfig struct {
	// Kind selects the vendor: postgres, pgx, mysql, sqlite, mssql, oracle.
	Kind string `json:"driver_kind"`
	// DSN is the vendor connection string.
	DSN string `json:"dsn"`

	MaxOpenConns    int           `json:"max_open_conns,omitempty"`
	MaxIdleConns    int           `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty"`
}

// MarshalArg encodes the config for a --driver-config command-line option.
func (c DriverConfig) MarshalArg() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode driver config: %w", err)
	}
	return string(b), nil
}

// ParseDriverConfig decodes a --driver-config option value.
func ParseDriverConfig(s string) (DriverConfig, error) {
	var c DriverConfig
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return DriverConfig{}, fmt.Errorf("failed to decode driver config: %w", err)
	}
	if c.Kind == "" {
		return DriverConfig{}, fmt.Errorf("driver config missing driver_kind")
	}
	if _, _, err := sqlDriverName(c.Kind); err != nil {
		return DriverConfig{}, err
	}
	return c, nil
}

// sqlDriverName maps a config kind to the registered database/sql driver and
// its dialect.
func sqlDriverName(kind string) (string, Dialect, error) {
	switch kind {
	case "postgres", "pgx":
		return "pgx", DialectPostgres, nil
	case "pq":
		return "postgres", DialectPostgres, nil
	case "mysql":
		return "mysql", DialectMySQL, nil
	case "sqlite":
		return "sqlite", DialectSQLite, nil
	case "mssql", "sqlserver":
		return "sqlserver", DialectMSSQL, nil
	case "oracle":
		return "oracle", DialectOracle, nil
	default:
		return "", "", fmt.Errorf("unknown driver kind %q", kind)
	}
}

// Open connects a Driver of the configured kind. The "pgx" kind opens the
// native pgx pool; everything else goes through database/sql.
func Open(ctx context.Context, cfg DriverConfig) (Driver, error) {
	if cfg.Kind == "pgx" {
		return OpenPgx(ctx, cfg.DSN)
	}

	name, dialect, err := sqlDriverName(cfg.Kind)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(name, cfg.DSN)
	if err != nil {
		return nil, storageErr("open", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = DefaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = DefaultMaxIdleConns
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = DefaultConnMaxLifetime
	}
	if dialect == DialectSQLite {
		// A single connection serializes writers and keeps in-memory
		// databases on one handle.
		maxOpen, maxIdle = 1, 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if dialect == DialectSQLite {
		// Enforce the failed_jobs -> jobs cascade.
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, storageErr("open", err)
		}
	}

	d, err := NewSQLDriver(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := d.Connect(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Infow("opened storage connection", "kind", cfg.Kind, "dialect", dialect)
	return d, nil
}

// OpenPgx connects the native pgx pool driver.
func OpenPgx(ctx context.Context, dsn string) (Driver, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storageErr("open", err)
	}
	d, err := NewPgxDriver(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := d.Connect(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Infow("opened storage connection", "kind", "pgx", "dialect", DialectPostgres)
	return d, nil
}

// OpenSQLite opens a SQLite database at the given path, or an in-memory one
// for ":memory:".
func OpenSQLite(ctx context.Context, path string) (Driver, error) {
	return Open(ctx, DriverConfig{Kind: "sqlite", DSN: path})
}

// OpenMySQL opens a MySQL connection from a go-sql-driver DSN.
func OpenMySQL(ctx context.Context, dsn string) (Driver, error) {
	return Open(ctx, DriverConfig{Kind: "mysql", DSN: dsn})
}

// OpenPostgres opens a PostgreSQL connection through database/sql using the
// pgx stdlib adapter.
func OpenPostgres(ctx context.Context, dsn string) (Driver, error) {
	return Open(ctx, DriverConfig{Kind: "postgres", DSN: dsn})
}

// OpenMSSQL opens a SQL Server connection.
func OpenMSSQL(ctx context.Context, dsn string) (Driver, error) {
	return Open(ctx, DriverConfig{Kind: "mssql", DSN: dsn})
}

// OpenOracle opens an Oracle connection through go-ora.
func OpenOracle(ctx context.Context, dsn string) (Driver, error) {
	return Open(ctx, DriverConfig{Kind: "oracle", DSN: dsn})
}
