package drivers

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect identifies the SQL dialect a driver speaks. All vendor differences
// (placeholder style, identifier quoting, auto-increment syntax, now-function,
// priority ranking) are centralized here so the rest of the queue stays
// dialect-free.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
	DialectMSSQL    Dialect = "mssql"
	DialectOracle   Dialect = "oracle"
)

// Rebind converts ? placeholders to the dialect's native format.
// Postgres uses $1, $2..., Oracle :p1, :p2..., MSSQL @p1, @p2...
// MySQL and SQLite keep ? unchanged.
func (d Dialect) Rebind(query string) string {
	var prefix string
	switch d {
	case DialectPostgres:
		prefix = "$"
	case DialectOracle:
		prefix = ":p"
	case DialectMSSQL:
		prefix = "@p"
	default:
		return query
	}

	var buf strings.Builder
	buf.Grow(len(query) + 10)

	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			buf.WriteString(prefix)
			buf.WriteString(strconv.Itoa(n))
			n++
		} else {
			buf.WriteByte(query[i])
		}
	}
	return buf.String()
}

// Quote wraps an identifier in the dialect's quoting characters.
func (d Dialect) Quote(ident string) string {
	switch d {
	case DialectMySQL:
		return "`" + ident + "`"
	case DialectMSSQL:
		return "[" + ident + "]"
	default:
		return `"` + ident + `"`
	}
}

// Now returns the dialect's current-timestamp expression, used for DDL
// defaults. CURRENT_TIMESTAMP is translated where the vendor spells it
// differently.
func (d Dialect) Now() string {
	switch d {
	case DialectMSSQL:
		return "GETDATE()"
	case DialectOracle:
		return "SYSTIMESTAMP"
	default:
		return "CURRENT_TIMESTAMP"
	}
}

// PriorityRank returns an expression ranking the priority column for ORDER BY:
// urgent=0, high=1, normal=2, low=3. MySQL has FIELD(); everyone else gets the
// CASE emulation.
func (d Dialect) PriorityRank(col string) string {
	if d == DialectMySQL {
		return fmt.Sprintf("FIELD(%s, 'urgent', 'high', 'normal', 'low')", col)
	}
	return fmt.Sprintf(
		"CASE %s WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 4 END",
		col,
	)
}

// RowLock returns the locking clause appended to the lease SELECT. SQLite has
// no FOR UPDATE; its single-writer transactions already exclude concurrent
// leasers. SQL Server locks through the LockHint table hint instead, and
// Oracle rejects FOR UPDATE combined with FETCH FIRST, so both return empty
// here and lean on the single-worker lock file.
func (d Dialect) RowLock() string {
	switch d {
	case DialectPostgres, DialectMySQL:
		return " FOR UPDATE"
	default:
		return ""
	}
}

// LockHint returns the table hint placed after the table name in the lease
// SELECT. Only SQL Server locks this way.
func (d Dialect) LockHint() string {
	if d == DialectMSSQL {
		return " WITH (UPDLOCK, ROWLOCK)"
	}
	return ""
}

// LimitOne returns the clause restricting a SELECT to a single row. The clause
// goes after ORDER BY and before RowLock.
func (d Dialect) LimitOne() string {
	switch d {
	case DialectMSSQL:
		return " OFFSET 0 ROWS FETCH NEXT 1 ROWS ONLY"
	case DialectOracle:
		return " FETCH FIRST 1 ROWS ONLY"
	default:
		return " LIMIT 1"
	}
}

// SupportsLastInsertID reports whether the vendor's driver returns the
// generated key via sql.Result. Postgres does not; inserts there use an
// INSERT ... RETURNING round trip instead.
func (d Dialect) SupportsLastInsertID() bool {
	return d != DialectPostgres
}

// columnType translates a canonical column type to the vendor's spelling.
func (d Dialect) columnType(c ColumnDef) string {
	switch c.Type {
	case TypeBigInt:
		switch d {
		case DialectOracle:
			return "NUMBER(19)"
		case DialectSQLite:
			return "INTEGER"
		default:
			if c.Unsigned && d == DialectMySQL {
				return "BIGINT UNSIGNED"
			}
			return "BIGINT"
		}
	case TypeInt:
		switch d {
		case DialectOracle:
			return "NUMBER(10)"
		case DialectSQLite:
			return "INTEGER"
		default:
			if c.Unsigned && d == DialectMySQL {
				return "INT UNSIGNED"
			}
			return "INT"
		}
	case TypeVarchar:
		size := c.Size
		if size == 0 {
			size = 255
		}
		if d == DialectOracle {
			return fmt.Sprintf("VARCHAR2(%d)", size)
		}
		return fmt.Sprintf("VARCHAR(%d)", size)
	case TypeText:
		switch d {
		case DialectOracle:
			return "CLOB"
		case DialectMSSQL:
			return "NVARCHAR(MAX)"
		default:
			return "TEXT"
		}
	case TypeLongText:
		switch d {
		case DialectMySQL:
			return "LONGTEXT"
		case DialectOracle:
			return "CLOB"
		case DialectMSSQL:
			return "NVARCHAR(MAX)"
		default:
			return "TEXT"
		}
	case TypeTimestamp:
		switch d {
		case DialectMySQL:
			return "TIMESTAMP"
		case DialectMSSQL:
			return "DATETIME2"
		case DialectSQLite:
			return "TIMESTAMP"
		default:
			return "TIMESTAMP"
		}
	}
	return string(c.Type)
}

// columnSQL renders one column definition.
func (d Dialect) columnSQL(c ColumnDef) string {
	var b strings.Builder
	b.WriteString(d.Quote(c.Name))
	b.WriteByte(' ')

	// SQLite's rowid alias must be spelled exactly INTEGER PRIMARY KEY.
	if c.AutoIncrement && d == DialectSQLite {
		b.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
		return b.String()
	}

	b.WriteString(d.columnType(c))

	if c.AutoIncrement {
		switch d {
		case DialectPostgres:
			// Rewrite the type: BIGSERIAL implies BIGINT + sequence.
			return d.Quote(c.Name) + " BIGSERIAL PRIMARY KEY"
		case DialectMySQL:
			b.WriteString(" NOT NULL AUTO_INCREMENT PRIMARY KEY")
		case DialectMSSQL:
			b.WriteString(" IDENTITY(1,1) PRIMARY KEY")
		case DialectOracle:
			b.WriteString(" GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY")
		}
		return b.String()
	}

	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		def := c.Default
		if def == DefaultCurrentTimestamp {
			def = d.Now()
		}
		b.WriteString(" DEFAULT " + def)
	}
	return b.String()
}

// CreateTableSQL renders the statements creating a table with its indexes and
// foreign keys. Index creation is emitted as separate statements since not
// every vendor accepts inline INDEX clauses.
func (d Dialect) CreateTableSQL(table string, cols []ColumnDef, indexes []IndexDef, fks []ForeignKeyDef) []string {
	defs := make([]string, 0, len(cols)+len(fks))
	for _, c := range cols {
		defs = append(defs, d.columnSQL(c))
	}
	for _, fk := range fks {
		defs = append(defs, fmt.Sprintf(
			"FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE CASCADE",
			d.Quote(fk.Column), d.Quote(fk.RefTable), d.Quote(fk.RefColumn),
		))
	}

	ifNotExists := "IF NOT EXISTS "
	if d == DialectMSSQL || d == DialectOracle {
		// No IF NOT EXISTS; callers gate on TableExists and tolerate
		// already-exists races.
		ifNotExists = ""
	}

	stmts := []string{fmt.Sprintf(
		"CREATE TABLE %s%s (\n\t%s\n)",
		ifNotExists, d.Quote(table), strings.Join(defs, ",\n\t"),
	)}

	for _, idx := range indexes {
		quoted := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			quoted[i] = d.Quote(c)
		}
		create := "CREATE INDEX "
		if d != DialectMSSQL && d != DialectOracle {
			create += "IF NOT EXISTS "
		}
		stmts = append(stmts, fmt.Sprintf(
			"%s%s ON %s (%s)",
			create, d.Quote(idx.Name), d.Quote(table), strings.Join(quoted, ", "),
		))
	}
	return stmts
}

// tableExistsQuery returns the dialect's catalog probe. The table name is
// bound as the single parameter.
func (d Dialect) tableExistsQuery() string {
	switch d {
	case DialectSQLite:
		return `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	case DialectOracle:
		return `SELECT COUNT(*) FROM user_tables WHERE LOWER(table_name) = LOWER(?)`
	default:
		return `SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?`
	}
}
