// Package dialect describes the SQL engines the interaction log can live in.
package dialect

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Name identifies a supported engine.
type Name string

const (
	SQLite   Name = "sqlite"
	Postgres Name = "postgres"
)

// Dialect holds the engine-specific SQL the log store needs. Queries are
// written with ? placeholders and passed through Rebind.
type Dialect struct {
	name         Name
	driver       string // database/sql driver registered by the imported package
	bindType     int
	idColumn     string
	timestamp    string
	jsonColumn   string
	pragmas      []string
	maxOpenConns int
}

var dialects = map[Name]*Dialect{
	// modernc.org/sqlite
	SQLite: {
		name:       SQLite,
		driver:     "sqlite",
		bindType:   sqlx.QUESTION,
		idColumn:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp:  "TIMESTAMP",
		jsonColumn: "TEXT",
		pragmas: []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
		},
		// One connection keeps the pragmas in force and serializes writers.
		maxOpenConns: 1,
	},
	// github.com/lib/pq
	Postgres: {
		name:       Postgres,
		driver:     "postgres",
		bindType:   sqlx.DOLLAR,
		idColumn:   "BIGSERIAL PRIMARY KEY",
		timestamp:  "TIMESTAMP WITH TIME ZONE",
		jsonColumn: "JSONB",
	},
}

var aliases = map[string]Name{
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
	"postgres":   Postgres,
	"postgresql": Postgres,
}

// Lookup returns the dialect for a driver or URL scheme name, ignoring case.
func Lookup(driver string) (*Dialect, error) {
	name, ok := aliases[strings.ToLower(driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	return dialects[name], nil
}

func (d *Dialect) Name() Name {
	return d.name
}

func (d *Dialect) DriverName() string {
	return d.driver
}

// Rebind converts ? placeholders to the engine's bind style.
func (d *Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.bindType, query)
}

// Pragmas returns the statements run once after opening a connection pool.
func (d *Dialect) Pragmas() []string {
	return append([]string(nil), d.pragmas...)
}

// MaxOpenConns caps the connection pool; zero means no cap.
func (d *Dialect) MaxOpenConns() int {
	return d.maxOpenConns
}

// CreateRequestLogs returns the DDL for the interaction log table.
func (d *Dialect) CreateRequestLogs() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS request_logs (
id %s,
timestamp %s NOT NULL,
method TEXT NOT NULL,
path TEXT NOT NULL,
request_body %s,
response_body TEXT,
status_code INTEGER,
fail INTEGER NOT NULL DEFAULT 0
)`, d.idColumn, d.timestamp, d.jsonColumn)
}

// ColumnExistsQuery counts matching columns given (table, column) arguments.
// The result is already rebound.
func (d *Dialect) ColumnExistsQuery() string {
	if d.name == SQLite {
		return `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
	}
	return d.Rebind(`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?`)
}
