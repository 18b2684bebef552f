package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/llm-proxier/internal/storage"
	"github.com/tjfontaine/llm-proxier/internal/storage/dialect"
)

// Store is a SQL implementation of storage.LogStore that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect *dialect.Dialect
}

var _ storage.LogStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string

	// AutoMigrate creates the request_logs table and adds missing columns on open.
	AutoMigrate bool
}

// ConfigFromURL converts a database URL into a Config. SQLAlchemy-style driver
// suffixes ("sqlite+aiosqlite://", "postgresql+asyncpg://") are accepted and
// ignored. SQLite URLs follow the three/four slash convention:
// sqlite:///relative.db, sqlite:////absolute.db, sqlite://:memory:.
func ConfigFromURL(raw string) (Config, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), "://")
	if !ok || scheme == "" {
		return Config{}, fmt.Errorf("invalid database url %q: missing scheme", raw)
	}

	base, _, _ := strings.Cut(strings.ToLower(scheme), "+")
	switch base {
	case "sqlite", "sqlite3":
		path := strings.TrimPrefix(rest, "/")
		if path == "" {
			return Config{}, fmt.Errorf("invalid database url %q: missing sqlite path", raw)
		}
		return Config{Driver: "sqlite", DSN: path}, nil
	case "postgres", "postgresql":
		if rest == "" {
			return Config{}, fmt.Errorf("invalid database url %q: missing postgres host", raw)
		}
		return Config{Driver: "postgres", DSN: base + "://" + rest}, nil
	default:
		return Config{}, fmt.Errorf("unsupported database url scheme %q", scheme)
	}
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.Lookup(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	if d.Name() == dialect.SQLite {
		if err := ensureSQLiteDir(cfg.DSN); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.Pragmas() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if cfg.AutoMigrate {
		if err := store.initSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return store, nil
}

// NewSQLite creates a new SQLite store with schema creation enabled.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath, AutoMigrate: true})
}

// ensureSQLiteDir creates the parent directory of a file-backed SQLite DSN.
func ensureSQLiteDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() *dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(s.dialect.CreateRequestLogs()); err != nil {
		return fmt.Errorf("failed to create request_logs: %w", err)
	}

	// Run migrations for existing databases - add columns that may not exist
	if err := s.runMigrations(); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_fail ON request_logs(fail)`,
	}

	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func (s *Store) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		// Tables created before failure tracking have no fail column.
		{"request_logs", "fail", "ALTER TABLE request_logs ADD COLUMN fail INTEGER NOT NULL DEFAULT 0"},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	var count int
	query := s.dialect.ColumnExistsQuery()
	err := s.db.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Append inserts rec as a new row. The timestamp is taken here, at write time.
func (s *Store) Append(ctx context.Context, rec *storage.Interaction) (int64, error) {
	rec.Timestamp = time.Now().UTC()

	var requestBody any
	if rec.RequestBody != nil {
		requestBody = string(rec.RequestBody)
	}

	query := s.dialect.Rebind(`INSERT INTO request_logs
	          (timestamp, method, path, request_body, response_body, status_code, fail)
	          VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		rec.Timestamp, rec.Method, rec.Path, requestBody, rec.ResponseBody, rec.StatusCode, rec.FailFlag(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append interaction: %w", err)
	}

	rec.ID = id
	return id, nil
}

// interactionRow mirrors a request_logs row; nullable columns use sql.Null types.
type interactionRow struct {
	ID           int64          `db:"id"`
	Timestamp    time.Time      `db:"timestamp"`
	Method       string         `db:"method"`
	Path         string         `db:"path"`
	RequestBody  sql.NullString `db:"request_body"`
	ResponseBody sql.NullString `db:"response_body"`
	StatusCode   sql.NullInt64  `db:"status_code"`
	Fail         int            `db:"fail"`
}

func (r *interactionRow) toInteraction() *storage.Interaction {
	rec := &storage.Interaction{
		ID:           r.ID,
		Timestamp:    r.Timestamp,
		Method:       r.Method,
		Path:         r.Path,
		ResponseBody: r.ResponseBody.String,
		StatusCode:   int(r.StatusCode.Int64),
		Fail:         r.Fail != 0,
	}
	if r.RequestBody.Valid {
		rec.RequestBody = json.RawMessage(r.RequestBody.String)
	}
	return rec
}

// Get retrieves a single interaction by ID.
func (s *Store) Get(ctx context.Context, id int64) (*storage.Interaction, error) {
	query := s.dialect.Rebind(`SELECT id, timestamp, method, path, request_body, response_body, status_code, fail
	          FROM request_logs WHERE id = ?`)

	var row interactionRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interaction %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}

	return row.toInteraction(), nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
