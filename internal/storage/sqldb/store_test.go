package sqldb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/llm-proxier/internal/storage"
)

func TestConfigFromURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantDriver string
		wantDSN    string
		wantErr    bool
	}{
		{"sqlite relative", "sqlite:///./llm_proxy.db", "sqlite", "./llm_proxy.db", false},
		{"sqlite absolute", "sqlite:////var/lib/proxier/logs.db", "sqlite", "/var/lib/proxier/logs.db", false},
		{"sqlite memory", "sqlite://:memory:", "sqlite", ":memory:", false},
		{"sqlite async driver suffix", "sqlite+aiosqlite:///./llm_proxy.db", "sqlite", "./llm_proxy.db", false},
		{"postgres", "postgres://user:pw@db:5432/logs?sslmode=disable", "postgres", "postgres://user:pw@db:5432/logs?sslmode=disable", false},
		{"postgresql async driver suffix", "postgresql+asyncpg://user@db/logs", "postgres", "postgresql://user@db/logs", false},
		{"missing scheme", "./llm_proxy.db", "", "", true},
		{"missing sqlite path", "sqlite:///", "", "", true},
		{"unsupported scheme", "mysql://user@db/logs", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ConfigFromURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConfigFromURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Driver != tt.wantDriver {
				t.Errorf("Driver = %q, want %q", cfg.Driver, tt.wantDriver)
			}
			if cfg.DSN != tt.wantDSN {
				t.Errorf("DSN = %q, want %q", cfg.DSN, tt.wantDSN)
			}
		})
	}
}

func TestSQLDBStore_AppendAndGet(t *testing.T) {
	store, err := NewSQLite("file:memdb1?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	before := time.Now().UTC().Add(-time.Second)

	rec := storage.NewInteraction("POST", "chat/completions", storage.RequestJSON([]byte(`{"model":"x"}`)), "abc", 200)
	id, err := store.Append(ctx, rec)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if id == 0 || rec.ID != id {
		t.Errorf("Append() id = %d, rec.ID = %d", id, rec.ID)
	}
	if rec.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp location = %v, want UTC", rec.Timestamp.Location())
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Method != "POST" || got.Path != "chat/completions" {
		t.Errorf("Method/Path = %s %s", got.Method, got.Path)
	}
	if string(got.RequestBody) != `{"model":"x"}` {
		t.Errorf("RequestBody = %s", got.RequestBody)
	}
	if got.ResponseBody != "abc" {
		t.Errorf("ResponseBody = %q, want abc", got.ResponseBody)
	}
	if got.StatusCode != 200 || got.Fail {
		t.Errorf("StatusCode = %d, Fail = %v", got.StatusCode, got.Fail)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("Timestamp = %v, want after %v", got.Timestamp, before)
	}
}

func TestSQLDBStore_NullRequestBodyAndFailure(t *testing.T) {
	store, err := NewSQLite("file:memdb2?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	rec := storage.NewInteraction("POST", "completions", storage.RequestJSON([]byte("not json")), `{"error":"boom"}`, 500)
	id, err := store.Append(ctx, rec)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.RequestBody != nil {
		t.Errorf("RequestBody = %q, want nil", got.RequestBody)
	}
	if !got.Fail || got.StatusCode != 500 {
		t.Errorf("StatusCode = %d, Fail = %v, want 500 true", got.StatusCode, got.Fail)
	}

	var fail int
	if err := store.DB().Get(&fail, `SELECT fail FROM request_logs WHERE id = ?`, id); err != nil {
		t.Fatalf("select fail: %v", err)
	}
	if fail != 1 {
		t.Errorf("fail column = %d, want 1", fail)
	}
}

func TestSQLDBStore_IDsIncrease(t *testing.T) {
	store, err := NewSQLite("file:memdb3?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer store.Close()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := store.Append(context.Background(), storage.NewInteraction("GET", "models", nil, "", 200))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestSQLDBStore_GetNotFound(t *testing.T) {
	store, err := NewSQLite("file:memdb4?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer store.Close()

	_, err = store.Get(context.Background(), 42)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSQLDBStore_MigratesLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy", "llm_proxy.db")
	if err := ensureSQLiteDir(path); err != nil {
		t.Fatalf("ensureSQLiteDir() error = %v", err)
	}

	legacy, err := sqlx.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	_, err = legacy.Exec(`CREATE TABLE request_logs (
id INTEGER PRIMARY KEY AUTOINCREMENT,
timestamp TIMESTAMP NOT NULL,
method TEXT NOT NULL,
path TEXT NOT NULL,
request_body TEXT,
response_body TEXT,
status_code INTEGER
)`)
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	legacy.Close()

	store, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer store.Close()

	exists, err := store.columnExists("request_logs", "fail")
	if err != nil {
		t.Fatalf("columnExists() error = %v", err)
	}
	if !exists {
		t.Fatal("fail column was not added")
	}

	id, err := store.Append(context.Background(), storage.NewInteraction("POST", "chat/completions", nil, "nope", 404))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Fail {
		t.Error("Fail = false, want true for 404")
	}
}

func TestSQLDBStore_NoAutoMigrate(t *testing.T) {
	store, err := New(Config{Driver: "sqlite", DSN: "file:memdb5?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if _, err := store.Append(context.Background(), storage.NewInteraction("GET", "models", nil, "", 200)); err == nil {
		t.Error("Append() succeeded without a schema")
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	if _, err := New(Config{Driver: "mysql", DSN: "x"}); err == nil {
		t.Error("New() with mysql driver should fail")
	}
}
