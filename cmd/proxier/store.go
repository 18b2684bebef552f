package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tjfontaine/llm-proxier/internal/config"
	"github.com/tjfontaine/llm-proxier/internal/storage"
	"github.com/tjfontaine/llm-proxier/internal/storage/memory"
	"github.com/tjfontaine/llm-proxier/internal/storage/sqldb"
)

const memoryScheme = "memory://"

// openStore opens the log store named by cfg.URL. memory:// keeps records in
// process; anything else is handed to the SQL store.
func openStore(cfg config.StorageConfig) (storage.LogStore, error) {
	if strings.HasPrefix(cfg.URL, memoryScheme) {
		return memory.New(), nil
	}

	dbCfg, err := sqldb.ConfigFromURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	dbCfg.AutoMigrate = cfg.AutoMigrate

	store, err := sqldb.New(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}
	return store, nil
}

// redactURL hides the password of a database URL for logging. URLs without
// credentials are returned as given.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if u.User == nil {
		return raw
	}
	return u.Redacted()
}
