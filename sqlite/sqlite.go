// Package sqlite provides the Standalone deployment's stores on a pure Go
// sqlite driver, mirroring the postgres schemas with sqlite types. The
// primary store lives in the configured database file and the tenant store in
// a sibling file, so the commit pipeline's two open transactions never
// contend on a single sqlite database. Both self-register under
// batch.StoreSQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
)

const defaultPath = "fab.db"

var marshaler = fab.NewMarshaler()

func init() {
	batch.RegisterPrimaryStore(batch.StoreSQLite, func(ctx context.Context, cfg fab.StoresConfig) (batch.PrimaryStore, error) {
		return NewPrimaryStore(ctx, cfg.SQLitePath)
	})
	batch.RegisterTenantStore(batch.StoreSQLite, func(ctx context.Context, cfg fab.StoresConfig) (batch.TenantStore, error) {
		path := cfg.SQLitePath
		if path == "" {
			path = defaultPath
		}
		return NewTenantStore(ctx, TenantPathFor(path))
	})
}

// TenantPathFor derives the tenant database file from the primary one,
// e.g. fab.db becomes fab_tenant.db.
func TenantPathFor(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_tenant" + ext
}

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		path = defaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite is single writer; one pooled connection keeps reads queued
	// behind an open commit transaction instead of failing busy.
	db.SetMaxOpenConns(1)
	return db, nil
}

func applyDDL(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// rollback swallows the closed-transaction error so deferred rollbacks after
// a commit stay silent, as the store contracts require.
func rollback(tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// Timestamps are stored as RFC3339 text in UTC.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
