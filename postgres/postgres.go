// Package postgres provides the Clustered deployment's stores: the primary
// store holding the shared form, quote request and carrier rows, and the
// tenant store holding the versioned copy documents with their collection
// tables. Both self-register under batch.StorePostgres; importing the package
// is what makes the backend available.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
)

const defaultDSN = "postgres://localhost/fab?sslmode=disable"

var marshaler = fab.NewMarshaler()

func init() {
	batch.RegisterPrimaryStore(batch.StorePostgres, func(ctx context.Context, cfg fab.StoresConfig) (batch.PrimaryStore, error) {
		return NewPrimaryStore(ctx, cfg.PrimaryDSN)
	})
	batch.RegisterTenantStore(batch.StorePostgres, func(ctx context.Context, cfg fab.StoresConfig) (batch.TenantStore, error) {
		dsn := cfg.TenantDSN
		if dsn == "" {
			// The two stores keep disjoint tables, so one database serves both.
			dsn = cfg.PrimaryDSN
		}
		return NewTenantStore(ctx, dsn)
	})
}

// openDB opens a pooled connection for the given DSN (falls back to
// defaultDSN) and verifies it with a ping.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func applyDDL(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
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
