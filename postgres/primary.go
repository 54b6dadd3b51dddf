package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
	"github.com/formbridge/fab/form"
)

var primaryDDL = []string{
	`CREATE TABLE IF NOT EXISTS forms (
		tenant TEXT NOT NULL,
		id UUID NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		copy_version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant, id)
	)`,
	`CREATE TABLE IF NOT EXISTS quote_requests (
		tenant TEXT NOT NULL,
		form_id UUID NOT NULL,
		id UUID NOT NULL,
		carrier_code TEXT NOT NULL,
		status TEXT NOT NULL,
		submitted_at TIMESTAMPTZ,
		PRIMARY KEY (tenant, form_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS carrier_optins (
		tenant TEXT NOT NULL,
		form_id UUID NOT NULL,
		code TEXT NOT NULL,
		PRIMARY KEY (tenant, form_id, code)
	)`,
}

// PrimaryStore is the Postgres batch.PrimaryStore. Rows are keyed by tenant
// plus id so tenants never see each other's forms.
type PrimaryStore struct {
	db *sql.DB
}

// NewPrimaryStore opens the primary database and applies its schema.
func NewPrimaryStore(ctx context.Context, dsn string) (*PrimaryStore, error) {
	db, err := openDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := applyDDL(ctx, db, primaryDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &PrimaryStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PrimaryStore) Close() error {
	return s.db.Close()
}

func (s *PrimaryStore) Begin(ctx context.Context) (batch.PrimaryTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin primary tx: %w", err)
	}
	return &primaryTx{tx: tx}, nil
}

func (s *PrimaryStore) GetForm(ctx context.Context, scope fab.Scope, id fab.UUID) (form.Form, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, status, copy_version, created_at, updated_at FROM forms WHERE tenant = $1 AND id = $2`,
		scope.Tenant, id.String())

	var f form.Form
	var status string
	if err := row.Scan(&f.Kind, &status, &f.CopyVersion, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return form.Form{}, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("form %s not found", id)}
		}
		return form.Form{}, fmt.Errorf("select form %s: %w", id, err)
	}
	parsed, err := form.ParseFormStatus(status)
	if err != nil {
		return form.Form{}, fmt.Errorf("form %s: %w", id, err)
	}
	f.ID = id
	f.Tenant = scope.Tenant
	f.Status = parsed
	return f, nil
}

func (s *PrimaryStore) ListQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID) ([]form.QuoteRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, carrier_code, status, submitted_at FROM quote_requests WHERE tenant = $1 AND form_id = $2 ORDER BY carrier_code, id`,
		scope.Tenant, formID.String())
	if err != nil {
		return nil, fmt.Errorf("select quote requests of form %s: %w", formID, err)
	}
	defer rows.Close()

	var out []form.QuoteRequest
	for rows.Next() {
		var q form.QuoteRequest
		var id, status string
		var submitted sql.NullTime
		if err := rows.Scan(&id, &q.CarrierCode, &status, &submitted); err != nil {
			return nil, fmt.Errorf("scan quote request: %w", err)
		}
		if q.ID, err = fab.ParseUUID(id); err != nil {
			return nil, fmt.Errorf("quote request id %q: %w", id, err)
		}
		if q.Status, err = form.ParseQuoteStatus(status); err != nil {
			return nil, fmt.Errorf("quote request %s: %w", id, err)
		}
		if submitted.Valid {
			t := submitted.Time
			q.SubmittedAt = &t
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quote requests: %w", err)
	}
	return out, nil
}

func (s *PrimaryStore) ListCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code FROM carrier_optins WHERE tenant = $1 AND form_id = $2 ORDER BY code`,
		scope.Tenant, formID.String())
	if err != nil {
		return nil, fmt.Errorf("select carriers of form %s: %w", formID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan carrier: %w", err)
		}
		out = append(out, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate carriers: %w", err)
	}
	return out, nil
}

type primaryTx struct {
	tx *sql.Tx
}

// advisoryKey folds a form id into the bigint space of pg_advisory_xact_lock.
func advisoryKey(id fab.UUID) int64 {
	high, low := id.Split()
	return int64(high ^ low)
}

func (t *primaryTx) UpsertForm(ctx context.Context, scope fab.Scope, f form.Form, isNew bool) error {
	// Transaction-scoped advisory lock; serializes writers of one form at the
	// database even if two leases ever overlap. Released with the transaction.
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(f.ID)); err != nil {
		return fmt.Errorf("advisory lock form %s: %w", f.ID, err)
	}
	if isNew {
		// A plain insert, so a concurrent create of the same id surfaces as a
		// commit failure instead of silently overwriting.
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO forms (tenant, id, kind, status, copy_version, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			scope.Tenant, f.ID.String(), f.Kind, f.Status.String(), f.CopyVersion, f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert form %s: %w", f.ID, err)
		}
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO forms (tenant, id, kind, status, copy_version, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant, id) DO UPDATE SET kind = EXCLUDED.kind, status = EXCLUDED.status, copy_version = EXCLUDED.copy_version, updated_at = EXCLUDED.updated_at`,
		scope.Tenant, f.ID.String(), f.Kind, f.Status.String(), f.CopyVersion, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert form %s: %w", f.ID, err)
	}
	return nil
}

func (t *primaryTx) UpsertQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID, quotes []form.QuoteRequest) error {
	for _, q := range quotes {
		var submitted any
		if q.SubmittedAt != nil {
			submitted = *q.SubmittedAt
		}
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO quote_requests (tenant, form_id, id, carrier_code, status, submitted_at) VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tenant, form_id, id) DO UPDATE SET carrier_code = EXCLUDED.carrier_code, status = EXCLUDED.status, submitted_at = EXCLUDED.submitted_at`,
			scope.Tenant, formID.String(), q.ID.String(), q.CarrierCode, q.Status.String(), submitted)
		if err != nil {
			return fmt.Errorf("upsert quote request %s: %w", q.ID, err)
		}
	}
	return nil
}

func (t *primaryTx) RemoveQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error {
	for _, id := range ids {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM quote_requests WHERE tenant = $1 AND form_id = $2 AND id = $3`,
			scope.Tenant, formID.String(), id.String())
		if err != nil {
			return fmt.Errorf("delete quote request %s: %w", id, err)
		}
	}
	return nil
}

func (t *primaryTx) AddCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error {
	for _, code := range codes {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO carrier_optins (tenant, form_id, code) VALUES ($1, $2, $3) ON CONFLICT (tenant, form_id, code) DO NOTHING`,
			scope.Tenant, formID.String(), code)
		if err != nil {
			return fmt.Errorf("add carrier %s: %w", code, err)
		}
	}
	return nil
}

func (t *primaryTx) RemoveCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error {
	for _, code := range codes {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM carrier_optins WHERE tenant = $1 AND form_id = $2 AND code = $3`,
			scope.Tenant, formID.String(), code)
		if err != nil {
			return fmt.Errorf("remove carrier %s: %w", code, err)
		}
	}
	return nil
}

func (t *primaryTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit primary tx: %w", err)
	}
	return nil
}

func (t *primaryTx) Rollback(ctx context.Context) error {
	if err := rollback(t.tx); err != nil {
		return fmt.Errorf("rollback primary tx: %w", err)
	}
	return nil
}
