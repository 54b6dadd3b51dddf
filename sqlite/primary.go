package sqlite

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
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		copy_version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant, id)
	)`,
	`CREATE TABLE IF NOT EXISTS quote_requests (
		tenant TEXT NOT NULL,
		form_id TEXT NOT NULL,
		id TEXT NOT NULL,
		carrier_code TEXT NOT NULL,
		status TEXT NOT NULL,
		submitted_at TEXT,
		PRIMARY KEY (tenant, form_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS carrier_optins (
		tenant TEXT NOT NULL,
		form_id TEXT NOT NULL,
		code TEXT NOT NULL,
		PRIMARY KEY (tenant, form_id, code)
	)`,
}

// PrimaryStore is the sqlite batch.PrimaryStore.
type PrimaryStore struct {
	db *sql.DB
}

// NewPrimaryStore opens the primary database file and applies its schema.
func NewPrimaryStore(ctx context.Context, path string) (*PrimaryStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := applyDDL(db, primaryDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &PrimaryStore{db: db}, nil
}

// Close releases the database handle.
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
		`SELECT kind, status, copy_version, created_at, updated_at FROM forms WHERE tenant = ? AND id = ?`,
		scope.Tenant, id.String())

	var f form.Form
	var status, created, updated string
	if err := row.Scan(&f.Kind, &status, &f.CopyVersion, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return form.Form{}, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("form %s not found", id)}
		}
		return form.Form{}, fmt.Errorf("select form %s: %w", id, err)
	}
	parsed, err := form.ParseFormStatus(status)
	if err != nil {
		return form.Form{}, fmt.Errorf("form %s: %w", id, err)
	}
	if f.CreatedAt, err = decodeTime(created); err != nil {
		return form.Form{}, fmt.Errorf("form %s created_at: %w", id, err)
	}
	if f.UpdatedAt, err = decodeTime(updated); err != nil {
		return form.Form{}, fmt.Errorf("form %s updated_at: %w", id, err)
	}
	f.ID = id
	f.Tenant = scope.Tenant
	f.Status = parsed
	return f, nil
}

func (s *PrimaryStore) ListQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID) ([]form.QuoteRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, carrier_code, status, submitted_at FROM quote_requests WHERE tenant = ? AND form_id = ? ORDER BY carrier_code, id`,
		scope.Tenant, formID.String())
	if err != nil {
		return nil, fmt.Errorf("select quote requests of form %s: %w", formID, err)
	}
	defer rows.Close()

	var out []form.QuoteRequest
	for rows.Next() {
		var q form.QuoteRequest
		var id, status string
		var submitted sql.NullString
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
			t, err := decodeTime(submitted.String)
			if err != nil {
				return nil, fmt.Errorf("quote request %s submitted_at: %w", id, err)
			}
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
		`SELECT code FROM carrier_optins WHERE tenant = ? AND form_id = ? ORDER BY code`,
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

func (t *primaryTx) UpsertForm(ctx context.Context, scope fab.Scope, f form.Form, isNew bool) error {
	if isNew {
		// A plain insert, so a concurrent create of the same id surfaces as a
		// commit failure instead of silently overwriting.
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO forms (tenant, id, kind, status, copy_version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			scope.Tenant, f.ID.String(), f.Kind, f.Status.String(), f.CopyVersion, encodeTime(f.CreatedAt), encodeTime(f.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert form %s: %w", f.ID, err)
		}
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO forms (tenant, id, kind, status, copy_version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant, id) DO UPDATE SET kind = excluded.kind, status = excluded.status, copy_version = excluded.copy_version, updated_at = excluded.updated_at`,
		scope.Tenant, f.ID.String(), f.Kind, f.Status.String(), f.CopyVersion, encodeTime(f.CreatedAt), encodeTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert form %s: %w", f.ID, err)
	}
	return nil
}

func (t *primaryTx) UpsertQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID, quotes []form.QuoteRequest) error {
	for _, q := range quotes {
		var submitted any
		if q.SubmittedAt != nil {
			submitted = encodeTime(*q.SubmittedAt)
		}
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO quote_requests (tenant, form_id, id, carrier_code, status, submitted_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tenant, form_id, id) DO UPDATE SET carrier_code = excluded.carrier_code, status = excluded.status, submitted_at = excluded.submitted_at`,
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
			`DELETE FROM quote_requests WHERE tenant = ? AND form_id = ? AND id = ?`,
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
			`INSERT INTO carrier_optins (tenant, form_id, code) VALUES (?, ?, ?) ON CONFLICT (tenant, form_id, code) DO NOTHING`,
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
			`DELETE FROM carrier_optins WHERE tenant = ? AND form_id = ? AND code = ?`,
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
