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

var tenantDDL = []string{
	`CREATE TABLE IF NOT EXISTS copies (
		tenant TEXT NOT NULL,
		form_id UUID NOT NULL,
		version BIGINT NOT NULL,
		pools JSONB NOT NULL,
		question_sets JSONB NOT NULL,
		PRIMARY KEY (tenant, form_id)
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		tenant TEXT NOT NULL,
		form_id UUID NOT NULL,
		code TEXT NOT NULL,
		value JSONB NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant, form_id, code)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		tenant TEXT NOT NULL,
		form_id UUID NOT NULL,
		id UUID NOT NULL,
		kind TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant, form_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq BIGSERIAL PRIMARY KEY,
		tenant TEXT NOT NULL,
		form_id UUID NOT NULL,
		id UUID NOT NULL,
		kind TEXT NOT NULL,
		payload JSONB,
		at TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant, form_id, id)
	)`,
}

// TenantStore is the Postgres batch.TenantStore. The copy document is split
// over a header row (version plus the structural collections as JSONB) and
// per-entity tables, so incremental commits patch single rows and the append
// logs stay append-only. Log order rides on the seq column.
type TenantStore struct {
	db *sql.DB
}

// NewTenantStore opens the tenant database and applies its schema.
func NewTenantStore(ctx context.Context, dsn string) (*TenantStore, error) {
	db, err := openDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := applyDDL(ctx, db, tenantDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &TenantStore{db: db}, nil
}

// Close releases the connection pool.
func (s *TenantStore) Close() error {
	return s.db.Close()
}

func (s *TenantStore) Begin(ctx context.Context) (batch.TenantTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tenant tx: %w", err)
	}
	return &tenantTx{tx: tx}, nil
}

func (s *TenantStore) GetCopy(ctx context.Context, scope fab.Scope, formID fab.UUID) (*form.Copy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, pools, question_sets FROM copies WHERE tenant = $1 AND form_id = $2`,
		scope.Tenant, formID.String())

	cp := form.NewCopy(formID)
	var pools, qsets []byte
	if err := row.Scan(&cp.Version, &pools, &qsets); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("copy of form %s not found", formID)}
		}
		return nil, fmt.Errorf("select copy of form %s: %w", formID, err)
	}
	if err := marshaler.Unmarshal(pools, &cp.Pools); err != nil {
		return nil, fmt.Errorf("decode pools of form %s: %w", formID, err)
	}
	if err := marshaler.Unmarshal(qsets, &cp.QuestionSets); err != nil {
		return nil, fmt.Errorf("decode question sets of form %s: %w", formID, err)
	}
	if err := s.loadAnswers(ctx, scope, formID, cp); err != nil {
		return nil, err
	}
	if err := s.loadMessages(ctx, scope, formID, cp); err != nil {
		return nil, err
	}
	if err := s.loadEvents(ctx, scope, formID, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *TenantStore) loadAnswers(ctx context.Context, scope fab.Scope, formID fab.UUID, cp *form.Copy) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, value, source FROM answers WHERE tenant = $1 AND form_id = $2`,
		scope.Tenant, formID.String())
	if err != nil {
		return fmt.Errorf("select answers of form %s: %w", formID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a form.Answer
		var value []byte
		if err := rows.Scan(&a.Code, &value, &a.Source); err != nil {
			return fmt.Errorf("scan answer: %w", err)
		}
		if err := marshaler.Unmarshal(value, &a.Value); err != nil {
			return fmt.Errorf("decode answer %s: %w", a.Code, err)
		}
		cp.Answers[a.Code] = a
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate answers: %w", err)
	}
	return nil
}

func (s *TenantStore) loadMessages(ctx context.Context, scope fab.Scope, formID fab.UUID, cp *form.Copy) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, author, body, created_at FROM messages WHERE tenant = $1 AND form_id = $2 ORDER BY seq`,
		scope.Tenant, formID.String())
	if err != nil {
		return fmt.Errorf("select messages of form %s: %w", formID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m form.Message
		var id, kind string
		if err := rows.Scan(&id, &kind, &m.Author, &m.Body, &m.CreatedAt); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		if m.ID, err = fab.ParseUUID(id); err != nil {
			return fmt.Errorf("message id %q: %w", id, err)
		}
		m.Kind = form.MessageKind(kind)
		cp.Messages = append(cp.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}
	return nil
}

func (s *TenantStore) loadEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, cp *form.Copy) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload, at FROM events WHERE tenant = $1 AND form_id = $2 ORDER BY seq`,
		scope.Tenant, formID.String())
	if err != nil {
		return fmt.Errorf("select events of form %s: %w", formID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e form.Event
		var id, kind string
		var payload []byte
		if err := rows.Scan(&id, &kind, &payload, &e.At); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if e.ID, err = fab.ParseUUID(id); err != nil {
			return fmt.Errorf("event id %q: %w", id, err)
		}
		e.Kind = form.EventKind(kind)
		if len(payload) > 0 {
			if err := marshaler.Unmarshal(payload, &e.Payload); err != nil {
				return fmt.Errorf("decode event %s: %w", id, err)
			}
		}
		cp.Events = append(cp.Events, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	return nil
}

type tenantTx struct {
	tx *sql.Tx
}

func (t *tenantTx) ReplaceCopy(ctx context.Context, scope fab.Scope, cp *form.Copy) error {
	pools, err := marshaler.Marshal(cp.Pools)
	if err != nil {
		return fmt.Errorf("encode pools: %w", err)
	}
	qsets, err := marshaler.Marshal(cp.QuestionSets)
	if err != nil {
		return fmt.Errorf("encode question sets: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO copies (tenant, form_id, version, pools, question_sets) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant, form_id) DO UPDATE SET version = EXCLUDED.version, pools = EXCLUDED.pools, question_sets = EXCLUDED.question_sets`,
		scope.Tenant, cp.FormID.String(), cp.Version, pools, qsets)
	if err != nil {
		return fmt.Errorf("upsert copy of form %s: %w", cp.FormID, err)
	}

	// The document replaces wholesale, so the entity tables restart from the
	// incoming collections.
	for _, table := range []string{"answers", "messages", "events"} {
		if _, err := t.tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tenant = $1 AND form_id = $2`, table),
			scope.Tenant, cp.FormID.String()); err != nil {
			return fmt.Errorf("clear %s of form %s: %w", table, cp.FormID, err)
		}
	}
	if err := t.UpsertAnswers(ctx, scope, cp.FormID, answersOf(cp)); err != nil {
		return err
	}
	if err := t.AppendMessages(ctx, scope, cp.FormID, cp.Messages); err != nil {
		return err
	}
	return t.AppendEvents(ctx, scope, cp.FormID, cp.Events)
}

func answersOf(cp *form.Copy) []form.Answer {
	out := make([]form.Answer, 0, len(cp.Answers))
	for _, a := range cp.Answers {
		out = append(out, a)
	}
	return out
}

func (t *tenantTx) DeleteCopy(ctx context.Context, scope fab.Scope, formID fab.UUID) error {
	for _, table := range []string{"copies", "answers", "messages", "events"} {
		if _, err := t.tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tenant = $1 AND form_id = $2`, table),
			scope.Tenant, formID.String()); err != nil {
			return fmt.Errorf("delete %s of form %s: %w", table, formID, err)
		}
	}
	return nil
}

func (t *tenantTx) UpsertAnswers(ctx context.Context, scope fab.Scope, formID fab.UUID, answers []form.Answer) error {
	for _, a := range answers {
		value, err := marshaler.Marshal(a.Value)
		if err != nil {
			return fmt.Errorf("encode answer %s: %w", a.Code, err)
		}
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO answers (tenant, form_id, code, value, source) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (tenant, form_id, code) DO UPDATE SET value = EXCLUDED.value, source = EXCLUDED.source`,
			scope.Tenant, formID.String(), a.Code, value, a.Source)
		if err != nil {
			return fmt.Errorf("upsert answer %s: %w", a.Code, err)
		}
	}
	return nil
}

func (t *tenantTx) RemoveAnswers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error {
	for _, code := range codes {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM answers WHERE tenant = $1 AND form_id = $2 AND code = $3`,
			scope.Tenant, formID.String(), code)
		if err != nil {
			return fmt.Errorf("delete answer %s: %w", code, err)
		}
	}
	return nil
}

func (t *tenantTx) AppendMessages(ctx context.Context, scope fab.Scope, formID fab.UUID, messages []form.Message) error {
	for _, m := range messages {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO messages (tenant, form_id, id, kind, author, body, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			scope.Tenant, formID.String(), m.ID.String(), string(m.Kind), m.Author, m.Body, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("append message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (t *tenantTx) RemoveMessages(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error {
	for _, id := range ids {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM messages WHERE tenant = $1 AND form_id = $2 AND id = $3`,
			scope.Tenant, formID.String(), id.String())
		if err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
	}
	return nil
}

func (t *tenantTx) AppendEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, events []form.Event) error {
	for _, e := range events {
		var payload []byte
		if e.Payload != nil {
			var err error
			if payload, err = marshaler.Marshal(e.Payload); err != nil {
				return fmt.Errorf("encode event %s: %w", e.ID, err)
			}
		}
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO events (tenant, form_id, id, kind, payload, at) VALUES ($1, $2, $3, $4, $5, $6)`,
			scope.Tenant, formID.String(), e.ID.String(), string(e.Kind), payload, e.At)
		if err != nil {
			return fmt.Errorf("append event %s: %w", e.ID, err)
		}
	}
	return nil
}

func (t *tenantTx) RemoveEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error {
	for _, id := range ids {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM events WHERE tenant = $1 AND form_id = $2 AND id = $3`,
			scope.Tenant, formID.String(), id.String())
		if err != nil {
			return fmt.Errorf("delete event %s: %w", id, err)
		}
	}
	return nil
}

func (t *tenantTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit tenant tx: %w", err)
	}
	return nil
}

func (t *tenantTx) Rollback(ctx context.Context) error {
	if err := rollback(t.tx); err != nil {
		return fmt.Errorf("rollback tenant tx: %w", err)
	}
	return nil
}
