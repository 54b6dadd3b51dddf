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

var tenantDDL = []string{
	`CREATE TABLE IF NOT EXISTS copies (
		tenant TEXT NOT NULL,
		form_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		pools TEXT NOT NULL,
		question_sets TEXT NOT NULL,
		PRIMARY KEY (tenant, form_id)
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		tenant TEXT NOT NULL,
		form_id TEXT NOT NULL,
		code TEXT NOT NULL,
		value TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant, form_id, code)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant TEXT NOT NULL,
		form_id TEXT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (tenant, form_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant TEXT NOT NULL,
		form_id TEXT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		at TEXT NOT NULL,
		UNIQUE (tenant, form_id, id)
	)`,
}

// TenantStore is the sqlite batch.TenantStore, laid out like its postgres
// twin: a copy header row plus per-entity tables, with log order on seq.
type TenantStore struct {
	db *sql.DB
}

// NewTenantStore opens the tenant database file and applies its schema.
func NewTenantStore(ctx context.Context, path string) (*TenantStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := applyDDL(db, tenantDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &TenantStore{db: db}, nil
}

// Close releases the database handle.
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
		`SELECT version, pools, question_sets FROM copies WHERE tenant = ? AND form_id = ?`,
		scope.Tenant, formID.String())

	cp := form.NewCopy(formID)
	var pools, qsets string
	if err := row.Scan(&cp.Version, &pools, &qsets); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("copy of form %s not found", formID)}
		}
		return nil, fmt.Errorf("select copy of form %s: %w", formID, err)
	}
	if err := marshaler.Unmarshal([]byte(pools), &cp.Pools); err != nil {
		return nil, fmt.Errorf("decode pools of form %s: %w", formID, err)
	}
	if err := marshaler.Unmarshal([]byte(qsets), &cp.QuestionSets); err != nil {
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
		`SELECT code, value, source FROM answers WHERE tenant = ? AND form_id = ?`,
		scope.Tenant, formID.String())
	if err != nil {
		return fmt.Errorf("select answers of form %s: %w", formID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a form.Answer
		var value string
		if err := rows.Scan(&a.Code, &value, &a.Source); err != nil {
			return fmt.Errorf("scan answer: %w", err)
		}
		if err := marshaler.Unmarshal([]byte(value), &a.Value); err != nil {
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
		`SELECT id, kind, author, body, created_at FROM messages WHERE tenant = ? AND form_id = ? ORDER BY seq`,
		scope.Tenant, formID.String())
	if err != nil {
		return fmt.Errorf("select messages of form %s: %w", formID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m form.Message
		var id, kind, created string
		if err := rows.Scan(&id, &kind, &m.Author, &m.Body, &created); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		if m.ID, err = fab.ParseUUID(id); err != nil {
			return fmt.Errorf("message id %q: %w", id, err)
		}
		if m.CreatedAt, err = decodeTime(created); err != nil {
			return fmt.Errorf("message %s created_at: %w", id, err)
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
		`SELECT id, kind, payload, at FROM events WHERE tenant = ? AND form_id = ? ORDER BY seq`,
		scope.Tenant, formID.String())
	if err != nil {
		return fmt.Errorf("select events of form %s: %w", formID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e form.Event
		var id, kind, at string
		var payload sql.NullString
		if err := rows.Scan(&id, &kind, &payload, &at); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if e.ID, err = fab.ParseUUID(id); err != nil {
			return fmt.Errorf("event id %q: %w", id, err)
		}
		if e.At, err = decodeTime(at); err != nil {
			return fmt.Errorf("event %s at: %w", id, err)
		}
		e.Kind = form.EventKind(kind)
		if payload.Valid && payload.String != "" {
			if err := marshaler.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
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
		`INSERT INTO copies (tenant, form_id, version, pools, question_sets) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant, form_id) DO UPDATE SET version = excluded.version, pools = excluded.pools, question_sets = excluded.question_sets`,
		scope.Tenant, cp.FormID.String(), cp.Version, string(pools), string(qsets))
	if err != nil {
		return fmt.Errorf("upsert copy of form %s: %w", cp.FormID, err)
	}

	// The document replaces wholesale, so the entity tables restart from the
	// incoming collections.
	for _, table := range []string{"answers", "messages", "events"} {
		if _, err := t.tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE tenant = ? AND form_id = ?`, table),
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
			fmt.Sprintf(`DELETE FROM %s WHERE tenant = ? AND form_id = ?`, table),
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
			`INSERT INTO answers (tenant, form_id, code, value, source) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (tenant, form_id, code) DO UPDATE SET value = excluded.value, source = excluded.source`,
			scope.Tenant, formID.String(), a.Code, string(value), a.Source)
		if err != nil {
			return fmt.Errorf("upsert answer %s: %w", a.Code, err)
		}
	}
	return nil
}

func (t *tenantTx) RemoveAnswers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error {
	for _, code := range codes {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM answers WHERE tenant = ? AND form_id = ? AND code = ?`,
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
			`INSERT INTO messages (tenant, form_id, id, kind, author, body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			scope.Tenant, formID.String(), m.ID.String(), string(m.Kind), m.Author, m.Body, encodeTime(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("append message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (t *tenantTx) RemoveMessages(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error {
	for _, id := range ids {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM messages WHERE tenant = ? AND form_id = ? AND id = ?`,
			scope.Tenant, formID.String(), id.String())
		if err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
	}
	return nil
}

func (t *tenantTx) AppendEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, events []form.Event) error {
	for _, e := range events {
		var payload any
		if e.Payload != nil {
			ba, err := marshaler.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", e.ID, err)
			}
			payload = string(ba)
		}
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO events (tenant, form_id, id, kind, payload, at) VALUES (?, ?, ?, ?, ?, ?)`,
			scope.Tenant, formID.String(), e.ID.String(), string(e.Kind), payload, encodeTime(e.At))
		if err != nil {
			return fmt.Errorf("append event %s: %w", e.ID, err)
		}
	}
	return nil
}

func (t *tenantTx) RemoveEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error {
	for _, id := range ids {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM events WHERE tenant = ? AND form_id = ? AND id = ?`,
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
