package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
	"github.com/formbridge/fab/form"
)

func openTestStores(t *testing.T) (*PrimaryStore, *TenantStore) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	primary, err := NewPrimaryStore(ctx, filepath.Join(dir, "fab.db"))
	if err != nil {
		t.Fatalf("NewPrimaryStore failed: %v", err)
	}
	t.Cleanup(func() { primary.Close() })
	tenant, err := NewTenantStore(ctx, filepath.Join(dir, "fab_tenant.db"))
	if err != nil {
		t.Fatalf("NewTenantStore failed: %v", err)
	}
	t.Cleanup(func() { tenant.Close() })
	return primary, tenant
}

func Test_TenantPathFor(t *testing.T) {
	cases := []struct{ in, want string }{
		{"fab.db", "fab_tenant.db"},
		{"state/forms.db", "state/forms_tenant.db"},
		{"fab", "fab_tenant"},
	}
	for _, c := range cases {
		if got := TenantPathFor(c.in); got != c.want {
			t.Errorf("TenantPathFor(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func Test_PrimaryStore_FormRoundTrip(t *testing.T) {
	primary, _ := openTestStores(t)
	ctx := context.Background()
	scope := fab.Scope{Tenant: "acme"}

	f := form.Form{
		ID:          fab.NewUUID(),
		Tenant:      scope.Tenant,
		Kind:        "auto.quote",
		Status:      form.InReview,
		CopyVersion: 3,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if _, err := primary.GetForm(ctx, scope, f.ID); !fab.IsCode(err, fab.NotFound) {
		t.Fatalf("GetForm before insert = %v, want NotFound", err)
	}

	tx, err := primary.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.UpsertForm(ctx, scope, f, true); err != nil {
		t.Fatalf("UpsertForm failed: %v", err)
	}
	submitted := form.NewQuoteRequest("acme-ins")
	now := time.Now()
	submitted.Status = form.QuoteSubmitted
	submitted.SubmittedAt = &now
	draft := form.NewQuoteRequest("zenith-mutual")
	if err := tx.UpsertQuoteRequests(ctx, scope, f.ID, []form.QuoteRequest{submitted, draft}); err != nil {
		t.Fatalf("UpsertQuoteRequests failed: %v", err)
	}
	if err := tx.AddCarriers(ctx, scope, f.ID, []string{"zenith-mutual", "acme-ins"}); err != nil {
		t.Fatalf("AddCarriers failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback after Commit = %v, want nil", err)
	}

	got, err := primary.GetForm(ctx, scope, f.ID)
	if err != nil {
		t.Fatalf("GetForm failed: %v", err)
	}
	if got.Snapshot() != f.Snapshot() {
		t.Errorf("GetForm = %+v, want %+v", got.Snapshot(), f.Snapshot())
	}
	if !got.CreatedAt.Equal(f.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, f.CreatedAt)
	}

	quotes, err := primary.ListQuoteRequests(ctx, scope, f.ID)
	if err != nil {
		t.Fatalf("ListQuoteRequests failed: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("ListQuoteRequests returned %d rows, want 2", len(quotes))
	}
	// Ordered by carrier code.
	if quotes[0].Snapshot() != submitted.Snapshot() || quotes[1].Snapshot() != draft.Snapshot() {
		t.Errorf("quotes = %+v, want [%+v %+v]", quotes, submitted, draft)
	}

	carriers, err := primary.ListCarriers(ctx, scope, f.ID)
	if err != nil {
		t.Fatalf("ListCarriers failed: %v", err)
	}
	if len(carriers) != 2 || carriers[0] != "acme-ins" || carriers[1] != "zenith-mutual" {
		t.Errorf("ListCarriers = %v, want [acme-ins zenith-mutual]", carriers)
	}

	// Another tenant's partition stays empty.
	if _, err := primary.GetForm(ctx, fab.Scope{Tenant: "globex"}, f.ID); !fab.IsCode(err, fab.NotFound) {
		t.Errorf("GetForm in foreign tenant = %v, want NotFound", err)
	}
}

func Test_PrimaryStore_UpsertUpdatesForm(t *testing.T) {
	primary, _ := openTestStores(t)
	ctx := context.Background()
	scope := fab.Scope{Tenant: "acme"}

	f := form.Form{ID: fab.NewUUID(), Tenant: scope.Tenant, Kind: "auto.quote",
		CopyVersion: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	tx, _ := primary.Begin(ctx)
	if err := tx.UpsertForm(ctx, scope, f, true); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	f.Status = form.Completed
	f.CopyVersion = 2
	f.UpdatedAt = time.Now()
	tx, _ = primary.Begin(ctx)
	if err := tx.UpsertForm(ctx, scope, f, false); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := primary.GetForm(ctx, scope, f.ID)
	if err != nil {
		t.Fatalf("GetForm failed: %v", err)
	}
	if got.Status != form.Completed || got.CopyVersion != 2 {
		t.Errorf("form after update = %+v", got)
	}
}

func Test_PrimaryStore_DuplicateCreateFails(t *testing.T) {
	primary, _ := openTestStores(t)
	ctx := context.Background()
	scope := fab.Scope{Tenant: "acme"}

	f := form.Form{ID: fab.NewUUID(), Tenant: scope.Tenant, Kind: "auto.quote",
		CopyVersion: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	tx, _ := primary.Begin(ctx)
	if err := tx.UpsertForm(ctx, scope, f, true); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx, _ = primary.Begin(ctx)
	defer tx.Rollback(ctx)
	if err := tx.UpsertForm(ctx, scope, f, true); err == nil {
		t.Error("second create of the same form id succeeded")
	}
}

func Test_PrimaryStore_RollbackDiscardsWrites(t *testing.T) {
	primary, _ := openTestStores(t)
	ctx := context.Background()
	scope := fab.Scope{Tenant: "acme"}

	f := form.Form{ID: fab.NewUUID(), Tenant: scope.Tenant, Kind: "home.quote",
		CopyVersion: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	tx, err := primary.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.UpsertForm(ctx, scope, f, true); err != nil {
		t.Fatalf("UpsertForm failed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if _, err := primary.GetForm(ctx, scope, f.ID); !fab.IsCode(err, fab.NotFound) {
		t.Errorf("GetForm after rollback = %v, want NotFound", err)
	}
}

func Test_TenantStore_CopyRoundTrip(t *testing.T) {
	_, tenant := openTestStores(t)
	ctx := context.Background()
	scope := fab.Scope{Tenant: "acme"}
	formID := fab.NewUUID()

	if _, err := tenant.GetCopy(ctx, scope, formID); !fab.IsCode(err, fab.NotFound) {
		t.Fatalf("GetCopy before insert = %v, want NotFound", err)
	}

	cp := form.NewCopy(formID)
	cp.Version = 2
	cp.Answers["applicant.age"] = form.Answer{Code: "applicant.age", Value: float64(44), Source: "user"}
	cp.Answers["vehicle"] = form.Answer{Code: "vehicle", Value: map[string]any{"make": "toyota", "year": float64(2021)}}
	cp.Pools["drivers"] = form.Pool{Code: "drivers", Capacity: 4, AnswerCodes: []string{"applicant.age"}}
	cp.QuestionSets["household"] = form.QuestionSet{Code: "household", Title: "Household", Position: 2, Enabled: true}
	note := form.NewMessage(form.MessageNote, "agent", "first note")
	cp.Messages = append(cp.Messages, note)
	cp.Events = append(cp.Events, form.NewEvent(form.EventFormCreated, map[string]any{"kind": "auto.quote"}))

	tx, err := tenant.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.ReplaceCopy(ctx, scope, cp); err != nil {
		t.Fatalf("ReplaceCopy failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := tenant.GetCopy(ctx, scope, formID)
	if err != nil {
		t.Fatalf("GetCopy failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.Answers["applicant.age"].Snapshot() != cp.Answers["applicant.age"].Snapshot() {
		t.Errorf("answer = %+v", got.Answers["applicant.age"])
	}
	if got.Answers["vehicle"].Snapshot() != cp.Answers["vehicle"].Snapshot() {
		t.Errorf("nested answer = %+v", got.Answers["vehicle"])
	}
	if p := got.Pools["drivers"]; p.Capacity != 4 || len(p.AnswerCodes) != 1 {
		t.Errorf("pool = %+v", p)
	}
	if qs := got.QuestionSets["household"]; !qs.Enabled || qs.Position != 2 || qs.Title != "Household" {
		t.Errorf("question set = %+v", qs)
	}
	if len(got.Messages) != 1 || got.Messages[0].Body != "first note" || !got.Messages[0].CreatedAt.Equal(note.CreatedAt) {
		t.Errorf("messages = %+v", got.Messages)
	}
	if len(got.Events) != 1 || got.Events[0].Kind != form.EventFormCreated || got.Events[0].Payload["kind"] != "auto.quote" {
		t.Errorf("events = %+v", got.Events)
	}

	// Incremental patches against the committed document.
	tx, err = tenant.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.UpsertAnswers(ctx, scope, formID, []form.Answer{{Code: "applicant.age", Value: float64(45), Source: "user"}}); err != nil {
		t.Fatalf("UpsertAnswers failed: %v", err)
	}
	if err := tx.RemoveAnswers(ctx, scope, formID, []string{"vehicle"}); err != nil {
		t.Fatalf("RemoveAnswers failed: %v", err)
	}
	second := form.NewEvent(form.EventAnswerChanged, map[string]any{"code": "applicant.age"})
	if err := tx.AppendEvents(ctx, scope, formID, []form.Event{second}); err != nil {
		t.Fatalf("AppendEvents failed: %v", err)
	}
	if err := tx.RemoveMessages(ctx, scope, formID, []fab.UUID{note.ID}); err != nil {
		t.Fatalf("RemoveMessages failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err = tenant.GetCopy(ctx, scope, formID)
	if err != nil {
		t.Fatalf("GetCopy failed: %v", err)
	}
	if a := got.Answers["applicant.age"]; a.Value != float64(45) {
		t.Errorf("patched answer = %+v, want 45", a)
	}
	if _, ok := got.Answers["vehicle"]; ok {
		t.Error("removed answer still present")
	}
	if len(got.Messages) != 0 {
		t.Errorf("messages after remove = %+v, want none", got.Messages)
	}
	if len(got.Events) != 2 || got.Events[1].ID != second.ID {
		t.Errorf("events after append = %+v, want the new event last", got.Events)
	}

	// DeleteCopy unwinds a first insert.
	tx, err = tenant.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.DeleteCopy(ctx, scope, formID); err != nil {
		t.Fatalf("DeleteCopy failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := tenant.GetCopy(ctx, scope, formID); !fab.IsCode(err, fab.NotFound) {
		t.Errorf("GetCopy after delete = %v, want NotFound", err)
	}
}

func Test_TenantStore_ReplaceResetsCollections(t *testing.T) {
	_, tenant := openTestStores(t)
	ctx := context.Background()
	scope := fab.Scope{Tenant: "acme"}
	formID := fab.NewUUID()

	v1 := form.NewCopy(formID)
	v1.Answers["a"] = form.Answer{Code: "a", Value: "one"}
	v1.Answers["b"] = form.Answer{Code: "b", Value: "two"}
	v1.Events = append(v1.Events, form.NewEvent(form.EventFormCreated, nil))

	tx, _ := tenant.Begin(ctx)
	if err := tx.ReplaceCopy(ctx, scope, v1); err != nil {
		t.Fatalf("ReplaceCopy v1 failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	v2 := form.NewCopy(formID)
	v2.Version = 2
	v2.Answers["c"] = form.Answer{Code: "c", Value: "three"}

	tx, _ = tenant.Begin(ctx)
	if err := tx.ReplaceCopy(ctx, scope, v2); err != nil {
		t.Fatalf("ReplaceCopy v2 failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := tenant.GetCopy(ctx, scope, formID)
	if err != nil {
		t.Fatalf("GetCopy failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if len(got.Answers) != 1 || got.Answers["c"].Value != "three" {
		t.Errorf("answers after replace = %+v, want only c", got.Answers)
	}
	if len(got.Events) != 0 {
		t.Errorf("events after replace = %+v, want none", got.Events)
	}
}

func Test_Registry_OpensBothStores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := fab.StoresConfig{SQLitePath: filepath.Join(dir, "fab.db")}

	primary, err := batch.NewPrimaryStore(ctx, batch.StoreSQLite, cfg)
	if err != nil {
		t.Fatalf("NewPrimaryStore via registry failed: %v", err)
	}
	defer primary.(*PrimaryStore).Close()

	tenant, err := batch.NewTenantStore(ctx, batch.StoreSQLite, cfg)
	if err != nil {
		t.Fatalf("NewTenantStore via registry failed: %v", err)
	}
	defer tenant.(*TenantStore).Close()

	scope := fab.Scope{Tenant: "acme"}
	f := form.Form{ID: fab.NewUUID(), Tenant: scope.Tenant, Kind: "auto.quote",
		CopyVersion: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	tx, err := primary.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.UpsertForm(ctx, scope, f, true); err != nil {
		t.Fatalf("UpsertForm failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := primary.GetForm(ctx, scope, f.ID); err != nil {
		t.Errorf("GetForm through registry-opened store failed: %v", err)
	}
}
