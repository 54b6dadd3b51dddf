package batch

import (
	"context"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/form"
)

// PrimaryStore persists what is shared across the platform: form header
// rows, quote requests and carrier opt-ins. Reads run outside a transaction;
// all commit-path writes go through a PrimaryTx.
//
// Implementations report a missing row with a NotFound coded error.
type PrimaryStore interface {
	Begin(ctx context.Context) (PrimaryTx, error)

	GetForm(ctx context.Context, scope fab.Scope, id fab.UUID) (form.Form, error)
	ListQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID) ([]form.QuoteRequest, error)
	ListCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID) ([]string, error)
}

// PrimaryTx is one open transaction against the primary store. The pipeline
// stages every write, then commits only after the tenant store committed.
// Rollback after Commit must be a no-op, so deferred rollbacks are safe.
type PrimaryTx interface {
	UpsertForm(ctx context.Context, scope fab.Scope, f form.Form, isNew bool) error
	UpsertQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID, quotes []form.QuoteRequest) error
	RemoveQuoteRequests(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error
	AddCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error
	RemoveCarriers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TenantStore persists the per-tenant copy documents: the versioned bundle
// of answers, pools and question sets plus the message and event logs.
type TenantStore interface {
	Begin(ctx context.Context) (TenantTx, error)

	GetCopy(ctx context.Context, scope fab.Scope, formID fab.UUID) (*form.Copy, error)
}

// TenantTx is one open transaction against the tenant store. ReplaceCopy
// swaps the whole document at a new version; the other methods patch the
// current version in place. The restore path reuses the same methods to walk
// a half-committed batch back, plus DeleteCopy to undo a first insert.
type TenantTx interface {
	ReplaceCopy(ctx context.Context, scope fab.Scope, cp *form.Copy) error
	DeleteCopy(ctx context.Context, scope fab.Scope, formID fab.UUID) error
	UpsertAnswers(ctx context.Context, scope fab.Scope, formID fab.UUID, answers []form.Answer) error
	RemoveAnswers(ctx context.Context, scope fab.Scope, formID fab.UUID, codes []string) error
	AppendMessages(ctx context.Context, scope fab.Scope, formID fab.UUID, messages []form.Message) error
	RemoveMessages(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error
	AppendEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, events []form.Event) error
	RemoveEvents(ctx context.Context, scope fab.Scope, formID fab.UUID, ids []fab.UUID) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
