package batch

import (
	"github.com/formbridge/fab"
	"github.com/formbridge/fab/form"
)

// PrimaryWrites are the staged writes against the primary store: the form
// header row, its quote requests and its carrier opt-ins.
type PrimaryWrites struct {
	// Form is the post-batch header row, nil when untouched. FormIsNew marks
	// it as an insert rather than an update.
	Form      *form.Form
	FormIsNew bool

	QuoteUpserts []form.QuoteRequest
	QuoteRemoves []fab.UUID

	CarrierAdds    []string
	CarrierRemoves []string
}

func (w PrimaryWrites) empty() bool {
	return w.Form == nil &&
		len(w.QuoteUpserts) == 0 && len(w.QuoteRemoves) == 0 &&
		len(w.CarrierAdds) == 0 && len(w.CarrierRemoves) == 0
}

// TenantWrites are the staged writes against the tenant store. Either Copy is
// set and the whole document is replaced at the next version, or the
// incremental fields carry per-collection deltas against the current version.
type TenantWrites struct {
	Copy *form.Copy

	AnswerUpserts []form.Answer
	AnswerRemoves []string

	Messages       []form.Message
	MessageRemoves []fab.UUID

	Events       []form.Event
	EventRemoves []fab.UUID
}

func (w TenantWrites) empty() bool {
	return w.Copy == nil &&
		len(w.AnswerUpserts) == 0 && len(w.AnswerRemoves) == 0 &&
		len(w.Messages) == 0 && len(w.MessageRemoves) == 0 &&
		len(w.Events) == 0 && len(w.EventRemoves) == 0
}

// RestorePlan holds the before-images needed to undo the tenant writes by
// hand. The pipeline commits the tenant store before the primary store, so
// when the primary commit fails afterwards the tenant side is already
// durable and must be walked back from these images. The primary side needs
// no restore plan: its transaction never commits in that scenario.
type RestorePlan struct {
	// Copy restores the whole document; DeleteCopy removes it instead, for a
	// failed first save that inserted it. At most one of the two is set.
	Copy       *form.Copy
	DeleteCopy bool

	Answers       []form.Answer
	AnswerRemoves []string

	Messages       []form.Message
	MessageRemoves []fab.UUID

	Events       []form.Event
	EventRemoves []fab.UUID
}

func (r RestorePlan) empty() bool {
	return r.Copy == nil && !r.DeleteCopy &&
		len(r.Answers) == 0 && len(r.AnswerRemoves) == 0 &&
		len(r.Messages) == 0 && len(r.MessageRemoves) == 0 &&
		len(r.Events) == 0 && len(r.EventRemoves) == 0
}

// CommitPlan is the frozen output of Changeset.Finalize: everything the
// pipeline needs to apply the batch, restore it on a half-committed failure,
// and dispatch its deferred actions. Plans are plain values with no reference
// back into the changeset.
type CommitPlan struct {
	Scope  fab.Scope
	FormID fab.UUID

	Primary PrimaryWrites
	Tenant  TenantWrites
	Restore RestorePlan

	Actions []Action
}

// Empty reports whether the plan carries no store writes at all. An empty
// plan may still carry deferred actions.
func (p *CommitPlan) Empty() bool {
	return p.Primary.empty() && p.Tenant.empty()
}
