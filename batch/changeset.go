package batch

import (
	"fmt"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/form"
)

// Collection tags used in change records and error messages. Rules match on
// these via Change.Entity.
const (
	EntityForm        = "form"
	EntityAnswer      = "answer"
	EntityPool        = "pool"
	EntityQuestionSet = "question_set"
	EntityQuote       = "quote_request"
	EntityMessage     = "message"
	EntityEvent       = "event"
	EntityCarrier     = "carrier"
)

// Changeset accumulates every pending mutation against one form and its copy
// document inside a single locked batch. All accessors hand out live mutators
// and accumulators that share one liveness token, so once the batch is saved
// or released every held reference fails with StaleAccess instead of silently
// writing into the void.
//
// Mutations are buffered only. Nothing reaches a store until the commit
// pipeline finalizes the changeset into a CommitPlan and applies it.
type Changeset struct {
	scope fab.Scope
	live  *liveness
	isNew bool

	form *Mutator[form.Form, form.FormPatch, form.FormSnapshot]
	// original is the pristine copy document as loaded. Finalize reads it for
	// restore images and the structural rewrite base. Never mutated.
	original *form.Copy

	answers      *SnapshotAccumulator[form.Answer, form.AnswerPatch, form.AnswerSnapshot]
	pools        *SnapshotAccumulator[form.Pool, form.PoolPatch, form.PoolSnapshot]
	questionSets *SnapshotAccumulator[form.QuestionSet, form.QuestionSetPatch, form.QuestionSetSnapshot]
	quotes       *SnapshotAccumulator[form.QuoteRequest, form.QuoteRequestPatch, form.QuoteRequestSnapshot]

	messages *SimpleAccumulator[fab.UUID]
	events   *SimpleAccumulator[fab.UUID]
	carriers *SimpleAccumulator[string]

	newMessages map[fab.UUID]form.Message
	newEvents   map[fab.UUID]form.Event

	actions []Action

	// ruleSeen holds the change fingerprints already fed to the check flow.
	// Kept on the changeset so a retried save does not replay rules over
	// states they already processed.
	ruleSeen map[string]bool
}

// Builder assembles a Changeset from the loaded state of one form. The engine
// is the usual caller, but tests and tooling can build one directly.
type Builder struct {
	scope    fab.Scope
	form     *form.Form
	copyDoc  *form.Copy
	quotes   []form.QuoteRequest
	carriers []string
	isNew    bool
}

// NewBuilder starts a builder over the given form and its copy document.
func NewBuilder(scope fab.Scope, f *form.Form, cp *form.Copy) *Builder {
	return &Builder{scope: scope, form: f, copyDoc: cp}
}

// WithQuoteRequests seeds the loaded quote requests from the primary store.
func (b *Builder) WithQuoteRequests(quotes []form.QuoteRequest) *Builder {
	b.quotes = quotes
	return b
}

// WithCarriers seeds the current carrier opt-in codes from the primary store.
func (b *Builder) WithCarriers(codes []string) *Builder {
	b.carriers = codes
	return b
}

// AsNew marks the form as not yet persisted, so finalize emits it as an
// insert even when no field changes after construction.
func (b *Builder) AsNew() *Builder {
	b.isNew = true
	return b
}

// Build validates the loaded state and returns the live changeset.
func (b *Builder) Build() (*Changeset, error) {
	if err := b.scope.Validate(); err != nil {
		return nil, err
	}
	if b.form == nil {
		return nil, fmt.Errorf("changeset requires a form")
	}
	if b.form.ID.IsNil() {
		return nil, fmt.Errorf("changeset requires a form with an ID")
	}
	if b.form.Tenant != b.scope.Tenant {
		return nil, fmt.Errorf("form %s belongs to tenant %s, not %s", b.form.ID, b.form.Tenant, b.scope.Tenant)
	}
	cp := b.copyDoc
	if cp == nil {
		if !b.isNew {
			return nil, fmt.Errorf("changeset requires the copy document of form %s", b.form.ID)
		}
		cp = form.NewCopy(b.form.ID)
	}
	if cp.FormID != b.form.ID {
		return nil, fmt.Errorf("copy belongs to form %s, not %s", cp.FormID, b.form.ID)
	}

	orig := cp.Clone()
	live := &liveness{}

	formAction := getAction
	hasOrigin := true
	if b.isNew {
		formAction = addAction
		hasOrigin = false
	}

	quoteSource := make(map[string]form.QuoteRequest, len(b.quotes))
	for _, q := range b.quotes {
		quoteSource[q.Key()] = q
	}
	messageIDs := make([]fab.UUID, 0, len(orig.Messages))
	for _, m := range orig.Messages {
		messageIDs = append(messageIDs, m.ID)
	}
	eventIDs := make([]fab.UUID, 0, len(orig.Events))
	for _, e := range orig.Events {
		eventIDs = append(eventIDs, e.ID)
	}

	cs := &Changeset{
		scope:        b.scope,
		live:         live,
		isNew:        b.isNew,
		form:         newMutator[form.Form, form.FormPatch, form.FormSnapshot](*b.form, formAction, hasOrigin, live),
		original:     orig,
		answers:      newSnapshotAccumulator[form.Answer, form.AnswerPatch, form.AnswerSnapshot](EntityAnswer, orig.Answers, live),
		pools:        newSnapshotAccumulator[form.Pool, form.PoolPatch, form.PoolSnapshot](EntityPool, orig.Pools, live),
		questionSets: newSnapshotAccumulator[form.QuestionSet, form.QuestionSetPatch, form.QuestionSetSnapshot](EntityQuestionSet, orig.QuestionSets, live),
		quotes:       newSnapshotAccumulator[form.QuoteRequest, form.QuoteRequestPatch, form.QuoteRequestSnapshot](EntityQuote, quoteSource, live),
		messages:     newSimpleAccumulator(EntityMessage, messageIDs, live),
		events:       newSimpleAccumulator(EntityEvent, eventIDs, live),
		carriers:     newSimpleAccumulator(EntityCarrier, b.carriers, live),
		newMessages:  map[fab.UUID]form.Message{},
		newEvents:    map[fab.UUID]form.Event{},
		ruleSeen:     map[string]bool{},
	}
	if b.isNew {
		// Nothing of a new form is persisted yet, so seeded carriers and
		// quotes are pending inserts rather than loaded state.
		cs.carriers = newSimpleAccumulator[string](EntityCarrier, nil, live)
		for _, code := range b.carriers {
			if err := cs.carriers.Add(code); err != nil {
				return nil, err
			}
		}
		cs.quotes = newSnapshotAccumulator[form.QuoteRequest, form.QuoteRequestPatch, form.QuoteRequestSnapshot](EntityQuote, nil, live)
		for _, q := range b.quotes {
			if _, err := cs.quotes.Add(q); err != nil {
				return nil, err
			}
		}
	}
	return cs, nil
}

// Scope returns the tenant scope the changeset was opened under.
func (c *Changeset) Scope() fab.Scope {
	return c.scope
}

// FormID returns the ID of the form under mutation.
func (c *Changeset) FormID() fab.UUID {
	return c.form.Get().ID
}

// IsNew reports whether the form is being created in this batch.
func (c *Changeset) IsNew() bool {
	return c.isNew
}

// Form returns the mutator over the form header row.
func (c *Changeset) Form() *Mutator[form.Form, form.FormPatch, form.FormSnapshot] {
	return c.form
}

// Answers returns the accumulator over the copy's answer collection.
func (c *Changeset) Answers() *SnapshotAccumulator[form.Answer, form.AnswerPatch, form.AnswerSnapshot] {
	return c.answers
}

// Pools returns the accumulator over the copy's answer pools.
func (c *Changeset) Pools() *SnapshotAccumulator[form.Pool, form.PoolPatch, form.PoolSnapshot] {
	return c.pools
}

// QuestionSets returns the accumulator over the copy's question sets.
func (c *Changeset) QuestionSets() *SnapshotAccumulator[form.QuestionSet, form.QuestionSetPatch, form.QuestionSetSnapshot] {
	return c.questionSets
}

// QuoteRequests returns the accumulator over the form's quote requests.
func (c *Changeset) QuoteRequests() *SnapshotAccumulator[form.QuoteRequest, form.QuoteRequestPatch, form.QuoteRequestSnapshot] {
	return c.quotes
}

// Messages returns the membership accumulator over the message log.
func (c *Changeset) Messages() *SimpleAccumulator[fab.UUID] {
	return c.messages
}

// Events returns the membership accumulator over the event log.
func (c *Changeset) Events() *SimpleAccumulator[fab.UUID] {
	return c.events
}

// Carriers returns the membership accumulator over carrier opt-ins.
func (c *Changeset) Carriers() *SimpleAccumulator[string] {
	return c.carriers
}

// Answer returns the mutator for one answer code, hydrating it on first use.
func (c *Changeset) Answer(code string) (*Mutator[form.Answer, form.AnswerPatch, form.AnswerSnapshot], error) {
	return c.answers.ForKey(code)
}

// Pool returns the mutator for one pool code.
func (c *Changeset) Pool(code string) (*Mutator[form.Pool, form.PoolPatch, form.PoolSnapshot], error) {
	return c.pools.ForKey(code)
}

// QuestionSet returns the mutator for one question set code.
func (c *Changeset) QuestionSet(code string) (*Mutator[form.QuestionSet, form.QuestionSetPatch, form.QuestionSetSnapshot], error) {
	return c.questionSets.ForKey(code)
}

// QuoteRequest returns the mutator for one quote request.
func (c *Changeset) QuoteRequest(id fab.UUID) (*Mutator[form.QuoteRequest, form.QuoteRequestPatch, form.QuoteRequestSnapshot], error) {
	return c.quotes.ForKey(id.String())
}

// Message returns a pending or loaded message by ID.
func (c *Changeset) Message(id fab.UUID) (form.Message, error) {
	if m, ok := c.newMessages[id]; ok {
		return m, nil
	}
	for _, m := range c.original.Messages {
		if m.ID == id {
			return m, nil
		}
	}
	return form.Message{}, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("message %s not found", id)}
}

// Event returns a pending or loaded event by ID.
func (c *Changeset) Event(id fab.UUID) (form.Event, error) {
	if e, ok := c.newEvents[id]; ok {
		return e, nil
	}
	for _, e := range c.original.Events {
		if e.ID == id {
			return e, nil
		}
	}
	return form.Event{}, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("event %s not found", id)}
}

// PutAnswer records a value for the given answer code, creating the answer
// when the copy does not hold it yet.
func (c *Changeset) PutAnswer(code string, value any, source string) error {
	m, err := c.answers.ForKey(code)
	if err != nil {
		if !fab.IsCode(err, fab.NotFound) {
			return err
		}
		_, err = c.answers.Add(form.Answer{Code: code, Value: value, Source: source})
		return err
	}
	return m.Apply(form.AnswerPatch{Value: &value, Source: &source})
}

// AppendMessage buffers a new message for the form's message log.
func (c *Changeset) AppendMessage(kind form.MessageKind, author, body string) (form.Message, error) {
	msg := form.NewMessage(kind, author, body)
	if err := c.messages.Add(msg.ID); err != nil {
		return form.Message{}, err
	}
	c.newMessages[msg.ID] = msg
	return msg, nil
}

// RemoveMessage drops a message from the log. Removing one appended in this
// batch cancels the append.
func (c *Changeset) RemoveMessage(id fab.UUID) error {
	if err := c.messages.Remove(id); err != nil {
		return err
	}
	delete(c.newMessages, id)
	return nil
}

// AppendEvent buffers a new event for the form's event log.
func (c *Changeset) AppendEvent(kind form.EventKind, payload map[string]any) (form.Event, error) {
	evt := form.NewEvent(kind, payload)
	if err := c.events.Add(evt.ID); err != nil {
		return form.Event{}, err
	}
	c.newEvents[evt.ID] = evt
	return evt, nil
}

// OptInCarrier adds a carrier to the form's opt-in set.
func (c *Changeset) OptInCarrier(code string) error {
	return c.carriers.Add(code)
}

// OptOutCarrier removes a carrier from the form's opt-in set.
func (c *Changeset) OptOutCarrier(code string) error {
	return c.carriers.Remove(code)
}

// AddQuoteRequest starts a draft quote request for the given carrier.
func (c *Changeset) AddQuoteRequest(carrierCode string) (form.QuoteRequest, error) {
	q := form.NewQuoteRequest(carrierCode)
	if _, err := c.quotes.Add(q); err != nil {
		return form.QuoteRequest{}, err
	}
	return q, nil
}

// SubmitQuoteRequest marks a quote request submitted as of now.
func (c *Changeset) SubmitQuoteRequest(id fab.UUID) error {
	m, err := c.quotes.ForKey(id.String())
	if err != nil {
		return err
	}
	now := fab.Now()
	status := form.QuoteSubmitted
	return m.Apply(form.QuoteRequestPatch{Status: &status, SubmittedAt: &now})
}

// ToggleQuestionSet enables or disables one question set.
func (c *Changeset) ToggleQuestionSet(code string, enabled bool) error {
	m, err := c.questionSets.ForKey(code)
	if err != nil {
		return err
	}
	return m.Apply(form.QuestionSetPatch{Enabled: &enabled})
}

// EnqueueAction appends a deferred action to the batch. Actions run in FIFO
// order only after the batch commits.
func (c *Changeset) EnqueueAction(kind ActionKind, payload any) error {
	if err := c.live.check(); err != nil {
		return err
	}
	c.actions = append(c.actions, Action{Kind: kind, Payload: payload})
	return nil
}

// Actions returns the queued deferred actions in FIFO order.
func (c *Changeset) Actions() []Action {
	return append([]Action(nil), c.actions...)
}

// Dirty reports whether the batch holds any pending store writes.
func (c *Changeset) Dirty() bool {
	return c.form.Dirty() || c.isNew ||
		c.answers.dirty() || c.pools.dirty() || c.questionSets.dirty() || c.quotes.dirty() ||
		c.messages.dirty() || c.events.dirty() || c.carriers.dirty()
}

// Changed reports every currently pending change as flat records, in the
// same shape the check flow feeds to rules.
func (c *Changeset) Changed() []Change {
	return c.pendingChanges()
}

// pendingChanges reports every currently pending change as flat records for
// rule matching. Order is stable: form first, then each collection in a fixed
// sequence, members sorted by key, membership logs in call order.
func (c *Changeset) pendingChanges() []Change {
	var out []Change
	if c.form.Dirty() {
		ch := Change{Entity: EntityForm, Key: c.form.Key(), Action: ChangeUpdate, After: c.form.working}
		if c.form.Added() {
			ch.Action = ChangeAdd
		} else {
			ch.Before = c.form.loaded
		}
		out = append(out, ch)
	}
	out = append(out, c.answers.changes()...)
	out = append(out, c.pools.changes()...)
	out = append(out, c.questionSets.changes()...)
	out = append(out, c.quotes.changes()...)

	msgAdds, msgRems := c.messages.Finalize()
	for _, id := range msgAdds {
		out = append(out, Change{Entity: EntityMessage, Key: id.String(), Action: ChangeAdd, After: c.newMessages[id]})
	}
	for _, id := range msgRems {
		ch := Change{Entity: EntityMessage, Key: id.String(), Action: ChangeRemove}
		if m, err := c.Message(id); err == nil {
			ch.Before = m
		}
		out = append(out, ch)
	}
	evtAdds, evtRems := c.events.Finalize()
	for _, id := range evtAdds {
		out = append(out, Change{Entity: EntityEvent, Key: id.String(), Action: ChangeAdd, After: c.newEvents[id]})
	}
	for _, id := range evtRems {
		ch := Change{Entity: EntityEvent, Key: id.String(), Action: ChangeRemove}
		if e, err := c.Event(id); err == nil {
			ch.Before = e
		}
		out = append(out, ch)
	}
	carrierAdds, carrierRems := c.carriers.Finalize()
	for _, code := range carrierAdds {
		out = append(out, Change{Entity: EntityCarrier, Key: code, Action: ChangeAdd})
	}
	for _, code := range carrierRems {
		out = append(out, Change{Entity: EntityCarrier, Key: code, Action: ChangeRemove})
	}
	return out
}

// structuralChange reports whether the copy document needs a wholesale
// rewrite. Any pool or question set change reshapes the document layout, so
// both count as structural.
func (c *Changeset) structuralChange() bool {
	return c.pools.dirty() || c.questionSets.dirty()
}

// buildCopy assembles the replacement copy document from the current working
// membership of every collection, one version above the original.
func (c *Changeset) buildCopy() *form.Copy {
	next := &form.Copy{
		FormID:       c.original.FormID,
		Version:      c.original.Version + 1,
		Answers:      c.answers.members(),
		Pools:        c.pools.members(),
		QuestionSets: c.questionSets.members(),
	}
	_, msgRems := c.messages.Finalize()
	removed := make(map[fab.UUID]bool, len(msgRems))
	for _, id := range msgRems {
		removed[id] = true
	}
	for _, m := range c.original.Messages {
		if !removed[m.ID] {
			next.Messages = append(next.Messages, m)
		}
	}
	msgAdds, _ := c.messages.Finalize()
	for _, id := range msgAdds {
		if m, ok := c.newMessages[id]; ok {
			next.Messages = append(next.Messages, m)
		}
	}
	evtAdds, evtRems := c.events.Finalize()
	removedEvents := make(map[fab.UUID]bool, len(evtRems))
	for _, id := range evtRems {
		removedEvents[id] = true
	}
	for _, e := range c.original.Events {
		if !removedEvents[e.ID] {
			next.Events = append(next.Events, e)
		}
	}
	for _, id := range evtAdds {
		if e, ok := c.newEvents[id]; ok {
			next.Events = append(next.Events, e)
		}
	}
	return next
}

// Finalize freezes the accumulated state into a commit plan. The changeset
// itself stays live, so a failed commit can be corrected and finalized again.
func (c *Changeset) Finalize() (*CommitPlan, error) {
	if err := c.live.check(); err != nil {
		return nil, err
	}
	plan := &CommitPlan{
		Scope:   c.scope,
		FormID:  c.FormID(),
		Actions: append([]Action(nil), c.actions...),
	}

	structural := !c.isNew && c.structuralChange()
	working := c.form.working
	if structural {
		working.CopyVersion = c.original.Version + 1
	}
	if c.isNew || structural || c.form.Dirty() {
		plan.Primary.Form = &working
		plan.Primary.FormIsNew = c.isNew
	}

	quoteAdds, quoteUpdates, quoteRemoveKeys := c.quotes.finalize()
	plan.Primary.QuoteUpserts = append(quoteAdds, quoteUpdates...)
	for _, key := range quoteRemoveKeys {
		id, err := fab.ParseUUID(key)
		if err != nil {
			return nil, fmt.Errorf("quote request key %q is not a UUID: %w", key, err)
		}
		plan.Primary.QuoteRemoves = append(plan.Primary.QuoteRemoves, id)
	}
	plan.Primary.CarrierAdds, plan.Primary.CarrierRemoves = c.carriers.Finalize()

	if c.isNew {
		// First save of a new form writes the whole seeded document at its
		// initial version. Nothing existed before, so restoring means
		// deleting the document again.
		plan.Tenant.Copy = c.buildCopy()
		plan.Tenant.Copy.Version = c.original.Version
		plan.Restore.DeleteCopy = true
		return plan, nil
	}
	if structural {
		plan.Tenant.Copy = c.buildCopy()
		plan.Restore.Copy = c.original.Clone()
		return plan, nil
	}

	answerAdds, answerUpdates, answerRemoves := c.answers.finalize()
	plan.Tenant.AnswerUpserts = append(answerAdds, answerUpdates...)
	plan.Tenant.AnswerRemoves = answerRemoves
	for _, a := range plan.Tenant.AnswerUpserts {
		if orig, ok := c.original.Answers[a.Code]; ok {
			plan.Restore.Answers = append(plan.Restore.Answers, orig)
		} else {
			plan.Restore.AnswerRemoves = append(plan.Restore.AnswerRemoves, a.Code)
		}
	}
	for _, code := range answerRemoves {
		if orig, ok := c.original.Answers[code]; ok {
			plan.Restore.Answers = append(plan.Restore.Answers, orig)
		}
	}

	msgAdds, msgRems := c.messages.Finalize()
	for _, id := range msgAdds {
		if m, ok := c.newMessages[id]; ok {
			plan.Tenant.Messages = append(plan.Tenant.Messages, m)
			plan.Restore.MessageRemoves = append(plan.Restore.MessageRemoves, id)
		}
	}
	for _, id := range msgRems {
		plan.Tenant.MessageRemoves = append(plan.Tenant.MessageRemoves, id)
		if m, err := c.Message(id); err == nil {
			plan.Restore.Messages = append(plan.Restore.Messages, m)
		}
	}

	evtAdds, evtRems := c.events.Finalize()
	for _, id := range evtAdds {
		if e, ok := c.newEvents[id]; ok {
			plan.Tenant.Events = append(plan.Tenant.Events, e)
			plan.Restore.EventRemoves = append(plan.Restore.EventRemoves, id)
		}
	}
	for _, id := range evtRems {
		plan.Tenant.EventRemoves = append(plan.Tenant.EventRemoves, id)
		if e, err := c.Event(id); err == nil {
			plan.Restore.Events = append(plan.Restore.Events, e)
		}
	}
	return plan, nil
}

// seal invalidates the changeset and every mutator and accumulator handed out
// from it. Called once the batch is saved or released.
func (c *Changeset) seal() {
	c.live.sealed = true
}
