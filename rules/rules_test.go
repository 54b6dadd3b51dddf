package rules

import (
	"context"
	"testing"
	"time"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
	"github.com/formbridge/fab/batch/mocks"
	"github.com/formbridge/fab/form"
)

func testScope() fab.Scope {
	return fab.Scope{Tenant: "acme"}
}

// testChangeset builds a live changeset over one loaded form: a spouse answer,
// a disabled household question set and whatever quotes and carriers the test
// seeds.
func testChangeset(t *testing.T, quotes []form.QuoteRequest, carriers []string) *batch.Changeset {
	t.Helper()
	id := fab.NewUUID()
	f := &form.Form{ID: id, Tenant: "acme", Kind: "auto.quote", Status: form.Draft, CopyVersion: 1}
	cp := form.NewCopy(id)
	cp.Answers["applicant.has_spouse"] = form.Answer{Code: "applicant.has_spouse", Value: false, Source: "user"}
	cp.QuestionSets["household"] = form.QuestionSet{Code: "household", Position: 2, Enabled: false}

	cs, err := batch.NewBuilder(testScope(), f, cp).WithQuoteRequests(quotes).WithCarriers(carriers).Build()
	if err != nil {
		t.Fatalf("build changeset: %v", err)
	}
	return cs
}

// runRules feeds the currently pending changes to each matching rule once, the
// way a single check-flow pass would.
func runRules(t *testing.T, cs *batch.Changeset, rules ...Rule) {
	t.Helper()
	for _, ch := range cs.Changed() {
		for _, r := range rules {
			if !r.Matches(ch) {
				continue
			}
			if err := r.Apply(context.Background(), cs, ch); err != nil {
				t.Fatalf("apply %s: %v", r.Name(), err)
			}
		}
	}
}

// pendingEvents collects the events appended so far, in change-record order.
func pendingEvents(cs *batch.Changeset) []form.Event {
	var out []form.Event
	for _, ch := range cs.Changed() {
		if ch.Entity != batch.EntityEvent || ch.Action != batch.ChangeAdd {
			continue
		}
		if e, ok := ch.After.(form.Event); ok {
			out = append(out, e)
		}
	}
	return out
}

func Test_When_MatchesAndApplies(t *testing.T) {
	applied := 0
	r, err := When("carrier-watch", `entity == "carrier"`, func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
		applied++
		return nil
	})
	if err != nil {
		t.Fatalf("when: %v", err)
	}
	if r.Name() != "carrier-watch" {
		t.Errorf("name = %s", r.Name())
	}

	carrier := batch.Change{Entity: batch.EntityCarrier, Key: "acme-ins", Action: batch.ChangeAdd}
	answer := batch.Change{Entity: batch.EntityAnswer, Key: "x", Action: batch.ChangeAdd, After: form.Answer{Code: "x"}}
	if !r.Matches(carrier) {
		t.Error("carrier change should match")
	}
	if r.Matches(answer) {
		t.Error("answer change should not match")
	}
	if err := r.Apply(context.Background(), nil, carrier); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d", applied)
	}
}

func Test_When_RejectsBadInputs(t *testing.T) {
	nop := func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error { return nil }
	if _, err := When("", `entity == "answer"`, nop); err == nil {
		t.Error("empty name should fail")
	}
	if _, err := When("x", `entity == "answer"`, nil); err == nil {
		t.Error("nil apply should fail")
	}
	if _, err := When("x", `entity ==`, nop); err == nil {
		t.Error("malformed expression should fail")
	}
	defer func() {
		if recover() == nil {
			t.Error("MustWhen should panic on a malformed expression")
		}
	}()
	MustWhen("x", `entity ==`, nop)
}

func Test_When_ConditionErrorIsNonMatch(t *testing.T) {
	r := MustWhen("needs-after", `after.value == true`, func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
		return nil
	})
	// Carrier changes carry no payload, so selecting after.value errors
	// inside CEL. That must surface as a non-match, not a panic.
	if r.Matches(batch.Change{Entity: batch.EntityCarrier, Key: "acme-ins", Action: batch.ChangeAdd}) {
		t.Error("unevaluable condition should not match")
	}
}

func Test_AnswerToggle_TracksAnswerState(t *testing.T) {
	cs := testChangeset(t, nil, nil)
	rule, err := NewAnswerToggle("spouse-household", "applicant.has_spouse", "household",
		`action != "remove" && after.value == true`)
	if err != nil {
		t.Fatalf("new answer toggle: %v", err)
	}

	if err := cs.PutAnswer("applicant.has_spouse", true, "user"); err != nil {
		t.Fatalf("put answer: %v", err)
	}
	runRules(t, cs, rule)
	m, err := cs.QuestionSet("household")
	if err != nil {
		t.Fatalf("question set: %v", err)
	}
	if !m.Get().Enabled {
		t.Error("household should be enabled after spouse answer turned true")
	}

	if err := cs.PutAnswer("applicant.has_spouse", false, "user"); err != nil {
		t.Fatalf("put answer: %v", err)
	}
	runRules(t, cs, rule)
	if m.Get().Enabled {
		t.Error("household should be disabled after spouse answer turned false")
	}
}

func Test_AnswerToggle_RejectsBadInputs(t *testing.T) {
	if _, err := NewAnswerToggle("", "a", "qs", `true`); err == nil {
		t.Error("empty name should fail")
	}
	if _, err := NewAnswerToggle("x", "", "qs", `true`); err == nil {
		t.Error("empty answer code should fail")
	}
	if _, err := NewAnswerToggle("x", "a", "", `true`); err == nil {
		t.Error("empty question set code should fail")
	}
	if _, err := NewAnswerToggle("x", "a", "qs", `action !=`); err == nil {
		t.Error("malformed expression should fail")
	}
}

func Test_QuoteDispatch_QueuesSubmissionAndEvent(t *testing.T) {
	draft := form.NewQuoteRequest("acme-ins")
	cs := testChangeset(t, []form.QuoteRequest{draft}, []string{"acme-ins"})

	if err := cs.SubmitQuoteRequest(draft.ID); err != nil {
		t.Fatalf("submit quote: %v", err)
	}
	runRules(t, cs, NewQuoteDispatch())

	actions := cs.Actions()
	if len(actions) != 1 || actions[0].Kind != batch.ActionSubmitQuote {
		t.Fatalf("actions = %+v", actions)
	}
	payload, ok := actions[0].Payload.(QuoteSubmission)
	if !ok {
		t.Fatalf("payload = %#v", actions[0].Payload)
	}
	if payload.FormID != cs.FormID() || payload.QuoteID != draft.ID || payload.CarrierCode != "acme-ins" {
		t.Errorf("payload = %+v", payload)
	}

	events := pendingEvents(cs)
	if len(events) != 1 || events[0].Kind != form.EventQuoteSubmitted {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Payload["carrier_code"] != "acme-ins" {
		t.Errorf("event payload = %+v", events[0].Payload)
	}
}

func Test_QuoteDispatch_SkipsAlreadySubmitted(t *testing.T) {
	ts := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	submitted := form.QuoteRequest{ID: fab.NewUUID(), CarrierCode: "acme-ins", Status: form.QuoteSubmitted, SubmittedAt: &ts}
	cs := testChangeset(t, []form.QuoteRequest{submitted}, []string{"acme-ins"})

	m, err := cs.QuoteRequest(submitted.ID)
	if err != nil {
		t.Fatalf("quote request: %v", err)
	}
	later := ts.Add(time.Hour)
	if err := m.Apply(form.QuoteRequestPatch{SubmittedAt: &later}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	runRules(t, cs, NewQuoteDispatch())

	if len(cs.Actions()) != 0 {
		t.Errorf("actions = %+v, want none", cs.Actions())
	}
}

func Test_CarrierWithdrawal_DropsOnlyThatCarriersDrafts(t *testing.T) {
	draftAcme := form.NewQuoteRequest("acme-ins")
	ts := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	submittedAcme := form.QuoteRequest{ID: fab.NewUUID(), CarrierCode: "acme-ins", Status: form.QuoteSubmitted, SubmittedAt: &ts}
	draftZenith := form.NewQuoteRequest("zenith")
	cs := testChangeset(t,
		[]form.QuoteRequest{draftAcme, submittedAcme, draftZenith},
		[]string{"acme-ins", "zenith"})

	if err := cs.OptOutCarrier("acme-ins"); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	runRules(t, cs, NewCarrierWithdrawal())

	quotes := cs.QuoteRequests()
	if quotes.Has(draftAcme.Key()) {
		t.Error("acme draft should be withdrawn")
	}
	if !quotes.Has(submittedAcme.Key()) {
		t.Error("submitted acme quote must survive the opt-out")
	}
	if !quotes.Has(draftZenith.Key()) {
		t.Error("zenith draft must survive the opt-out")
	}
}

func Test_CarrierAudit_RecordsOptInAndOut(t *testing.T) {
	cs := testChangeset(t, nil, []string{"acme-ins"})
	if err := cs.OptInCarrier("globex-ins"); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if err := cs.OptOutCarrier("acme-ins"); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	runRules(t, cs, NewCarrierAudit())

	kinds := map[form.EventKind]string{}
	for _, e := range pendingEvents(cs) {
		code, _ := e.Payload["carrier_code"].(string)
		kinds[e.Kind] = code
	}
	if kinds[form.EventCarrierOptedIn] != "globex-ins" {
		t.Errorf("opt-in event = %+v", kinds)
	}
	if kinds[form.EventCarrierOptedOut] != "acme-ins" {
		t.Errorf("opt-out event = %+v", kinds)
	}
}

func Test_QuestionSetAudit_FiresOnEnableFlipOnly(t *testing.T) {
	cs := testChangeset(t, nil, nil)
	if err := cs.ToggleQuestionSet("household", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	runRules(t, cs, NewQuestionSetAudit())
	events := pendingEvents(cs)
	if len(events) != 1 || events[0].Kind != form.EventQuestionSetToggled {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Payload["enabled"] != true {
		t.Errorf("event payload = %+v", events[0].Payload)
	}

	quiet := testChangeset(t, nil, nil)
	m, err := quiet.QuestionSet("household")
	if err != nil {
		t.Fatalf("question set: %v", err)
	}
	title := "Household members"
	if err := m.Apply(form.QuestionSetPatch{Title: &title}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	runRules(t, quiet, NewQuestionSetAudit())
	if len(pendingEvents(quiet)) != 0 {
		t.Error("title-only update should not be audited")
	}
}

func Test_FormCreatedAudit_FiresOnFirstBatch(t *testing.T) {
	id := fab.NewUUID()
	f := &form.Form{ID: id, Tenant: "acme", Kind: "auto.quote", Status: form.Draft, CopyVersion: 1}
	cs, err := batch.NewBuilder(testScope(), f, nil).AsNew().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	runRules(t, cs, NewFormCreatedAudit())

	events := pendingEvents(cs)
	if len(events) != 1 || events[0].Kind != form.EventFormCreated {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Payload["kind"] != "auto.quote" {
		t.Errorf("event payload = %+v", events[0].Payload)
	}
}

func Test_NewDefaultRegistry_CountsBuiltIns(t *testing.T) {
	if n := NewDefaultRegistry().Len(); n != 6 {
		t.Errorf("len = %d, want 6", n)
	}
}

func Test_Install_EndToEndSave(t *testing.T) {
	ctx := context.Background()
	scope := testScope()
	id := fab.NewUUID()
	now := fab.Now()
	f := form.Form{ID: id, Tenant: scope.Tenant, Kind: "auto.quote", Status: form.Draft, CopyVersion: 1, CreatedAt: now, UpdatedAt: now}
	cp := form.NewCopy(id)
	cp.Answers["applicant.has_spouse"] = form.Answer{Code: "applicant.has_spouse", Value: false, Source: "user"}
	cp.QuestionSets["household"] = form.QuestionSet{Code: "household", Position: 2, Enabled: false}

	cache := mocks.NewMockCache()
	primary := mocks.NewMockPrimaryStore()
	tenant := mocks.NewMockTenantStore()
	primary.SeedForm(scope, f)
	tenant.SeedCopy(scope, cp)

	engine, err := batch.NewEngine(fab.EngineOptions{}, cache, primary, tenant, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	Install(engine.Rules())
	toggle, err := NewAnswerToggle("spouse-household", "applicant.has_spouse", "household",
		`action != "remove" && after.value == true`)
	if err != nil {
		t.Fatalf("new answer toggle: %v", err)
	}
	engine.Rules().MustRegister(toggle)

	var submitted []QuoteSubmission
	engine.Actions().Register(batch.ActionSubmitQuote, func(ctx context.Context, scope fab.Scope, a batch.Action) error {
		submitted = append(submitted, a.Payload.(QuoteSubmission))
		return nil
	})

	ct, err := engine.FindAndLock(ctx, scope, id, batch.AcquireOptions{})
	if err != nil {
		t.Fatalf("find and lock: %v", err)
	}
	cs := ct.Changeset()
	if err := cs.PutAnswer("applicant.has_spouse", true, "user"); err != nil {
		t.Fatalf("put answer: %v", err)
	}
	if err := cs.OptInCarrier("globex-ins"); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	q, err := cs.AddQuoteRequest("globex-ins")
	if err != nil {
		t.Fatalf("add quote: %v", err)
	}
	if err := cs.SubmitQuoteRequest(q.ID); err != nil {
		t.Fatalf("submit quote: %v", err)
	}
	if err := ct.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	if len(submitted) != 1 || submitted[0].QuoteID != q.ID || submitted[0].CarrierCode != "globex-ins" {
		t.Fatalf("submitted = %+v", submitted)
	}
	got, ok := primary.QuoteByID(scope, id, q.ID)
	if !ok || got.Status != form.QuoteSubmitted {
		t.Fatalf("committed quote = %+v found=%v", got, ok)
	}

	committed, ok := tenant.CopyByID(scope, id)
	if !ok {
		t.Fatal("copy missing after save")
	}
	kinds := map[form.EventKind]int{}
	for _, e := range committed.Events {
		kinds[e.Kind]++
	}
	for _, want := range []form.EventKind{form.EventAnswerChanged, form.EventCarrierOptedIn, form.EventQuoteSubmitted, form.EventQuestionSetToggled} {
		if kinds[want] != 1 {
			t.Errorf("event %s count = %d, want 1 (all: %v)", want, kinds[want], kinds)
		}
	}
	qs, ok := committed.QuestionSets["household"]
	if !ok || !qs.Enabled {
		t.Errorf("household after save = %+v", qs)
	}
}
