package form

import (
	"testing"

	"github.com/formbridge/fab"
)

func Test_AnswerApplyPatch_MergesOnlySetFields(t *testing.T) {
	a := Answer{Code: "name", Value: nil, Source: "import"}

	v := any("John")
	got := a.ApplyPatch(AnswerPatch{Value: &v})

	if got.Value != "John" {
		t.Fatalf("value got %v, want John", got.Value)
	}
	if got.Source != "import" {
		t.Fatalf("source got %s, want import", got.Source)
	}
}

func Test_AnswerSnapshot_StructurallyEqualValuesCompareEqual(t *testing.T) {
	x := Answer{Code: "limits", Value: map[string]any{"per_occurrence": 1000000.0, "aggregate": 2000000.0}}
	y := Answer{Code: "limits", Value: map[string]any{"aggregate": 2000000.0, "per_occurrence": 1000000.0}}

	if x.Snapshot() != y.Snapshot() {
		t.Fatalf("snapshots differ: %v vs %v", x.Snapshot(), y.Snapshot())
	}
}

func Test_AnswerSnapshot_NullValue(t *testing.T) {
	a := Answer{Code: "name"}
	if got := a.Snapshot().Value; got != "null" {
		t.Fatalf("got %s, want null", got)
	}
}

func Test_PoolApplyPatch_ReplacesMembershipWholesale(t *testing.T) {
	p := Pool{Code: "locations", AnswerCodes: []string{"loc1"}}

	got := p.ApplyPatch(PoolPatch{AnswerCodes: []string{"loc1", "loc2"}})

	if got.Snapshot().AnswerCodes != "loc1,loc2" {
		t.Fatalf("got %s, want loc1,loc2", got.Snapshot().AnswerCodes)
	}
	// Original membership must not alias the patch slice.
	if p.Snapshot().AnswerCodes != "loc1" {
		t.Fatalf("original mutated: %s", p.Snapshot().AnswerCodes)
	}
}

func Test_QuestionSetApplyPatch_TogglesEnabled(t *testing.T) {
	q := QuestionSet{Code: "property", Enabled: false}

	on := true
	got := q.ApplyPatch(QuestionSetPatch{Enabled: &on})

	if !got.Enabled {
		t.Fatalf("expected enabled")
	}
	if got.Snapshot() == q.Snapshot() {
		t.Fatalf("snapshot should differ after toggle")
	}
}

func Test_FormApplyPatch_IdenticalValuesKeepSnapshotEqual(t *testing.T) {
	f := Form{ID: fab.NewUUID(), Tenant: "acme", Kind: "bop", Status: Draft, CopyVersion: 1}

	k := "bop"
	got := f.ApplyPatch(FormPatch{Kind: &k})

	if got.Snapshot() != f.Snapshot() {
		t.Fatalf("identical patch should not change the snapshot")
	}
}

func Test_CopyClone_IsDeep(t *testing.T) {
	c := NewCopy(fab.NewUUID())
	c.Answers["name"] = Answer{Code: "name", Value: "John"}
	c.Pools["locations"] = Pool{Code: "locations", AnswerCodes: []string{"loc1"}}

	d := c.Clone()
	d.Answers["name"] = Answer{Code: "name", Value: "Jane"}
	d.Pools["locations"].AnswerCodes[0] = "loc9"

	if c.Answers["name"].Value != "John" {
		t.Fatalf("clone aliased answers map")
	}
	if c.Pools["locations"].AnswerCodes[0] != "loc1" {
		t.Fatalf("clone aliased pool membership")
	}
}

func Test_QuoteRequestSnapshot_IncludesSubmittedAt(t *testing.T) {
	q := NewQuoteRequest("hartford")
	before := q.Snapshot()

	now := fab.Now()
	sub := QuoteSubmitted
	got := q.ApplyPatch(QuoteRequestPatch{Status: &sub, SubmittedAt: &now})

	if got.Snapshot() == before {
		t.Fatalf("snapshot should change after submit")
	}
	if got.Snapshot().Status != QuoteSubmitted {
		t.Fatalf("status got %v, want submitted", got.Snapshot().Status)
	}
}
