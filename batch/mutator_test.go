package batch

import (
	"testing"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/form"
)

func Test_Mutator_ApplyComposesPatches(t *testing.T) {
	a := form.Answer{Code: "applicant.name", Value: "Ann", Source: "user"}
	m := newMutator[form.Answer, form.AnswerPatch, form.AnswerSnapshot](a, getAction, true, &liveness{})

	v1 := any("Beth")
	if err := m.Apply(form.AnswerPatch{Value: &v1}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	src := "import"
	if err := m.Apply(form.AnswerPatch{Source: &src}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	got := m.Get()
	if got.Value != "Beth" || got.Source != "import" {
		t.Errorf("patches did not compose, got %+v", got)
	}
	if !m.Dirty() {
		t.Error("mutator should be dirty after value change")
	}
}

func Test_Mutator_IdenticalPatchStaysClean(t *testing.T) {
	a := form.Answer{Code: "applicant.name", Value: "Ann", Source: "user"}
	m := newMutator[form.Answer, form.AnswerPatch, form.AnswerSnapshot](a, getAction, true, &liveness{})

	same := any("Ann")
	if err := m.Apply(form.AnswerPatch{Value: &same}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if m.Dirty() {
		t.Error("identical value should leave the mutator clean")
	}
}

func Test_Mutator_SetRejectsForeignKey(t *testing.T) {
	p := form.Pool{Code: "drivers", Capacity: 4}
	m := newMutator[form.Pool, form.PoolPatch, form.PoolSnapshot](p, getAction, true, &liveness{})

	if err := m.Set(form.Pool{Code: "vehicles", Capacity: 2}); err == nil {
		t.Fatal("replacing with a different key must fail")
	}
	if err := m.Set(form.Pool{Code: "drivers", Capacity: 2}); err != nil {
		t.Fatalf("same-key replace failed: %v", err)
	}
	if got := m.Get().Capacity; got != 2 {
		t.Errorf("capacity = %d, want 2", got)
	}
}

func Test_Mutator_RemovedRejectsWrites(t *testing.T) {
	a := form.Answer{Code: "applicant.age", Value: 40}
	m := newMutator[form.Answer, form.AnswerPatch, form.AnswerSnapshot](a, getAction, true, &liveness{})

	if err := m.MarkRemoved(); err != nil {
		t.Fatalf("mark removed failed: %v", err)
	}
	v := any(41)
	if err := m.Apply(form.AnswerPatch{Value: &v}); err == nil {
		t.Fatal("patching a removed entity must fail")
	}
	if !m.Removed() || !m.Dirty() {
		t.Error("removed entity should report Removed and Dirty")
	}
}

func Test_Mutator_SealedFailsStaleAccess(t *testing.T) {
	live := &liveness{}
	a := form.Answer{Code: "applicant.age", Value: 40}
	m := newMutator[form.Answer, form.AnswerPatch, form.AnswerSnapshot](a, getAction, true, live)

	live.sealed = true
	v := any(41)
	err := m.Apply(form.AnswerPatch{Value: &v})
	if !fab.IsCode(err, fab.StaleAccess) {
		t.Fatalf("want StaleAccess, got %v", err)
	}
	if err := m.MarkRemoved(); !fab.IsCode(err, fab.StaleAccess) {
		t.Fatalf("want StaleAccess from MarkRemoved, got %v", err)
	}
}
