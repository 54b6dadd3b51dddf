package rules

import (
	"testing"

	"github.com/formbridge/fab/batch"
	"github.com/formbridge/fab/form"
)

func Test_NewCondition_RejectsBadExpressions(t *testing.T) {
	if _, err := NewCondition(""); err == nil {
		t.Error("empty expression should fail")
	}
	if _, err := NewCondition(`entity ==`); err == nil {
		t.Error("malformed expression should fail")
	}
	c, err := NewCondition(`entity == "answer"`)
	if err != nil {
		t.Fatalf("valid expression failed: %v", err)
	}
	if c.Expression != `entity == "answer"` {
		t.Errorf("expression = %q", c.Expression)
	}
}

func Test_Condition_EvaluatesChangeFacts(t *testing.T) {
	ch := batch.Change{
		Entity: batch.EntityAnswer,
		Key:    "applicant.has_spouse",
		Action: batch.ChangeUpdate,
		Before: form.Answer{Code: "applicant.has_spouse", Value: false, Source: "user"},
		After:  form.Answer{Code: "applicant.has_spouse", Value: true, Source: "user"},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`entity == "answer" && after.value == true`, true},
		{`before.value == true`, false},
		{`action == "remove"`, false},
		{`key == "applicant.has_spouse" && after.source == "user"`, true},
	}
	for _, tc := range cases {
		c, err := NewCondition(tc.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.expr, err)
		}
		got, err := c.Evaluate(ch)
		if err != nil {
			t.Fatalf("evaluate %q: %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("%q = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func Test_Condition_MissingSideIsEmptyMap(t *testing.T) {
	ch := batch.Change{
		Entity: batch.EntityAnswer,
		Key:    "vehicle.vin",
		Action: batch.ChangeAdd,
		After:  form.Answer{Code: "vehicle.vin", Value: "1G1"},
	}
	c, err := NewCondition(`!has(before.value) && has(after.value)`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got, err := c.Evaluate(ch)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !got {
		t.Error("add change should have no before and an after")
	}
}

func Test_Condition_NonBooleanExpressionFailsOnEvaluate(t *testing.T) {
	c, err := NewCondition(`key`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := c.Evaluate(batch.Change{Entity: batch.EntityAnswer, Key: "x", Action: batch.ChangeAdd}); err == nil {
		t.Error("string-valued expression should fail to evaluate as a condition")
	}
}
