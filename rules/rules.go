package rules

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
	"github.com/formbridge/fab/form"
)

// Rule is the contract the check flow drives. Aliased from batch so rule sets
// can be declared without importing the engine package for the interface alone.
type Rule = batch.Rule

// Registry holds rules in registration order.
type Registry = batch.RuleRegistry

// NewRegistry returns an empty rule registry.
func NewRegistry() *Registry {
	return batch.NewRuleRegistry()
}

// ApplyFunc reacts to one matched change by mutating the changeset.
type ApplyFunc func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error

// celRule pairs a compiled condition with an apply function. A condition that
// fails to evaluate is logged and treated as a non-match; a malformed
// expression should surface in tests, not abort tenant saves.
type celRule struct {
	name  string
	cond  *Condition
	apply ApplyFunc
}

// When builds a rule from a CEL condition over change records and an apply
// function run for every change the condition matches.
func When(name, expression string, apply ApplyFunc) (Rule, error) {
	if name == "" {
		return nil, fmt.Errorf("name can't be empty string")
	}
	if apply == nil {
		return nil, fmt.Errorf("rule %s has no apply function", name)
	}
	cond, err := NewCondition(expression)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	return &celRule{name: name, cond: cond, apply: apply}, nil
}

// MustWhen is When for static rule sets wired at startup. Panics on a bad
// expression.
func MustWhen(name, expression string, apply ApplyFunc) Rule {
	r, err := When(name, expression, apply)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *celRule) Name() string {
	return r.name
}

func (r *celRule) Matches(ch batch.Change) bool {
	ok, err := r.cond.Evaluate(ch)
	if err != nil {
		log.Warn(fmt.Sprintf("rule %s condition failed on %s %s: %v", r.name, ch.Entity, ch.Key, err))
		return false
	}
	return ok
}

func (r *celRule) Apply(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
	return r.apply(ctx, cs, ch)
}

// QuoteSubmission is the payload of quote.submit actions: which quote request
// of which form goes to which carrier.
type QuoteSubmission struct {
	FormID      fab.UUID `json:"form_id"`
	QuoteID     fab.UUID `json:"quote_id"`
	CarrierCode string   `json:"carrier_code"`
}

// NewQuoteDispatch reacts to a quote request reaching submitted: it queues the
// quote.submit action for the carrier hand-off and records the audit event.
func NewQuoteDispatch() Rule {
	return MustWhen("quote-submitted-dispatch",
		`entity == "quote_request" && action != "remove" && after.status == "submitted" && (!has(before.status) || before.status != "submitted")`,
		func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
			id, err := fab.ParseUUID(ch.Key)
			if err != nil {
				return fmt.Errorf("quote request key %q is not a UUID: %w", ch.Key, err)
			}
			m, err := cs.QuoteRequest(id)
			if err != nil {
				return err
			}
			q := m.Get()
			payload := QuoteSubmission{FormID: cs.FormID(), QuoteID: q.ID, CarrierCode: q.CarrierCode}
			if err := cs.EnqueueAction(batch.ActionSubmitQuote, payload); err != nil {
				return err
			}
			_, err = cs.AppendEvent(form.EventQuoteSubmitted, map[string]any{
				"quote_id":     q.ID.String(),
				"carrier_code": q.CarrierCode,
			})
			return err
		})
}

// NewCarrierWithdrawal reacts to a carrier opt-out by withdrawing that
// carrier's still-draft quote requests. Submitted requests are left alone;
// recalling those is the carrier integration's business, not the form's.
func NewCarrierWithdrawal() Rule {
	return MustWhen("carrier-optout-withdrawal",
		`entity == "carrier" && action == "remove"`,
		func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
			quotes := cs.QuoteRequests()
			for _, key := range quotes.Keys() {
				m, err := quotes.ForKey(key)
				if err != nil {
					return err
				}
				q := m.Get()
				if q.CarrierCode != ch.Key || q.Status != form.QuoteDraft {
					continue
				}
				if err := quotes.Remove(key); err != nil {
					return err
				}
			}
			return nil
		})
}

// NewCarrierAudit records carrier opt-ins and opt-outs in the event log.
func NewCarrierAudit() Rule {
	return MustWhen("carrier-audit",
		`entity == "carrier"`,
		func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
			kind := form.EventCarrierOptedIn
			if ch.Action == batch.ChangeRemove {
				kind = form.EventCarrierOptedOut
			}
			_, err := cs.AppendEvent(kind, map[string]any{"carrier_code": ch.Key})
			return err
		})
}

// NewQuestionSetAudit records question-set enable flips in the event log.
// Title or layout updates that leave Enabled alone are not audited.
func NewQuestionSetAudit() Rule {
	return MustWhen("question-set-audit",
		`entity == "question_set" && action == "update" && before.enabled != after.enabled`,
		func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
			m, err := cs.QuestionSet(ch.Key)
			if err != nil {
				return err
			}
			_, err = cs.AppendEvent(form.EventQuestionSetToggled, map[string]any{
				"code":    ch.Key,
				"enabled": m.Get().Enabled,
			})
			return err
		})
}

// NewFormCreatedAudit records the creation event on a form's first batch.
func NewFormCreatedAudit() Rule {
	return MustWhen("form-created-audit",
		`entity == "form" && action == "add"`,
		func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
			_, err := cs.AppendEvent(form.EventFormCreated, map[string]any{
				"kind": cs.Form().Get().Kind,
			})
			return err
		})
}

// NewAnswerAudit records every answer change in the event log.
func NewAnswerAudit() Rule {
	return MustWhen("answer-audit",
		`entity == "answer"`,
		func(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
			_, err := cs.AppendEvent(form.EventAnswerChanged, map[string]any{
				"code":   ch.Key,
				"action": string(ch.Action),
			})
			return err
		})
}

// answerToggle flips one question set on or off from the state of one answer.
type answerToggle struct {
	name            string
	answerCode      string
	questionSetCode string
	cond            *Condition
}

// NewAnswerToggle builds the template-driven relevance rule: whenever the
// given answer changes, the expression is evaluated against the change and
// the question set is toggled to its result. Expressions guard the remove
// case themselves, e.g. `action != "remove" && after.value == true`.
func NewAnswerToggle(name, answerCode, questionSetCode, expression string) (Rule, error) {
	if name == "" {
		return nil, fmt.Errorf("name can't be empty string")
	}
	if answerCode == "" || questionSetCode == "" {
		return nil, fmt.Errorf("rule %s needs an answer code and a question set code", name)
	}
	cond, err := NewCondition(expression)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	return &answerToggle{
		name:            name,
		answerCode:      answerCode,
		questionSetCode: questionSetCode,
		cond:            cond,
	}, nil
}

func (r *answerToggle) Name() string {
	return r.name
}

func (r *answerToggle) Matches(ch batch.Change) bool {
	return ch.Entity == batch.EntityAnswer && ch.Key == r.answerCode
}

func (r *answerToggle) Apply(ctx context.Context, cs *batch.Changeset, ch batch.Change) error {
	enabled, err := r.cond.Evaluate(ch)
	if err != nil {
		return err
	}
	m, err := cs.QuestionSet(r.questionSetCode)
	if err != nil {
		return err
	}
	if m.Get().Enabled == enabled {
		return nil
	}
	return cs.ToggleQuestionSet(r.questionSetCode, enabled)
}

// Install registers the built-in rules on an existing registry, typically an
// engine's own: quote dispatch, carrier opt-out handling and the audit-trail
// rules. Template-specific toggles are registered on top.
func Install(r *Registry) {
	r.MustRegister(NewCarrierWithdrawal())
	r.MustRegister(NewQuoteDispatch())
	r.MustRegister(NewCarrierAudit())
	r.MustRegister(NewQuestionSetAudit())
	r.MustRegister(NewFormCreatedAudit())
	r.MustRegister(NewAnswerAudit())
}

// NewDefaultRegistry returns a fresh registry holding the built-in rules.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	Install(r)
	return r
}
