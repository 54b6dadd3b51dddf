// Package rules holds the rule layer driven by the engine's check flow:
// the CEL condition compiler, the When adapter turning an expression plus an
// apply function into a rule, and the built-in rules every deployment starts
// from.
package rules

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
)

// Condition contains one CEL expression & the cel program used to evaluate it
// against a pending-change record.
//
// The expression sees five variables: entity, key and action as strings, and
// before and after as the JSON shape of the entity value on each side of the
// change, e.g. after.value on an answer or after.status on a quote request.
// A side that does not exist (before of an add, after of a remove) is an
// empty map, so expressions guard membership with has() or on action.
type Condition struct {
	Expression string
	program    cel.Program
}

// NewCondition compiles a CEL expression into a reusable condition. The
// expression must evaluate to a boolean.
func NewCondition(expression string) (*Condition, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}

	env, err := cel.NewEnv(
		// Declare variables matching the change-record shape rules evaluate against.
		cel.Variable("entity", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("before", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("after", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &Condition{
		Expression: expression,
		program:    p,
	}, nil
}

// Evaluates the condition against one change record.
func (c *Condition) Evaluate(ch batch.Change) (bool, error) {
	before, err := entityVars(ch.Before)
	if err != nil {
		return false, err
	}
	after, err := entityVars(ch.After)
	if err != nil {
		return false, err
	}
	out, _, err := c.program.Eval(map[string]any{
		"entity": ch.Entity,
		"key":    ch.Key,
		"action": string(ch.Action),
		"before": before,
		"after":  after,
	})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}

	if v, ok := nv.(bool); !ok {
		return false, fmt.Errorf("error converting to bool, nv: %v", nv)
	} else {
		return v, nil
	}
}

var conditionMarshaler = fab.NewMarshaler()

// entityVars projects an entity payload into the map shape CEL evaluates
// against, going through its JSON form so field names match the wire tags.
func entityVars(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	ba, err := conditionMarshaler.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error encoding change payload: %v", err)
	}
	vars := map[string]any{}
	if err := conditionMarshaler.Unmarshal(ba, &vars); err != nil {
		return nil, fmt.Errorf("error decoding change payload: %v", err)
	}
	return vars, nil
}
