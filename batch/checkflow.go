package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/formbridge/fab"
)

// ChangeAction classifies a pending change record.
type ChangeAction string

const (
	ChangeAdd    ChangeAction = "add"
	ChangeUpdate ChangeAction = "update"
	ChangeRemove ChangeAction = "remove"
)

// Change is one flat pending-change record: which collection, which member,
// what happened, and the before/after entity values where they exist. Rules
// match against these records; they never see the mutators directly.
type Change struct {
	Entity string       `json:"entity"`
	Key    string       `json:"key"`
	Action ChangeAction `json:"action"`
	Before any          `json:"before,omitempty"`
	After  any          `json:"after,omitempty"`
}

var fingerprintMarshaler = fab.NewMarshaler()

// fingerprint identifies a change by its target and resulting state, so the
// same logical change is processed at most once per check flow run while a
// further mutation of the same member yields a fresh record.
func (c Change) fingerprint() string {
	after := "-"
	if c.After != nil {
		if ba, err := fingerprintMarshaler.Marshal(c.After); err == nil {
			after = string(ba)
		} else {
			after = fmt.Sprintf("%v", c.After)
		}
	}
	return c.Entity + "|" + c.Key + "|" + string(c.Action) + "|" + after
}

// Rule reacts to one pending change by reading and mutating the changeset.
// Rules only buffer more changes; they can never commit, release or save.
// A rule that needs a side effect outside the form enqueues a deferred
// action instead.
type Rule interface {
	// Name identifies the rule. Unique within a registry.
	Name() string
	// Matches reports whether the rule wants to handle the change.
	Matches(ch Change) bool
	// Apply reacts to the change. Any error aborts the whole save.
	Apply(ctx context.Context, cs *Changeset, ch Change) error
}

// RuleRegistry holds the rules driven by the check flow, in registration
// order. Registering two rules under one name is an error, not an override:
// silently replacing a rule changes save semantics tenant-wide.
type RuleRegistry struct {
	mu    sync.Mutex
	rules []Rule
	names map[string]bool
}

func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{names: map[string]bool{}}
}

// Register appends a rule. Fails on a duplicate name.
func (r *RuleRegistry) Register(rule Rule) error {
	if rule == nil {
		return fmt.Errorf("rule is nil")
	}
	name := rule.Name()
	if name == "" {
		return fmt.Errorf("rule has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[name] {
		return fmt.Errorf("rule %s is already registered", name)
	}
	r.names[name] = true
	r.rules = append(r.rules, rule)
	return nil
}

// MustRegister registers the rule and panics on failure. For wiring static
// rule sets at startup.
func (r *RuleRegistry) MustRegister(rule Rule) {
	if err := r.Register(rule); err != nil {
		panic(err)
	}
}

// Len returns the number of registered rules.
func (r *RuleRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rules)
}

func (r *RuleRegistry) snapshot() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Rule(nil), r.rules...)
}

// runCheckFlow drives the registered rules over the changeset's pending
// changes until no rule produces anything new. Each pass collects the change
// records not yet processed, marks them, and feeds them to every matching
// rule in registration order. Fingerprint marking is what guarantees
// termination on rule cycles: a change that reproduces an already-seen state
// is not fed again. The marks live on the changeset, so a save retried after
// a commit failure does not replay rules over states they already processed.
// Runs that still produce fresh changes after maxIterations passes fail with
// CheckFlowOverrun.
//
// Returns the number of passes that processed at least one change.
func runCheckFlow(ctx context.Context, reg *RuleRegistry, cs *Changeset, maxIterations int) (int, error) {
	if maxIterations <= 0 {
		maxIterations = fab.DefaultEngineOptions().MaxCheckIterations
	}
	rules := reg.snapshot()
	if len(rules) == 0 {
		return 0, nil
	}
	seen := cs.ruleSeen
	if seen == nil {
		seen = map[string]bool{}
		cs.ruleSeen = seen
	}
	for pass := 1; ; pass++ {
		if err := ctx.Err(); err != nil {
			return pass - 1, err
		}
		if pass > maxIterations {
			return pass - 1, fab.Error{
				Code: fab.CheckFlowOverrun,
				Err:  fmt.Errorf("check flow on form %s did not settle after %d passes", cs.FormID(), maxIterations),
			}
		}
		var fresh []Change
		for _, ch := range cs.pendingChanges() {
			if !seen[ch.fingerprint()] {
				fresh = append(fresh, ch)
			}
		}
		if len(fresh) == 0 {
			return pass - 1, nil
		}
		for _, ch := range fresh {
			seen[ch.fingerprint()] = true
		}
		for _, ch := range fresh {
			for _, rule := range rules {
				if !rule.Matches(ch) {
					continue
				}
				if err := rule.Apply(ctx, cs, ch); err != nil {
					return pass, fmt.Errorf("rule %s on %s %s: %w", rule.Name(), ch.Entity, ch.Key, err)
				}
			}
		}
	}
}
