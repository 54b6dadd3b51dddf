package batch

import (
	"fmt"
	"sort"

	"github.com/formbridge/fab"
)

// Sample use-case logic table:
// Current		Action		Outcome
// _			Get			Get
// _			Add			ForAdd
// _			Update		ForUpdate
// _			Remove		ForRemove
// ForAdd		Get			ForAdd
// ForAdd		Update		ForAdd
// ForAdd		Remove		_ (canceled)
// ForRemove	Remove		ForRemove
// ForRemove	Get			ForRemove
// ForUpdate	Remove		ForRemove
// Get			Get			Get
// Get			Remove		ForRemove
// Get			Update		ForUpdate

// SnapshotAccumulator tracks the diffable members of one collection. Members
// are hydrated lazily from the loaded source; finalize emits adds, updates
// and removes for dirty members only, so the write count stays proportional
// to what actually changed.
type SnapshotAccumulator[T Mutable[T, P, S], P any, S comparable] struct {
	// name is the collection tag used in errors and change records, e.g. "answer".
	name    string
	source  map[string]T
	tracked map[string]*Mutator[T, P, S]
	// canceled keys were added then removed within this batch.
	canceled map[string]bool
	live     *liveness
}

func newSnapshotAccumulator[T Mutable[T, P, S], P any, S comparable](name string, source map[string]T, live *liveness) *SnapshotAccumulator[T, P, S] {
	return &SnapshotAccumulator[T, P, S]{
		name:     name,
		source:   source,
		tracked:  make(map[string]*Mutator[T, P, S], 10),
		canceled: map[string]bool{},
		live:     live,
	}
}

// ForKey returns the mutator tracking the given member, hydrating it from the
// loaded state on first access. Unknown keys fail with NotFound.
func (a *SnapshotAccumulator[T, P, S]) ForKey(key string) (*Mutator[T, P, S], error) {
	if err := a.live.check(); err != nil {
		return nil, err
	}
	if m, ok := a.tracked[key]; ok {
		return m, nil
	}
	entity, ok := a.source[key]
	if !ok || a.canceled[key] {
		return nil, fab.Error{Code: fab.NotFound, Err: fmt.Errorf("%s %s not found", a.name, key)}
	}
	m := newMutator[T, P, S](entity, getAction, true, a.live)
	a.tracked[key] = m
	return m, nil
}

// Add tracks a new member. Adding over an existing or tracked key fails;
// re-adding a canceled key revives it as a fresh add.
func (a *SnapshotAccumulator[T, P, S]) Add(entity T) (*Mutator[T, P, S], error) {
	if err := a.live.check(); err != nil {
		return nil, err
	}
	key := entity.Key()
	if key == "" {
		return nil, fmt.Errorf("%s requires a key", a.name)
	}
	if _, ok := a.tracked[key]; ok {
		return nil, fmt.Errorf("%s %s is already tracked", a.name, key)
	}
	if _, ok := a.source[key]; ok && !a.canceled[key] {
		return nil, fmt.Errorf("%s %s already exists", a.name, key)
	}
	delete(a.canceled, key)
	m := newMutator[T, P, S](entity, addAction, false, a.live)
	a.tracked[key] = m
	return m, nil
}

// Remove marks a member for deletion. Removing a member added in this batch
// cancels both the add and the remove.
func (a *SnapshotAccumulator[T, P, S]) Remove(key string) error {
	if err := a.live.check(); err != nil {
		return err
	}
	if m, ok := a.tracked[key]; ok {
		if m.action == addAction {
			delete(a.tracked, key)
			a.canceled[key] = true
			return nil
		}
		return m.MarkRemoved()
	}
	m, err := a.ForKey(key)
	if err != nil {
		return err
	}
	return m.MarkRemoved()
}

// Has reports current membership: loaded or added, minus removed.
func (a *SnapshotAccumulator[T, P, S]) Has(key string) bool {
	if m, ok := a.tracked[key]; ok {
		return m.action != removeAction
	}
	if a.canceled[key] {
		return false
	}
	_, ok := a.source[key]
	return ok
}

// Keys returns current membership in sorted order.
func (a *SnapshotAccumulator[T, P, S]) Keys() []string {
	keys := make([]string, 0, len(a.source)+len(a.tracked))
	seen := map[string]bool{}
	for k := range a.source {
		if a.Has(k) {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	for k := range a.tracked {
		if !seen[k] && a.Has(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// members returns the current working membership: loaded entities overridden
// by their tracked working values, plus adds, minus removes.
func (a *SnapshotAccumulator[T, P, S]) members() map[string]T {
	out := make(map[string]T, len(a.source)+len(a.tracked))
	for k, v := range a.source {
		if a.canceled[k] {
			continue
		}
		out[k] = v
	}
	for k, m := range a.tracked {
		if m.action == removeAction {
			delete(out, k)
			continue
		}
		out[k] = m.working
	}
	return out
}

// dirty reports whether finalize would emit anything.
func (a *SnapshotAccumulator[T, P, S]) dirty() bool {
	for _, m := range a.tracked {
		if m.Dirty() {
			return true
		}
	}
	return false
}

// finalize drains the tracked members into write sets. Keys are sorted so
// plans are deterministic.
func (a *SnapshotAccumulator[T, P, S]) finalize() (adds []T, updates []T, removes []string) {
	keys := make([]string, 0, len(a.tracked))
	for k := range a.tracked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m := a.tracked[k]
		switch m.action {
		case addAction:
			adds = append(adds, m.working)
		case removeAction:
			removes = append(removes, k)
		default:
			if m.Dirty() {
				updates = append(updates, m.working)
			}
		}
	}
	return
}

// changes reports the current pending change records for rule matching.
func (a *SnapshotAccumulator[T, P, S]) changes() []Change {
	keys := make([]string, 0, len(a.tracked))
	for k := range a.tracked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Change, 0, len(keys))
	for _, k := range keys {
		m := a.tracked[k]
		switch m.action {
		case addAction:
			out = append(out, Change{Entity: a.name, Key: k, Action: ChangeAdd, After: m.working})
		case removeAction:
			out = append(out, Change{Entity: a.name, Key: k, Action: ChangeRemove, Before: m.loaded})
		default:
			if m.Dirty() {
				out = append(out, Change{Entity: a.name, Key: k, Action: ChangeUpdate, Before: m.loaded, After: m.working})
			}
		}
	}
	return out
}

// SimpleAccumulator tracks only add/remove membership in a uniqueness set:
// the event and message logs and the carrier opt-in relation. Finalize is the
// symmetric difference of the add and remove sets against the original
// membership, so add-then-remove cancels out and re-adding an existing member
// is a no-op.
type SimpleAccumulator[K comparable] struct {
	name    string
	origin  map[K]struct{}
	adds    map[K]struct{}
	removes map[K]struct{}
	// addOrder and removeOrder preserve call order for deterministic plans.
	addOrder    []K
	removeOrder []K
	live        *liveness
}

func newSimpleAccumulator[K comparable](name string, origin []K, live *liveness) *SimpleAccumulator[K] {
	a := &SimpleAccumulator[K]{
		name:    name,
		origin:  make(map[K]struct{}, len(origin)),
		adds:    map[K]struct{}{},
		removes: map[K]struct{}{},
		live:    live,
	}
	for _, k := range origin {
		a.origin[k] = struct{}{}
	}
	return a
}

// Add joins k to the set. Adding an existing member is a no-op; adding back a
// pending removal cancels the removal.
func (a *SimpleAccumulator[K]) Add(k K) error {
	if err := a.live.check(); err != nil {
		return err
	}
	if _, ok := a.removes[k]; ok {
		delete(a.removes, k)
		a.removeOrder = dropKey(a.removeOrder, k)
		return nil
	}
	if _, ok := a.origin[k]; ok {
		return nil
	}
	if _, ok := a.adds[k]; ok {
		return nil
	}
	a.adds[k] = struct{}{}
	a.addOrder = append(a.addOrder, k)
	return nil
}

// Remove drops k from the set. Removing a non-member is a no-op; removing a
// pending add cancels the add.
func (a *SimpleAccumulator[K]) Remove(k K) error {
	if err := a.live.check(); err != nil {
		return err
	}
	if _, ok := a.adds[k]; ok {
		delete(a.adds, k)
		a.addOrder = dropKey(a.addOrder, k)
		return nil
	}
	if _, ok := a.origin[k]; !ok {
		return nil
	}
	if _, ok := a.removes[k]; ok {
		return nil
	}
	a.removes[k] = struct{}{}
	a.removeOrder = append(a.removeOrder, k)
	return nil
}

// Has reports current membership.
func (a *SimpleAccumulator[K]) Has(k K) bool {
	if _, ok := a.adds[k]; ok {
		return true
	}
	if _, ok := a.removes[k]; ok {
		return false
	}
	_, ok := a.origin[k]
	return ok
}

// Members returns current membership, origin first, then adds in call order.
func (a *SimpleAccumulator[K]) Members() []K {
	out := make([]K, 0, len(a.origin)+len(a.addOrder))
	for k := range a.origin {
		if _, removed := a.removes[k]; !removed {
			out = append(out, k)
		}
	}
	out = append(out, a.addOrder...)
	return out
}

// dirty reports whether finalize would emit anything.
func (a *SimpleAccumulator[K]) dirty() bool {
	return len(a.adds) > 0 || len(a.removes) > 0
}

// Finalize returns the net additions and removals in call order.
func (a *SimpleAccumulator[K]) Finalize() (adds []K, removes []K) {
	return append([]K(nil), a.addOrder...), append([]K(nil), a.removeOrder...)
}

func dropKey[K comparable](s []K, k K) []K {
	for i := range s {
		if s[i] == k {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
