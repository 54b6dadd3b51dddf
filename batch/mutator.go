// Package batch is the transactional batching engine. A caller takes a form
// under an exclusive lease, accumulates mutations in memory through typed
// mutators and accumulators inside a Changeset, lets registered rules react
// to the changes, then saves: validate, finalize into a CommitPlan, write
// atomically across the tenant and primary stores, release the lease and run
// the deferred actions.
package batch

import (
	"fmt"

	"github.com/formbridge/fab"
)

type action int

const (
	defaultAction action = iota
	getAction
	addAction
	updateAction
	removeAction
)

// Mutable is what an entity must provide to be tracked: a stable key, a merge
// patch returning the updated value, and a comparable projection of its
// persisted fields.
type Mutable[T, P any, S comparable] interface {
	Key() string
	ApplyPatch(p P) T
	Snapshot() S
}

// liveness is the shared token a Changeset seals when its context finishes.
// Every accessor checks it so post-save use fails instead of mutating a
// batch that will never commit.
type liveness struct {
	sealed bool
}

func (l *liveness) check() error {
	if l.sealed {
		return fab.Error{Code: fab.StaleAccess, Err: fmt.Errorf("batch state is no longer live")}
	}
	return nil
}

// Mutator wraps one entity with its origin snapshot and a working value.
// All writes go through Apply/Set; dirtiness is the structural difference
// between the origin and working snapshots, so a patch writing identical
// values leaves the entity clean.
type Mutator[T Mutable[T, P, S], P any, S comparable] struct {
	origin  S
	working T
	// loaded is the entity value as hydrated, reported as Before in change
	// records. Zero when hasOrigin is false.
	loaded T
	// hasOrigin is false for entities created in this batch.
	hasOrigin bool
	action    action
	live      *liveness
}

func newMutator[T Mutable[T, P, S], P any, S comparable](entity T, act action, hasOrigin bool, live *liveness) *Mutator[T, P, S] {
	m := &Mutator[T, P, S]{
		working:   entity,
		hasOrigin: hasOrigin,
		action:    act,
		live:      live,
	}
	if hasOrigin {
		m.origin = entity.Snapshot()
		m.loaded = entity
	}
	return m
}

// Get returns the working value.
func (m *Mutator[T, P, S]) Get() T {
	return m.working
}

// Key returns the tracked entity's key.
func (m *Mutator[T, P, S]) Key() string {
	return m.working.Key()
}

// Apply merges the patch's set fields onto the working value. Repeated calls
// compose. Applying to a removed entity fails.
func (m *Mutator[T, P, S]) Apply(p P) error {
	if err := m.live.check(); err != nil {
		return err
	}
	if m.action == removeAction {
		return fmt.Errorf("can't patch %s, it is marked removed", m.Key())
	}
	m.working = m.working.ApplyPatch(p)
	m.bump()
	return nil
}

// Set replaces the working value wholesale. Used for structural rewrites.
func (m *Mutator[T, P, S]) Set(entity T) error {
	if err := m.live.check(); err != nil {
		return err
	}
	if m.action == removeAction {
		return fmt.Errorf("can't replace %s, it is marked removed", m.Key())
	}
	if entity.Key() != m.Key() {
		return fmt.Errorf("can't replace %s with entity keyed %s", m.Key(), entity.Key())
	}
	m.working = entity
	m.bump()
	return nil
}

// MarkRemoved flags deletion intent. Removing an entity added in this batch
// cancels both, which the owning accumulator carries out.
func (m *Mutator[T, P, S]) MarkRemoved() error {
	if err := m.live.check(); err != nil {
		return err
	}
	m.action = removeAction
	return nil
}

// bump follows the action table: a write on a read moves it to update, a
// write on an add stays an add.
func (m *Mutator[T, P, S]) bump() {
	if m.action == getAction {
		m.action = updateAction
	}
}

// Added reports whether the entity was created in this batch.
func (m *Mutator[T, P, S]) Added() bool {
	return m.action == addAction
}

// Removed reports whether the entity is marked for deletion.
func (m *Mutator[T, P, S]) Removed() bool {
	return m.action == removeAction
}

// Dirty reports whether the working value structurally differs from the
// origin. Added and removed entities are always dirty.
func (m *Mutator[T, P, S]) Dirty() bool {
	if m.action == addAction || m.action == removeAction {
		return true
	}
	if !m.hasOrigin {
		return true
	}
	return m.working.Snapshot() != m.origin
}
