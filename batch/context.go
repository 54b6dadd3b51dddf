package batch

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/form"
)

// ContextState tracks a batch context through its life.
type ContextState int

const (
	// StateUnlocked is a context holding no lease. The zero value.
	StateUnlocked ContextState = iota
	// StateLive holds the lease over a mutable changeset.
	StateLive
	// StateSaved is terminal: the batch committed.
	StateSaved
	// StateReleased is terminal: the batch was abandoned.
	StateReleased
)

func (s ContextState) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateSaved:
		return "saved"
	case StateReleased:
		return "released"
	}
	return "unlocked"
}

// Context is one exclusive editing session over a form: the lease, the live
// changeset and the save state machine. Contexts move Live -> Saved on a
// successful Save and Live -> Released on Release; both ends seal the
// changeset so stale references fail instead of mutating a finished batch.
type Context struct {
	engine   *Engine
	cs       *Changeset
	lockKeys []*fab.LockKey

	mu     sync.Mutex
	state  ContextState
	saving bool
	// rewriteLogged dedupes the copy.replaced audit event across save retries.
	rewriteLogged bool
}

// Changeset returns the live changeset of this session.
func (c *Context) Changeset() *Changeset {
	return c.cs
}

// State returns the current session state.
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Save drives the batch through the commit pipeline: check flow to fixpoint,
// validation, finalize, the two-store commit, lease release, then deferred
// actions. Save is not reentrant; a rule or validator calling back into Save
// fails with ReentrantSave. A validation, rule or commit failure leaves the
// lease held and the changeset live so the caller can correct and retry, or
// Release. After an action failure the state is already Saved; the returned
// ActionFailed error reports delivery, not the commit.
func (c *Context) Save(ctx context.Context) error {
	c.mu.Lock()
	if c.saving {
		c.mu.Unlock()
		return fab.Error{Code: fab.ReentrantSave, Err: fmt.Errorf("save is already running on form %s", c.cs.FormID())}
	}
	if c.state != StateLive {
		state := c.state
		c.mu.Unlock()
		return fab.Error{Code: fab.StaleAccess, Err: fmt.Errorf("context on form %s is %s, not live", c.cs.FormID(), state)}
	}
	c.saving = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.saving = false
		c.mu.Unlock()
	}()

	start := fab.Now()
	err := c.save(ctx)
	commitSeconds.Observe(fab.Now().Sub(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = fab.CodeOf(err).String()
	}
	commitTotal.WithLabelValues(outcome).Inc()
	return err
}

func (c *Context) save(ctx context.Context) error {
	passes, err := runCheckFlow(ctx, c.engine.rules, c.cs, c.engine.options.MaxCheckIterations)
	checkFlowPasses.Observe(float64(passes))
	if err != nil {
		return err
	}

	for _, v := range c.engine.validatorsSnapshot() {
		if err := v(ctx, c.cs); err != nil {
			if fab.IsCode(err, fab.ValidationFailed) {
				return err
			}
			return fab.Error{Code: fab.ValidationFailed, Err: err}
		}
	}

	if !c.cs.IsNew() && c.cs.structuralChange() && !c.rewriteLogged {
		payload := map[string]any{"from_version": c.cs.original.Version}
		if _, err := c.cs.AppendEvent(form.EventCopyReplaced, payload); err != nil {
			return err
		}
		c.rewriteLogged = true
	}

	plan, err := c.cs.Finalize()
	if err != nil {
		return err
	}
	if plan.Restore.Copy != nil && c.engine.options.ArchiveBucket != "" {
		plan.Actions = append(plan.Actions, Action{
			Kind:    ActionCopyArchive,
			Payload: ArchivePayload{Scope: plan.Scope, Bucket: c.engine.options.ArchiveBucket, Copy: plan.Restore.Copy},
		})
	}

	if !plan.Empty() {
		if err := c.engine.commitPlan(ctx, plan, c.lockKeys); err != nil {
			return err
		}
	}

	c.cs.seal()
	if plan.Tenant.Copy != nil {
		c.engine.refreshCopyCache(ctx, plan.Scope, plan.FormID, plan.Tenant.Copy)
	} else if !plan.Tenant.empty() {
		c.engine.refreshCopyCache(ctx, plan.Scope, plan.FormID, nil)
	}
	c.mu.Lock()
	c.state = StateSaved
	c.mu.Unlock()
	if err := c.engine.cache.Unlock(ctx, c.lockKeys); err != nil {
		// The lease expires on its own TTL.
		log.Warn(fmt.Sprintf("releasing lease on form %s failed: %v", plan.FormID, err))
	}

	if len(plan.Actions) > 0 {
		return c.engine.actions.dispatch(ctx, plan.Scope, plan.Actions)
	}
	return nil
}

// Release abandons the batch: nothing is persisted, queued actions are
// dropped, the lease is released and the changeset sealed. Idempotent, and a
// no-op on an already saved context.
func (c *Context) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateReleased || c.state == StateSaved {
		c.mu.Unlock()
		return nil
	}
	if c.saving {
		c.mu.Unlock()
		return fab.Error{Code: fab.ReentrantSave, Err: fmt.Errorf("cannot release form %s while its save is running", c.cs.FormID())}
	}
	c.state = StateReleased
	c.mu.Unlock()

	c.cs.seal()
	if err := c.engine.cache.Unlock(ctx, c.lockKeys); err != nil {
		return fmt.Errorf("release lease on form %s: %w", c.cs.FormID(), err)
	}
	return nil
}
