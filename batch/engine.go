// Package batch is the transactional batching engine over form aggregates.
// Mutations against one form are buffered in a Changeset under an exclusive
// lease, driven through registered rules to a fixpoint, then committed across
// the primary and tenant stores with compensation on half failure. Deferred
// actions queued during the batch run only after the commit lands.
package batch

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/form"
)

// idleSweepInterval is the minimum gap between the opportunistic expired
// session sweeps piggybacked on FindAndLock.
const idleSweepInterval = 5 * time.Minute

// maxSweepClaims caps how many expired sessions one sweep call settles.
const maxSweepClaims = 10

// Validator inspects a whole changeset right before it is finalized. An
// error rejects the save with ValidationFailed while the lease stays held.
type Validator func(ctx context.Context, cs *Changeset) error

// Engine owns the collaborators of the batching pipeline: the lease cache,
// both stores, the commit log, the rule and action registries. One engine
// serves all tenants; scoping happens per call.
type Engine struct {
	options fab.EngineOptions
	cache   fab.Cache
	primary PrimaryStore
	tenant  TenantStore
	clog    CommitLog
	rules   *RuleRegistry
	actions *ActionRegistry

	mu         sync.Mutex
	validators []Validator
	lastSweep  time.Time
}

// NewEngine wires an engine from explicit collaborators. A nil commit log
// falls back to NullCommitLog; zero option fields fall back to defaults.
func NewEngine(options fab.EngineOptions, cache fab.Cache, primary PrimaryStore, tenant TenantStore, clog CommitLog) (*Engine, error) {
	if cache == nil {
		return nil, fmt.Errorf("engine requires a cache")
	}
	if primary == nil {
		return nil, fmt.Errorf("engine requires a primary store")
	}
	if tenant == nil {
		return nil, fmt.Errorf("engine requires a tenant store")
	}
	if clog == nil {
		clog = NullCommitLog{}
	}
	defaults := fab.DefaultEngineOptions()
	if options.LeaseTTL <= 0 {
		options.LeaseTTL = defaults.LeaseTTL
	}
	if options.AcquireTimeout <= 0 {
		options.AcquireTimeout = defaults.AcquireTimeout
	}
	if options.MaxCommitTime <= 0 {
		options.MaxCommitTime = defaults.MaxCommitTime
	}
	if options.MaxCheckIterations <= 0 {
		options.MaxCheckIterations = defaults.MaxCheckIterations
	}
	return &Engine{
		options: options,
		cache:   cache,
		primary: primary,
		tenant:  tenant,
		clog:    clog,
		rules:   NewRuleRegistry(),
		actions: NewActionRegistry(),
	}, nil
}

// Options returns the engine's resolved options.
func (e *Engine) Options() fab.EngineOptions {
	return e.options
}

// Rules returns the rule registry driven by the check flow.
func (e *Engine) Rules() *RuleRegistry {
	return e.rules
}

// Actions returns the deferred action registry.
func (e *Engine) Actions() *ActionRegistry {
	return e.actions
}

// OnValidate appends a before-save validator. Validators run in registration
// order after the check flow settled.
func (e *Engine) OnValidate(v Validator) {
	if v == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators = append(e.validators, v)
}

func (e *Engine) validatorsSnapshot() []Validator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Validator(nil), e.validators...)
}

// Find loads a form without a lease for read-mostly use. The copy document
// is read through the cache with a TTL refresh; everything else comes from
// the stores. The returned changeset can be inspected and even mutated
// locally, but there is no Context and therefore no way to save it.
func (e *Engine) Find(ctx context.Context, scope fab.Scope, id fab.UUID) (*Changeset, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var (
		f        form.Form
		cp       *form.Copy
		quotes   []form.QuoteRequest
		carriers []string
	)
	tr := fab.NewTaskRunner(ctx, 4)
	tr.Go(func() error {
		var err error
		f, err = e.primary.GetForm(tr.GetContext(), scope, id)
		return err
	})
	tr.Go(func() error {
		var err error
		cp, err = e.loadCopyCached(tr.GetContext(), scope, id)
		return err
	})
	tr.Go(func() error {
		var err error
		quotes, err = e.primary.ListQuoteRequests(tr.GetContext(), scope, id)
		return err
	})
	tr.Go(func() error {
		var err error
		carriers, err = e.primary.ListCarriers(tr.GetContext(), scope, id)
		return err
	})
	if err := tr.Wait(); err != nil {
		return nil, err
	}
	return NewBuilder(scope, &f, cp).WithQuoteRequests(quotes).WithCarriers(carriers).Build()
}

// loadCopyCached reads the copy document through the cache, falling back to
// the tenant store and filling the cache on a miss. Caching is disabled when
// CopyCacheTTL is zero.
func (e *Engine) loadCopyCached(ctx context.Context, scope fab.Scope, id fab.UUID) (*form.Copy, error) {
	if e.options.CopyCacheTTL <= 0 {
		return e.tenant.GetCopy(ctx, scope, id)
	}
	key := scope.CopyCacheName(id)
	var cached form.Copy
	found, err := e.cache.GetStructEx(ctx, key, &cached, e.options.CopyCacheTTL)
	if err != nil {
		log.Warn(fmt.Sprintf("copy cache read for %s failed: %v", key, err))
	} else if found {
		return &cached, nil
	}
	cp, err := e.tenant.GetCopy(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := e.cache.SetStruct(ctx, key, cp, e.options.CopyCacheTTL); err != nil {
		log.Warn(fmt.Sprintf("copy cache fill for %s failed: %v", key, err))
	}
	return cp, nil
}

// refreshCopyCache replaces the cached copy document after a commit, so the
// read path converges immediately instead of waiting out the TTL.
func (e *Engine) refreshCopyCache(ctx context.Context, scope fab.Scope, id fab.UUID, cp *form.Copy) {
	if e.options.CopyCacheTTL <= 0 {
		return
	}
	key := scope.CopyCacheName(id)
	if cp == nil {
		if _, err := e.cache.Delete(ctx, []string{key}); err != nil {
			log.Warn(fmt.Sprintf("copy cache invalidation for %s failed: %v", key, err))
		}
		return
	}
	if err := e.cache.SetStruct(ctx, key, cp, e.options.CopyCacheTTL); err != nil {
		log.Warn(fmt.Sprintf("copy cache refresh for %s failed: %v", key, err))
	}
}

// AcquireOptions tunes one FindAndLock call. Zero values fall back to the
// engine options.
type AcquireOptions struct {
	// Blocking makes the call poll for the lease instead of failing LockBusy
	// on first contention.
	Blocking bool
	// Timeout caps the blocking wait.
	Timeout time.Duration
	// TTL overrides the lease TTL.
	TTL time.Duration
}

// FindAndLock acquires the exclusive lease on a form and loads its state
// fresh from both stores, never the cache: the batch must start from what is
// actually durable. Contention fails LockBusy, carrying the holder's lease
// token in UserData when it could be read.
func (e *Engine) FindAndLock(ctx context.Context, scope fab.Scope, id fab.UUID, opts AcquireOptions) (*Context, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	keys, err := e.acquireLease(ctx, scope, id, opts)
	if err != nil {
		return nil, err
	}

	var (
		f        form.Form
		cp       *form.Copy
		quotes   []form.QuoteRequest
		carriers []string
	)
	tr := fab.NewTaskRunner(ctx, 4)
	tr.Go(func() error {
		var err error
		f, err = e.primary.GetForm(tr.GetContext(), scope, id)
		return err
	})
	tr.Go(func() error {
		var err error
		cp, err = e.tenant.GetCopy(tr.GetContext(), scope, id)
		return err
	})
	tr.Go(func() error {
		var err error
		quotes, err = e.primary.ListQuoteRequests(tr.GetContext(), scope, id)
		return err
	})
	tr.Go(func() error {
		var err error
		carriers, err = e.primary.ListCarriers(tr.GetContext(), scope, id)
		return err
	})
	if err := tr.Wait(); err != nil {
		_ = e.cache.Unlock(ctx, keys)
		return nil, err
	}
	cs, err := NewBuilder(scope, &f, cp).WithQuoteRequests(quotes).WithCarriers(carriers).Build()
	if err != nil {
		_ = e.cache.Unlock(ctx, keys)
		return nil, err
	}
	e.onIdle(ctx)
	return &Context{engine: e, cs: cs, lockKeys: keys, state: StateLive}, nil
}

// BuildContext starts a brand new form from a template under a fresh lease.
// The first save inserts the form; releasing without saving persists
// nothing.
func (e *Engine) BuildContext(ctx context.Context, scope fab.Scope, template form.Template) (*Context, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	id := fab.NewUUID()
	now := fab.Now()
	f := form.Form{
		ID:          id,
		Tenant:      scope.Tenant,
		Kind:        template.Kind,
		Status:      form.Draft,
		CopyVersion: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	cp := form.NewCopy(id)
	cp.Seed(template)

	keys, err := e.acquireLease(ctx, scope, id, AcquireOptions{})
	if err != nil {
		return nil, err
	}
	cs, err := NewBuilder(scope, &f, cp).WithCarriers(template.Carriers).AsNew().Build()
	if err != nil {
		_ = e.cache.Unlock(ctx, keys)
		return nil, err
	}
	return &Context{engine: e, cs: cs, lockKeys: keys, state: StateLive}, nil
}

// acquireLease wins the form's lease key, polling with jitter in blocking
// mode until the timeout lapses.
func (e *Engine) acquireLease(ctx context.Context, scope fab.Scope, id fab.UUID, opts AcquireOptions) ([]*fab.LockKey, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.options.LeaseTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.options.AcquireTimeout
	}
	mode := "nonblocking"
	if opts.Blocking {
		mode = "blocking"
	}

	keys := e.cache.CreateLockKeys([]string{scope.FormLockName(id)})
	start := fab.Now()
	for {
		ok, holder, err := e.cache.Lock(ctx, ttl, keys)
		if err != nil {
			lockAcquireTotal.WithLabelValues(mode, "error").Inc()
			return nil, err
		}
		if ok {
			lockAcquireTotal.WithLabelValues(mode, "ok").Inc()
			return keys, nil
		}
		if !opts.Blocking {
			lockAcquireTotal.WithLabelValues(mode, "busy").Inc()
			return nil, fab.Error{
				Code:     fab.LockBusy,
				Err:      fmt.Errorf("form %s is locked by another session", id),
				UserData: holder,
			}
		}
		if err := fab.TimedOut(ctx, "acquire lease", start, timeout); err != nil {
			lockAcquireTotal.WithLabelValues(mode, "busy").Inc()
			return nil, fab.Error{Code: fab.LockBusy, Err: err, UserData: holder}
		}
		fab.RandomSleep(ctx)
	}
}

// ProcessExpiredSessions settles expired commit sessions left by dead
// committers, at most maxSweepClaims per call. Returns how many were
// settled.
func (e *Engine) ProcessExpiredSessions(ctx context.Context) (int, error) {
	count := 0
	for count < maxSweepClaims {
		claimed, err := RecoverExpired(ctx, e.clog, e.tenant)
		if err != nil {
			sweepTotal.WithLabelValues("failed").Inc()
			return count, err
		}
		if !claimed {
			break
		}
		sweepTotal.WithLabelValues("ok").Inc()
		count++
	}
	return count, nil
}

// onIdle runs the expired-session sweep at most once per idleSweepInterval.
// Piggybacked on lease acquisition so a busy deployment self-heals without a
// dedicated sweeper process.
func (e *Engine) onIdle(ctx context.Context) {
	now := fab.Now()
	e.mu.Lock()
	due := now.Sub(e.lastSweep) >= idleSweepInterval
	if due {
		e.lastSweep = now
	}
	e.mu.Unlock()
	if !due {
		return
	}
	if _, err := e.ProcessExpiredSessions(ctx); err != nil {
		log.Warn(fmt.Sprintf("expired session sweep failed: %v", err))
	}
}
