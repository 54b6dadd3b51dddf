package batch

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"

	"github.com/sethvargo/go-retry"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/form"
)

// ActionKind routes a deferred action to its registered handler.
type ActionKind string

const (
	// ActionCopyArchive ships a replaced copy document to the archive bucket.
	// The engine enqueues it on every structural rewrite when archiving is
	// configured.
	ActionCopyArchive ActionKind = "copy.archive"
	// ActionNotifyCarrier tells an opted-in carrier about the batch outcome.
	ActionNotifyCarrier ActionKind = "carrier.notify"
	// ActionIndexForm refreshes any external search index over the form.
	ActionIndexForm ActionKind = "form.index"
	// ActionBroadcastMessage fans a broadcast message out to subscribers.
	ActionBroadcastMessage ActionKind = "message.broadcast"
	// ActionSubmitQuote forwards a submitted quote request to the carrier.
	ActionSubmitQuote ActionKind = "quote.submit"
)

// Action is one deferred side effect queued during a batch. Actions run in
// FIFO order strictly after the batch commits, never before and never on a
// rolled-back batch. Delivery is at least once: a handler that fails after
// doing part of its work may see the same action again on a retry.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Payload any        `json:"payload,omitempty"`
}

// ArchivePayload is the payload of copy.archive actions: the replaced copy
// document and the bucket that preserves it.
type ArchivePayload struct {
	Scope  fab.Scope  `json:"scope"`
	Bucket string     `json:"bucket"`
	Copy   *form.Copy `json:"copy"`
}

// ActionHandler executes one deferred action. Handlers must tolerate
// duplicate delivery.
type ActionHandler func(ctx context.Context, scope fab.Scope, action Action) error

// ActionRegistry maps action kinds to handlers. Registration is last wins,
// so applications can override the built-in handlers.
type ActionRegistry struct {
	mu       sync.Mutex
	handlers map[ActionKind]ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: map[ActionKind]ActionHandler{}}
}

// Register binds a handler to a kind, replacing any previous binding.
func (r *ActionRegistry) Register(kind ActionKind, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *ActionRegistry) handler(kind ActionKind) (ActionHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// dispatch runs the queued actions one at a time in FIFO order, each under
// its own retry loop. Failures are collected rather than short-circuiting the
// queue: a broken notifier must not starve the archiver behind it. The returned
// error, if any, is coded ActionFailed and wraps every per-action failure.
func (r *ActionRegistry) dispatch(ctx context.Context, scope fab.Scope, actions []Action) error {
	var failures []error
	for i, a := range actions {
		h, ok := r.handler(a.Kind)
		if !ok {
			log.Warn(fmt.Sprintf("no handler registered for action %s (index %d), dropping", a.Kind, i))
			actionTotal.WithLabelValues(string(a.Kind), "unhandled").Inc()
			failures = append(failures, fmt.Errorf("action %s: no handler registered", a.Kind))
			continue
		}
		err := fab.Retry(ctx, func(ctx context.Context) error {
			if err := h(ctx, scope, a); err != nil {
				if fab.ShouldRetry(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			return nil
		}, nil)
		if err != nil {
			log.Error(fmt.Sprintf("action %s failed: %v", a.Kind, err))
			actionTotal.WithLabelValues(string(a.Kind), "failed").Inc()
			failures = append(failures, fmt.Errorf("action %s: %w", a.Kind, err))
			continue
		}
		actionTotal.WithLabelValues(string(a.Kind), "ok").Inc()
	}
	if len(failures) > 0 {
		return fab.Error{Code: fab.ActionFailed, Err: errors.Join(failures...)}
	}
	return nil
}
