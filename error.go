package fab

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures so callers can branch without string matching.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// LockBusy means the form's lease is held by another session. UserData carries
	// the squatter's lease token when it could be read back.
	LockBusy
	// ValidationFailed means a before-save validator rejected the changeset.
	// Nothing was written and the lease is still held.
	ValidationFailed
	// ReentrantSave means Save was invoked while a save on the same context was
	// already in flight, e.g. from inside a rule callback.
	ReentrantSave
	// StaleAccess means batch state was touched after its context finished,
	// either saved or released.
	StaleAccess
	// CommitFailed means the two-store write did not complete. The stores hold
	// no partial effects unless RestoreFailed was also reported.
	CommitFailed
	// ActionFailed means one or more deferred actions errored after a successful
	// commit. The commit itself stands.
	ActionFailed
	// CheckFlowOverrun means rule evaluation did not reach a fixpoint within the
	// configured pass bound.
	CheckFlowOverrun
	// NotFound means a form, or an entity key inside a changeset, does not exist.
	NotFound
	// RestoreFailed means compensation of an already-committed tenant write could
	// not be applied. Manual repair is required; the commit log retains the session.
	RestoreFailed
)

// String returns the stable label for the code, also used as a metrics outcome value.
func (c ErrorCode) String() string {
	switch c {
	case LockBusy:
		return "lock_busy"
	case ValidationFailed:
		return "validation_failed"
	case ReentrantSave:
		return "reentrant_save"
	case StaleAccess:
		return "stale_access"
	case CommitFailed:
		return "commit_failed"
	case ActionFailed:
		return "action_failed"
	case CheckFlowOverrun:
		return "checkflow_overrun"
	case NotFound:
		return "not_found"
	case RestoreFailed:
		return "restore_failed"
	}
	return "unknown"
}

// Error is the fab custom error. Err carries the underlying cause, UserData any
// payload useful to the caller (e.g. the competing lease token on LockBusy).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData == nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v, user data: %v", e.Code, e.Err, e.UserData)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode carried by err, or Unknown when err has none.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
