package batch

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/formbridge/fab"
)

// CommitStep marks how far a commit session got. The sweep decides from the
// highest durable step whether a dead session needs restoring or only
// clearing.
type CommitStep int

const (
	// StepBegan is written when the plan is frozen and the session opens.
	StepBegan CommitStep = iota + 1
	// StepRestoreLogged is written once the restore images are durable.
	// Always logged before the tenant store commits.
	StepRestoreLogged
	// StepTenantCommitted is written right after the tenant store committed.
	// A session that dies past this point left durable tenant writes behind.
	StepTenantCommitted
	// StepFinalized is written after the primary store committed. Nothing is
	// left to undo; the session only needs clearing.
	StepFinalized
)

func (s CommitStep) String() string {
	switch s {
	case StepBegan:
		return "began"
	case StepRestoreLogged:
		return "restore_logged"
	case StepTenantCommitted:
		return "tenant_committed"
	case StepFinalized:
		return "finalized"
	}
	return "unknown"
}

// CommitLog records commit progress per session so a sweeper can finish what
// a dead committer started. Session IDs are time ordered; expiry is judged
// from the ID's embedded timestamp.
type CommitLog interface {
	// NewSessionID mints a time-ordered session ID.
	NewSessionID() fab.UUID
	// Log appends one step record for the session.
	Log(ctx context.Context, sessionID fab.UUID, step CommitStep, payload []byte) error
	// Clear removes every record of the session.
	Clear(ctx context.Context, sessionID fab.UUID) error
	// ClaimExpired claims one expired session and returns its step records.
	// A nil session ID with a non-empty hour asks the caller to drill into
	// that hour via ClaimExpiredOfHour; a nil ID with an empty hour means
	// nothing has expired.
	ClaimExpired(ctx context.Context) (fab.UUID, string, []fab.KeyValuePair[CommitStep, []byte], error)
	// ClaimExpiredOfHour claims one expired session from the given hour
	// bucket, oldest first.
	ClaimExpiredOfHour(ctx context.Context, hour string) (fab.UUID, []fab.KeyValuePair[CommitStep, []byte], error)
}

// NullCommitLog drops every record. Standalone deployments run with it and
// give up crash restore; a half-committed batch then needs manual repair.
type NullCommitLog struct{}

func (NullCommitLog) NewSessionID() fab.UUID {
	return fab.NewUUID()
}

func (NullCommitLog) Log(ctx context.Context, sessionID fab.UUID, step CommitStep, payload []byte) error {
	return nil
}

func (NullCommitLog) Clear(ctx context.Context, sessionID fab.UUID) error {
	return nil
}

func (NullCommitLog) ClaimExpired(ctx context.Context) (fab.UUID, string, []fab.KeyValuePair[CommitStep, []byte], error) {
	return fab.NilUUID, "", nil, nil
}

func (NullCommitLog) ClaimExpiredOfHour(ctx context.Context, hour string) (fab.UUID, []fab.KeyValuePair[CommitStep, []byte], error) {
	return fab.NilUUID, nil, nil
}

// RecoverExpired claims one expired commit session and settles it: a session
// that died past the tenant commit has its restore images applied, anything
// else only needs its records cleared. Returns whether a session was claimed.
func RecoverExpired(ctx context.Context, clog CommitLog, tenant TenantStore) (bool, error) {
	sid, hour, steps, err := clog.ClaimExpired(ctx)
	if err != nil {
		return false, err
	}
	if sid.IsNil() && hour != "" {
		sid, steps, err = clog.ClaimExpiredOfHour(ctx, hour)
		if err != nil {
			return false, err
		}
	}
	if sid.IsNil() {
		return false, nil
	}
	if err := recoverSession(ctx, clog, tenant, sid, steps); err != nil {
		return true, err
	}
	return true, nil
}

func recoverSession(ctx context.Context, clog CommitLog, tenant TenantStore, sid fab.UUID, steps []fab.KeyValuePair[CommitStep, []byte]) error {
	reached := map[CommitStep]bool{}
	payloads := map[CommitStep][]byte{}
	for _, kv := range steps {
		reached[kv.Key] = true
		payloads[kv.Key] = kv.Value
	}
	switch {
	case reached[StepFinalized]:
		// Fully committed, the committer only failed to clean up.
	case reached[StepTenantCommitted]:
		log.Warn(fmt.Sprintf("commit session %s died after the tenant commit, restoring", sid))
		rec, err := decodeRestoreRecord(payloads[StepRestoreLogged])
		if err != nil {
			return fab.Error{Code: fab.RestoreFailed, Err: fmt.Errorf("session %s: %w", sid, err)}
		}
		if err := restoreTenant(ctx, tenant, rec); err != nil {
			return fab.Error{Code: fab.RestoreFailed, Err: fmt.Errorf("session %s: %w", sid, err)}
		}
	default:
		// Died before anything became durable; the store transactions
		// evaporated with the process.
	}
	if err := clog.Clear(ctx, sid); err != nil {
		return fmt.Errorf("clear session %s: %w", sid, err)
	}
	return nil
}
