package batch

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/formbridge/fab"
)

var planMarshaler = fab.NewMarshaler()

// restoreRecord is the durable payload behind the restore_logged step. It
// carries everything the sweep needs to walk the tenant writes back without
// the in-memory plan.
type restoreRecord struct {
	Scope   fab.Scope   `json:"scope"`
	FormID  fab.UUID    `json:"form_id"`
	Restore RestorePlan `json:"restore"`
}

func encodeRestoreRecord(plan *CommitPlan) ([]byte, error) {
	return planMarshaler.Marshal(restoreRecord{Scope: plan.Scope, FormID: plan.FormID, Restore: plan.Restore})
}

func decodeRestoreRecord(payload []byte) (restoreRecord, error) {
	var rec restoreRecord
	if len(payload) == 0 {
		return rec, fmt.Errorf("restore payload is empty")
	}
	if err := planMarshaler.Unmarshal(payload, &rec); err != nil {
		return rec, fmt.Errorf("decode restore payload: %w", err)
	}
	return rec, nil
}

// commitPlan drives a frozen plan through both stores. Write order is fixed:
// stage primary, stage tenant, commit tenant, commit primary. A failure
// before the tenant commit rolls both transactions back and persists
// nothing. A failure after it leaves the tenant side durable, so the logged
// restore images are applied to walk it back. The lease must be held for the
// whole run; callers keep it on failure so the batch can be retried.
func (e *Engine) commitPlan(ctx context.Context, plan *CommitPlan, lockKeys []*fab.LockKey) error {
	start := fab.Now()
	sid := e.clog.NewSessionID()

	began, err := planMarshaler.Marshal(restoreRecord{Scope: plan.Scope, FormID: plan.FormID})
	if err != nil {
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("encode session record: %w", err)}
	}
	if err := e.clog.Log(ctx, sid, StepBegan, began); err != nil {
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("log commit begin: %w", err)}
	}

	// Re-arm the lease for the duration of the commit. A foreign owner here
	// means the TTL lapsed and someone else got in; their batch must not be
	// interleaved with ours.
	if ok, err := e.cache.IsLockedTTL(ctx, e.options.LeaseTTL, lockKeys); err != nil || !ok {
		_ = e.clog.Clear(ctx, sid)
		if err == nil {
			err = fmt.Errorf("lease on form %s lost before commit", plan.FormID)
		}
		return fab.Error{Code: fab.CommitFailed, Err: err}
	}

	ptx, err := e.primary.Begin(ctx)
	if err != nil {
		_ = e.clog.Clear(ctx, sid)
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("begin primary tx: %w", err)}
	}
	if err := stagePrimaryWrites(ctx, ptx, plan); err != nil {
		_ = ptx.Rollback(ctx)
		_ = e.clog.Clear(ctx, sid)
		return fab.Error{Code: fab.CommitFailed, Err: err}
	}

	if err := fab.TimedOut(ctx, "commit", start, e.options.MaxCommitTime); err != nil {
		_ = ptx.Rollback(ctx)
		_ = e.clog.Clear(ctx, sid)
		return fab.Error{Code: fab.CommitFailed, Err: err}
	}

	ttx, err := e.tenant.Begin(ctx)
	if err != nil {
		_ = ptx.Rollback(ctx)
		_ = e.clog.Clear(ctx, sid)
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("begin tenant tx: %w", err)}
	}
	if err := stageTenantWrites(ctx, ttx, plan); err != nil {
		_ = ttx.Rollback(ctx)
		_ = ptx.Rollback(ctx)
		_ = e.clog.Clear(ctx, sid)
		return fab.Error{Code: fab.CommitFailed, Err: err}
	}

	// The restore images must be durable before the tenant commit makes the
	// writes they undo durable.
	restorePayload, err := encodeRestoreRecord(plan)
	if err == nil {
		err = e.clog.Log(ctx, sid, StepRestoreLogged, restorePayload)
	}
	if err != nil {
		_ = ttx.Rollback(ctx)
		_ = ptx.Rollback(ctx)
		_ = e.clog.Clear(ctx, sid)
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("log restore images: %w", err)}
	}

	if err := ttx.Commit(ctx); err != nil {
		_ = ptx.Rollback(ctx)
		_ = e.clog.Clear(ctx, sid)
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("commit tenant tx: %w", err)}
	}
	if err := e.clog.Log(ctx, sid, StepTenantCommitted, nil); err != nil {
		// The in-memory plan still covers the restore, keep going.
		log.Warn(fmt.Sprintf("session %s: logging tenant commit failed: %v", sid, err))
	}

	if err := ptx.Commit(ctx); err != nil {
		rec := restoreRecord{Scope: plan.Scope, FormID: plan.FormID, Restore: plan.Restore}
		if rerr := restoreTenant(ctx, e.tenant, rec); rerr != nil {
			// Half committed and not walked back. The session stays in the
			// log so the sweep retries the restore.
			return fab.Error{Code: fab.RestoreFailed, Err: errors.Join(
				fmt.Errorf("commit primary tx: %w", err),
				fmt.Errorf("restore tenant: %w", rerr),
			)}
		}
		_ = e.clog.Clear(ctx, sid)
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("commit primary tx: %w", err)}
	}

	if err := e.clog.Log(ctx, sid, StepFinalized, nil); err != nil {
		log.Warn(fmt.Sprintf("session %s: logging finalize failed: %v", sid, err))
	}
	if err := e.clog.Clear(ctx, sid); err != nil {
		log.Warn(fmt.Sprintf("session %s: clearing commit log failed: %v", sid, err))
	}
	return nil
}

func stagePrimaryWrites(ctx context.Context, tx PrimaryTx, plan *CommitPlan) error {
	w := plan.Primary
	if w.Form != nil {
		if err := tx.UpsertForm(ctx, plan.Scope, *w.Form, w.FormIsNew); err != nil {
			return fmt.Errorf("upsert form: %w", err)
		}
	}
	if len(w.QuoteUpserts) > 0 {
		if err := tx.UpsertQuoteRequests(ctx, plan.Scope, plan.FormID, w.QuoteUpserts); err != nil {
			return fmt.Errorf("upsert quote requests: %w", err)
		}
	}
	if len(w.QuoteRemoves) > 0 {
		if err := tx.RemoveQuoteRequests(ctx, plan.Scope, plan.FormID, w.QuoteRemoves); err != nil {
			return fmt.Errorf("remove quote requests: %w", err)
		}
	}
	if len(w.CarrierAdds) > 0 {
		if err := tx.AddCarriers(ctx, plan.Scope, plan.FormID, w.CarrierAdds); err != nil {
			return fmt.Errorf("add carriers: %w", err)
		}
	}
	if len(w.CarrierRemoves) > 0 {
		if err := tx.RemoveCarriers(ctx, plan.Scope, plan.FormID, w.CarrierRemoves); err != nil {
			return fmt.Errorf("remove carriers: %w", err)
		}
	}
	return nil
}

func stageTenantWrites(ctx context.Context, tx TenantTx, plan *CommitPlan) error {
	w := plan.Tenant
	if w.Copy != nil {
		if err := tx.ReplaceCopy(ctx, plan.Scope, w.Copy); err != nil {
			return fmt.Errorf("replace copy: %w", err)
		}
		return nil
	}
	if len(w.AnswerUpserts) > 0 {
		if err := tx.UpsertAnswers(ctx, plan.Scope, plan.FormID, w.AnswerUpserts); err != nil {
			return fmt.Errorf("upsert answers: %w", err)
		}
	}
	if len(w.AnswerRemoves) > 0 {
		if err := tx.RemoveAnswers(ctx, plan.Scope, plan.FormID, w.AnswerRemoves); err != nil {
			return fmt.Errorf("remove answers: %w", err)
		}
	}
	if len(w.Messages) > 0 {
		if err := tx.AppendMessages(ctx, plan.Scope, plan.FormID, w.Messages); err != nil {
			return fmt.Errorf("append messages: %w", err)
		}
	}
	if len(w.MessageRemoves) > 0 {
		if err := tx.RemoveMessages(ctx, plan.Scope, plan.FormID, w.MessageRemoves); err != nil {
			return fmt.Errorf("remove messages: %w", err)
		}
	}
	if len(w.Events) > 0 {
		if err := tx.AppendEvents(ctx, plan.Scope, plan.FormID, w.Events); err != nil {
			return fmt.Errorf("append events: %w", err)
		}
	}
	if len(w.EventRemoves) > 0 {
		if err := tx.RemoveEvents(ctx, plan.Scope, plan.FormID, w.EventRemoves); err != nil {
			return fmt.Errorf("remove events: %w", err)
		}
	}
	return nil
}

// restoreTenant applies the logged before-images in a fresh tenant
// transaction, undoing a committed tenant side whose primary side never made
// it.
func restoreTenant(ctx context.Context, tenant TenantStore, rec restoreRecord) error {
	if rec.Restore.empty() {
		return nil
	}
	tx, err := tenant.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin restore tx: %w", err)
	}
	if err := applyRestorePlan(ctx, tx, rec.Scope, rec.FormID, rec.Restore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit restore tx: %w", err)
	}
	return nil
}

func applyRestorePlan(ctx context.Context, tx TenantTx, scope fab.Scope, formID fab.UUID, r RestorePlan) error {
	if r.DeleteCopy {
		if err := tx.DeleteCopy(ctx, scope, formID); err != nil {
			return fmt.Errorf("delete inserted copy: %w", err)
		}
		return nil
	}
	if r.Copy != nil {
		if err := tx.ReplaceCopy(ctx, scope, r.Copy); err != nil {
			return fmt.Errorf("restore copy: %w", err)
		}
		return nil
	}
	if len(r.Answers) > 0 {
		if err := tx.UpsertAnswers(ctx, scope, formID, r.Answers); err != nil {
			return fmt.Errorf("restore answers: %w", err)
		}
	}
	if len(r.AnswerRemoves) > 0 {
		if err := tx.RemoveAnswers(ctx, scope, formID, r.AnswerRemoves); err != nil {
			return fmt.Errorf("restore answer removals: %w", err)
		}
	}
	if len(r.MessageRemoves) > 0 {
		if err := tx.RemoveMessages(ctx, scope, formID, r.MessageRemoves); err != nil {
			return fmt.Errorf("drop restored messages: %w", err)
		}
	}
	if len(r.Messages) > 0 {
		if err := tx.AppendMessages(ctx, scope, formID, r.Messages); err != nil {
			return fmt.Errorf("restore messages: %w", err)
		}
	}
	if len(r.EventRemoves) > 0 {
		if err := tx.RemoveEvents(ctx, scope, formID, r.EventRemoves); err != nil {
			return fmt.Errorf("drop restored events: %w", err)
		}
	}
	if len(r.Events) > 0 {
		if err := tx.AppendEvents(ctx, scope, formID, r.Events); err != nil {
			return fmt.Errorf("restore events: %w", err)
		}
	}
	return nil
}
