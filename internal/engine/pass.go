package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/quidsync/quid/internal/privacy"
	"github.com/quidsync/quid/internal/record"
	"github.com/quidsync/quid/internal/syncerr"
	"github.com/quidsync/quid/internal/syncstate"
)

// pass runs one full upload-then-download cycle. Upload strictly precedes
// download so a record's own fresh edit is not treated as a remote
// conflict against itself.
func (e *Engine) pass(ctx context.Context, trigger syncstate.Trigger) Result {
	started := time.Now()
	attempt := e.machine.Snapshot().RetryAttempt

	blocked := func(kind syncerr.Kind, recoverable bool, msg string) Result {
		return Result{
			Errors: []ItemError{{
				Kind: kind, Recoverable: recoverable, Retries: attempt, Message: msg,
			}},
			Duration:    time.Since(started),
			CompletedAt: time.Now(),
		}
	}

	// Guards: state, connectivity, identity. A failed guard returns
	// without firing any trigger.
	switch st := e.machine.State(); st {
	case syncstate.StateSyncing:
		return blocked(syncerr.KindBlocked, true, "sync already in progress")
	case syncstate.StatePaused:
		return blocked(syncerr.KindBlocked, true, "sync is paused")
	case syncstate.StateOffline:
		return blocked(syncerr.KindNetwork, true, "offline")
	}
	e.mu.Lock()
	online := e.online
	e.mu.Unlock()
	if !online {
		return blocked(syncerr.KindNetwork, true, "offline")
	}

	user, err := e.client.CurrentUser(ctx)
	if err != nil {
		kind := syncerr.KindOf(err)
		if kind == syncerr.KindAuth {
			return blocked(syncerr.KindAuth, false, "not signed in")
		}
		return blocked(kind, true, err.Error())
	}

	if err := e.machine.Fire(trigger); err != nil {
		return blocked(syncerr.KindBlocked, true, err.Error())
	}

	e.emit(Event{Kind: EventSyncStart})
	e.logger.Printf("sync pass starting (user %s)", user.ID)

	res := Result{}
	passFailed := false
	conflictsPending := false

	if abort := e.upload(ctx, user.ID, attempt, &res, &passFailed); !abort {
		e.download(ctx, attempt, &res, &passFailed, &conflictsPending)
	} else {
		passFailed = true
	}

	// Advance the machine and close out the result
	switch {
	case passFailed:
		e.fire(syncstate.TriggerSyncError)
	case conflictsPending:
		e.mu.Lock()
		e.conflictBlocked = true
		e.mu.Unlock()
		e.fire(syncstate.TriggerConflictDetected)
	default:
		e.mu.Lock()
		e.conflictBlocked = false
		e.mu.Unlock()
		e.fire(syncstate.TriggerSyncSuccess)
		res.Success = true
	}

	e.refreshPendingGauge(ctx)

	res.Duration = time.Since(started)
	res.CompletedAt = time.Now()
	e.logger.Printf("sync pass done: up=%d down=%d conflicts=%d auto=%d errs=%d in %v",
		res.Uploaded, res.Downloaded, res.Conflicts, res.AutoResolved, len(res.Errors),
		res.Duration.Round(time.Millisecond))

	if res.Success {
		e.emit(Event{Kind: EventSyncComplete, Result: &res})
	} else {
		e.emit(Event{Kind: EventSyncError, Result: &res})
	}
	return res
}

// fire applies a trigger, logging rather than propagating an illegal
// transition (pause and offline can legally interrupt a running pass).
func (e *Engine) fire(tr syncstate.Trigger) {
	if err := e.machine.Fire(tr); err != nil {
		e.logger.Printf("transition skipped: %v", err)
	}
}

// upload sanitizes and pushes up to one batch of uploadable records:
// pending edits plus any batch a previous pass had to mark error, so a
// backend rejection is retried rather than stranded. Returns true when the
// whole pass must abort (privacy violation, auth loss, or a transport
// failure that download would hit too).
func (e *Engine) upload(ctx context.Context, ownerID string, attempt int, res *Result, passFailed *bool) (abort bool) {
	pending, err := e.store.ListUploadable(ctx, e.cfg.BatchSize)
	if err != nil {
		res.Errors = append(res.Errors, ItemError{
			Kind: syncerr.KindServer, Recoverable: true, Retries: attempt,
			Message: "failed to read pending records: " + err.Error(),
		})
		*passFailed = true
		return false
	}
	if len(pending) == 0 {
		return false
	}

	payloads := make([]privacy.Payload, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, rec := range pending {
		payload, err := privacy.Sanitize(*rec, ownerID)
		if err != nil {
			if privacy.IsViolation(err) {
				// A violation means a code defect upstream; never send
				// the batch, never retry the same payload.
				e.logger.Printf("PRIVACY VIOLATION on record %s: %v", rec.ID, err)
				res.Errors = append(res.Errors, ItemError{
					Kind: syncerr.KindPrivacy, RecordID: rec.ID, Retries: attempt,
					Message: err.Error(),
				})
				return true
			}
			// Quarantine the one bad record; its siblings proceed
			e.logger.Printf("quarantining record %s: %v", rec.ID, err)
			if merr := e.store.MarkStatus(ctx, []string{rec.ID}, record.StatusError, err.Error()); merr != nil {
				e.logger.Printf("failed to quarantine %s: %v", rec.ID, merr)
			}
			res.Errors = append(res.Errors, ItemError{
				Kind: syncerr.KindValidation, RecordID: rec.ID, Recoverable: true,
				Retries: attempt, Message: err.Error(),
			})
			continue
		}
		payloads = append(payloads, payload)
		ids = append(ids, rec.ID)
	}

	if len(payloads) == 0 {
		return false
	}

	// Independent scan of the outbound batch, after projection
	if err := privacy.VerifySafePayload(payloads); err != nil {
		e.logger.Printf("PRIVACY VIOLATION in outbound batch: %v", err)
		res.Errors = append(res.Errors, ItemError{
			Kind: syncerr.KindPrivacy, Retries: attempt, Message: err.Error(),
		})
		return true
	}

	if err := e.client.UpsertBatch(ctx, payloads); err != nil {
		kind := syncerr.KindOf(err)
		res.Errors = append(res.Errors, ItemError{
			Kind: kind, Recoverable: kind != syncerr.KindAuth, Retries: attempt,
			Message: err.Error(),
		})
		if merr := e.store.MarkStatus(ctx, ids, record.StatusError, err.Error()); merr != nil {
			e.logger.Printf("failed to mark batch error: %v", merr)
		}
		*passFailed = true
		// Auth and transport failures would sink download too; a server
		// rejection of this batch does not
		return kind != syncerr.KindServer
	}

	if err := e.store.MarkStatus(ctx, ids, record.StatusSynced, ""); err != nil {
		e.logger.Printf("failed to mark batch synced: %v", err)
	}
	res.Uploaded = len(ids)
	return false
}

// download fetches remote rows past the low-water mark and merges each
// into the local store.
func (e *Engine) download(ctx context.Context, attempt int, res *Result, passFailed, conflictsPending *bool) {
	mark, err := e.store.LastSyncMark(ctx)
	if err != nil {
		e.logger.Printf("failed to read sync mark, fetching everything: %v", err)
	}

	rows, err := e.client.FetchSince(ctx, mark)
	if err != nil {
		kind := syncerr.KindOf(err)
		res.Errors = append(res.Errors, ItemError{
			Kind: kind, Recoverable: kind != syncerr.KindAuth, Retries: attempt,
			Message: err.Error(),
		})
		*passFailed = true
		return
	}

	newMark := mark
	for _, row := range rows {
		if row.ServerUpdatedAt.After(newMark) {
			newMark = row.ServerUpdatedAt
		}
		if err := e.merge(ctx, row, attempt, res, conflictsPending); err != nil {
			res.Errors = append(res.Errors, ItemError{
				Kind: syncerr.KindServer, RecordID: row.ID, Recoverable: true,
				Retries: attempt, Message: err.Error(),
			})
			*passFailed = true
		}
	}

	if newMark.After(mark) {
		if err := e.store.SetLastSyncMark(ctx, newMark); err != nil {
			e.logger.Printf("failed to advance sync mark: %v", err)
		}
	}
}

// merge applies one remote row: insert when absent, conflict-route when
// diverged, overwrite domain fields when remote is strictly newer, leave
// untouched otherwise.
func (e *Engine) merge(ctx context.Context, row record.Remote, attempt int, res *Result, conflictsPending *bool) error {
	local, err := e.store.Get(ctx, row.ID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := e.store.InsertFromRemote(ctx, row); err != nil {
			return err
		}
		res.Downloaded++
		return nil
	}
	if err != nil {
		return err
	}

	c, auto, err := e.resolver.Raise(ctx, local, row)
	if err != nil {
		return err
	}
	if c != nil {
		res.Conflicts++
		if auto {
			res.AutoResolved++
		} else {
			*conflictsPending = true
		}
		e.emit(Event{Kind: EventConflict, Conflict: c})
		return nil
	}

	// No conflict. A pending record keeps its local edit until upload;
	// otherwise a strictly-newer remote overwrites domain fields only.
	if local.SyncStatus != record.StatusPending && row.ServerUpdatedAt.After(local.UpdatedAt) {
		if err := e.store.ApplyRemoteFields(ctx, row); err != nil {
			return err
		}
		res.Downloaded++
	}
	return nil
}
