package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/kashcal/core/caldav"
	"github.com/kashcal/core/icscodec"
	"github.com/kashcal/core/model"
	"github.com/kashcal/core/occurrence"
	"github.com/kashcal/core/store"
)

// PushResult tallies one PushStrategy.Push invocation, the `pushed.*` half
// of a SyncResult.
type PushResult struct {
	Created, Updated, Deleted int
	ConflictsResolved         int
}

// PushStrategy drains PendingOperation rows for one calendar: ready PENDING
// ops are dispatched to the server in insertion order, FAILED ops past
// their auto-reset age get one more chance, and ops past their lifetime
// are discarded.
type PushStrategy struct {
	client   *caldav.Client
	resolver *ConflictResolver
	now      func() time.Time
}

func NewPushStrategy(client *caldav.Client) *PushStrategy {
	return &PushStrategy{
		client:   client,
		resolver: NewConflictResolver(client),
		now:      time.Now,
	}
}

// Push drains every due op for cal. An AUTH failure stops the whole drain
// (every further op on this account would fail identically); any other
// per-op failure is recorded on the op and the drain continues.
func (p *PushStrategy) Push(ctx context.Context, st *store.Store, cal *model.Calendar) (*PushResult, error) {
	result := &PushResult{}
	now := p.now()

	ops, err := p.hygiene(ctx, st, cal, now)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		if op.Status != model.PendingStatusPending || op.NextRetryAt.After(now) {
			continue
		}
		if err := p.pushOne(ctx, st, cal, op, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// hygiene runs the lifecycle pass before the drain: FAILED ops
// older than AutoResetFailed go back to PENDING (retryCount preserved), and
// ops older than OperationLifetime are discarded with a SyncLog record so a
// permanently broken remote can't grow the queue without bound.
func (p *PushStrategy) hygiene(ctx context.Context, st *store.Store, cal *model.Calendar, now time.Time) ([]*model.PendingOperation, error) {
	var kept []*model.PendingOperation
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		ops, err := tx.ListPendingOperationsForCalendar(cal.ID)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if now.Sub(op.LifetimeResetAt) >= OperationLifetime {
				if err := tx.DeletePendingOperation(op.ID); err != nil {
					return err
				}
				if err := tx.AppendSyncLog(&model.SyncLog{
					Timestamp:  now,
					CalendarID: cal.ID,
					Result:     model.SyncLogErrorOther,
					Message:    fmt.Sprintf("discarded %s op %s after %s", op.Operation, op.ID, OperationLifetime),
				}); err != nil {
					return err
				}
				continue
			}
			if op.Status == model.PendingStatusFailed && op.FailedAt != nil &&
				now.Sub(*op.FailedAt) >= AutoResetFailed {
				op.Status = model.PendingStatusPending
				op.NextRetryAt = now
				op.FailedAt = nil
				if err := tx.UpdatePendingOperationOutcome(op); err != nil {
					return err
				}
			}
			kept = append(kept, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

// pushOne dispatches a single op. Every outcome is persisted in its own
// transaction so a crash mid-drain loses at most one op's bookkeeping, not
// the server-side effect (which is idempotent under etag preconditions).
func (p *PushStrategy) pushOne(ctx context.Context, st *store.Store, cal *model.Calendar, op *model.PendingOperation, result *PushResult) error {
	now := p.now()

	var ev *model.Event
	err := st.WithTx(ctx, func(tx *store.Tx) error {
		op.Status = model.PendingStatusInProgress
		if err := tx.UpdatePendingOperationOutcome(op); err != nil {
			return err
		}
		var gerr error
		ev, gerr = tx.GetEvent(op.EventID)
		return gerr
	})
	if err == store.ErrNotFound {
		// The event vanished under the op (account/calendar cascade);
		// nothing left to push.
		return st.WithTx(ctx, func(tx *store.Tx) error {
			return tx.DeletePendingOperation(op.ID)
		})
	}
	if err != nil {
		return err
	}

	var cerr *caldav.Error
	switch op.Operation {
	case model.OpCreate:
		cerr = p.pushCreate(ctx, st, cal, op, ev, result)
	case model.OpUpdate:
		cerr = p.pushUpdate(ctx, st, cal, op, ev, result)
	case model.OpDelete:
		cerr = p.pushDelete(ctx, st, op, ev, result)
	case model.OpMove:
		cerr = p.pushMove(ctx, st, cal, op, ev, result)
	default:
		cerr = &caldav.Error{Kind: caldav.KindOther, Message: fmt.Sprintf("unknown operation %q", op.Operation)}
	}
	if cerr == nil {
		return nil
	}

	switch cerr.Kind {
	case caldav.KindAuth:
		op.Status = model.PendingStatusFailed
		op.FailedAt = &now
		op.LastError = cerr.Error()
		if werr := st.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.UpdatePendingOperationOutcome(op); err != nil {
				return err
			}
			return tx.AppendSyncLog(&model.SyncLog{
				Timestamp: now, CalendarID: cal.ID, EventUID: ev.UID,
				Result: model.SyncLogError401, Message: cerr.Error(),
			})
		}); werr != nil {
			return werr
		}
		// Surface auth failures: the caller routes them to the re-auth
		// flow and stops draining this account.
		return cerr

	case caldav.KindConflict:
		resolved, rerr := p.resolver.Resolve(ctx, st, cal, ev, op)
		if rerr != nil {
			return p.recordRetry(ctx, st, cal, op, ev, &caldav.Error{
				Kind: caldav.KindConflict, Code: 412, Message: rerr.Error(), Retryable: true,
			})
		}
		if resolved {
			result.ConflictsResolved++
		}
		return nil

	default:
		return p.recordRetry(ctx, st, cal, op, ev, cerr)
	}
}

func (p *PushStrategy) pushCreate(ctx context.Context, st *store.Store, cal *model.Calendar, op *model.PendingOperation, ev *model.Event, result *PushResult) *caldav.Error {
	body, err := p.buildBody(st, ev)
	if err != nil {
		return &caldav.Error{Kind: caldav.KindMalformed, Message: err.Error()}
	}

	eventURL, etag, cerr := p.client.CreateEvent(ctx, cal.CalDavURL, ev.UID, body)
	if cerr != nil {
		return cerr
	}
	if etag == "" {
		if fetched, ferr := p.client.FetchEtag(ctx, eventURL); ferr == nil {
			etag = fetched
		}
	}

	if werr := st.WithTx(ctx, func(tx *store.Tx) error {
		ev.CalDavURL = eventURL
		ev.ETag = etag
		ev.Sequence++
		ev.RawICal = body
		ev.SyncStatus = model.SyncStatusSynced
		ev.LastSyncError = ""
		if err := tx.UpsertEvent(ev); err != nil {
			return err
		}
		return tx.DeletePendingOperation(op.ID)
	}); werr != nil {
		return &caldav.Error{Kind: caldav.KindOther, Message: werr.Error()}
	}
	result.Created++
	return nil
}

func (p *PushStrategy) pushUpdate(ctx context.Context, st *store.Store, cal *model.Calendar, op *model.PendingOperation, ev *model.Event, result *PushResult) *caldav.Error {
	body, err := p.buildBody(st, ev)
	if err != nil {
		return &caldav.Error{Kind: caldav.KindMalformed, Message: err.Error()}
	}

	newEtag, cerr := p.client.UpdateEvent(ctx, ev.CalDavURL, body, ev.ETag)
	if cerr != nil {
		if cerr.Kind == caldav.KindNotFound {
			// The resource is gone server-side: promote to CREATE so the
			// local copy wins over a server-side deletion of a row the
			// user has meanwhile edited.
			return p.promoteToCreate(ctx, st, op, ev)
		}
		return cerr
	}

	if werr := st.WithTx(ctx, func(tx *store.Tx) error {
		ev.ETag = newEtag
		ev.Sequence++
		ev.RawICal = body
		ev.SyncStatus = model.SyncStatusSynced
		ev.LastSyncError = ""
		if err := tx.UpsertEvent(ev); err != nil {
			return err
		}
		return tx.DeletePendingOperation(op.ID)
	}); werr != nil {
		return &caldav.Error{Kind: caldav.KindOther, Message: werr.Error()}
	}
	result.Updated++
	return nil
}

func (p *PushStrategy) pushDelete(ctx context.Context, st *store.Store, op *model.PendingOperation, ev *model.Event, result *PushResult) *caldav.Error {
	if ev.CalDavURL != "" {
		if cerr := p.client.DeleteEvent(ctx, ev.CalDavURL, ev.ETag); cerr != nil && cerr.Kind != caldav.KindNotFound {
			return cerr
		}
	}
	// Never-pushed local rows (no caldavUrl) just vanish locally.

	if werr := st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteEvent(ev.ID); err != nil {
			return err
		}
		return tx.DeletePendingOperation(op.ID)
	}); werr != nil {
		return &caldav.Error{Kind: caldav.KindOther, Message: werr.Error()}
	}
	result.Deleted++
	return nil
}

// pushMove relocates ev into op.DestCalendarID. Same-account moves try
// WebDAV MOVE first; a 405 falls back to CREATE-in-dest + DELETE-from-src,
// which is also the only path for cross-account moves. Any other MOVE error
// is returned as the op's outcome.
func (p *PushStrategy) pushMove(ctx context.Context, st *store.Store, cal *model.Calendar, op *model.PendingOperation, ev *model.Event, result *PushResult) *caldav.Error {
	var dest *model.Calendar
	if err := st.WithTx(ctx, func(tx *store.Tx) error {
		var gerr error
		dest, gerr = tx.GetCalendar(op.DestCalendarID)
		return gerr
	}); err != nil {
		return &caldav.Error{Kind: caldav.KindOther, Message: err.Error()}
	}

	sameAccount := dest.AccountID == cal.AccountID
	if sameAccount && ev.CalDavURL != "" {
		newURL, etag, cerr := p.client.MoveEvent(ctx, ev.CalDavURL, dest.CalDavURL, ev.UID)
		if cerr == nil {
			return p.finishMove(ctx, st, op, ev, dest, newURL, etag, result)
		}
		if cerr.Code != 405 {
			return cerr
		}
		// Server doesn't implement MOVE: fall through to CREATE+DELETE.
	}

	body, err := p.buildBody(st, ev)
	if err != nil {
		return &caldav.Error{Kind: caldav.KindMalformed, Message: err.Error()}
	}
	newURL, etag, cerr := p.client.CreateEvent(ctx, dest.CalDavURL, ev.UID, body)
	if cerr != nil {
		return cerr
	}
	if ev.CalDavURL != "" {
		if derr := p.client.DeleteEvent(ctx, ev.CalDavURL, ev.ETag); derr != nil && derr.Kind != caldav.KindNotFound {
			// The copy exists in dest but the source deletion failed;
			// retrying the whole op is safe because CREATE with
			// If-None-Match against an existing UID will report conflict
			// and the resolver reconciles.
			return derr
		}
	}
	return p.finishMove(ctx, st, op, ev, dest, newURL, etag, result)
}

// finishMove repoints the event and every exception sharing its UID at the
// destination calendar (same account, same UID namespace).
func (p *PushStrategy) finishMove(ctx context.Context, st *store.Store, op *model.PendingOperation, ev *model.Event, dest *model.Calendar, newURL, etag string, result *PushResult) *caldav.Error {
	if werr := st.WithTx(ctx, func(tx *store.Tx) error {
		exceptions, err := tx.ListExceptions(ev.ID)
		if err != nil {
			return err
		}
		ev.CalendarID = dest.ID
		ev.CalDavURL = newURL
		ev.ETag = etag
		ev.SyncStatus = model.SyncStatusSynced
		ev.LastSyncError = ""
		if err := tx.UpsertEvent(ev); err != nil {
			return err
		}
		for _, ex := range exceptions {
			ex.CalendarID = dest.ID
			ex.CalDavURL = newURL
			if err := tx.UpsertEvent(ex); err != nil {
				return err
			}
		}
		idx := occurrence.New(tx)
		if err := idx.RegenerateFor(ev.ID); err != nil {
			return err
		}
		return tx.DeletePendingOperation(op.ID)
	}); werr != nil {
		return &caldav.Error{Kind: caldav.KindOther, Message: werr.Error()}
	}
	result.Updated++
	return nil
}

// promoteToCreate converts a 404'd UPDATE into a CREATE by clearing the
// event's server coordinates and recycling the op in place.
func (p *PushStrategy) promoteToCreate(ctx context.Context, st *store.Store, op *model.PendingOperation, ev *model.Event) *caldav.Error {
	now := p.now()
	if werr := st.WithTx(ctx, func(tx *store.Tx) error {
		ev.CalDavURL = ""
		ev.ETag = ""
		ev.SyncStatus = model.SyncStatusPendingCreate
		if err := tx.UpsertEvent(ev); err != nil {
			return err
		}
		if err := tx.DeletePendingOperation(op.ID); err != nil {
			return err
		}
		return tx.EnqueuePendingOperation(&model.PendingOperation{
			EventID:         ev.ID,
			Operation:       model.OpCreate,
			Status:          model.PendingStatusPending,
			RetryCount:      op.RetryCount,
			MaxRetries:      op.MaxRetries,
			NextRetryAt:     now,
			LifetimeResetAt: op.LifetimeResetAt,
		})
	}); werr != nil {
		return &caldav.Error{Kind: caldav.KindOther, Message: werr.Error()}
	}
	return nil
}

// recordRetry reschedules op with exponential backoff, or marks it FAILED
// once the retry budget is spent.
func (p *PushStrategy) recordRetry(ctx context.Context, st *store.Store, cal *model.Calendar, op *model.PendingOperation, ev *model.Event, cerr *caldav.Error) error {
	now := p.now()
	op.RetryCount++
	op.LastError = cerr.Error()
	if op.RetryCount >= op.MaxRetries {
		op.Status = model.PendingStatusFailed
		op.FailedAt = &now
	} else {
		op.Status = model.PendingStatusPending
		op.NextRetryAt = now.Add(CalculateRetryDelay(op.RetryCount))
	}

	return st.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpdatePendingOperationOutcome(op); err != nil {
			return err
		}
		return tx.AppendSyncLog(&model.SyncLog{
			Timestamp: now, CalendarID: cal.ID, EventUID: ev.UID,
			Result: syncLogResultFor(cerr), Message: cerr.Error(),
		})
	})
}

// buildBody renders the PUT body for ev: patched against the
// server-authored blob when one exists, synthesized fresh otherwise. A
// recurring master with exception rows is serialized as one VCALENDAR
// carrying the whole series.
func (p *PushStrategy) buildBody(st *store.Store, ev *model.Event) ([]byte, error) {
	if !ev.IsException() && len(ev.RawICal) == 0 {
		exceptions, err := st.ListExceptions(ev.ID)
		if err != nil {
			return nil, err
		}
		if len(exceptions) > 0 {
			return icscodec.SerializeWithExceptions(ev, exceptions)
		}
	}
	return icscodec.Patch(ev.RawICal, ev)
}

func syncLogResultFor(cerr *caldav.Error) model.SyncLogResult {
	switch {
	case cerr.Kind == caldav.KindAuth:
		return model.SyncLogError401
	case cerr.Kind == caldav.KindPermission:
		return model.SyncLogError403
	case cerr.Kind == caldav.KindNotFound:
		return model.SyncLogError404
	case cerr.Kind == caldav.KindConflict:
		return model.SyncLogError412
	case cerr.Kind == caldav.KindServer:
		return model.SyncLogError5xx
	case cerr.Kind == caldav.KindNetwork || cerr.Kind == caldav.KindTimeout:
		return model.SyncLogErrorNetwork
	default:
		return model.SyncLogErrorOther
	}
}
