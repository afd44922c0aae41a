package sync

import (
	"context"
	"time"

	"github.com/kashcal/core/caldav"
	"github.com/kashcal/core/icscodec"
	"github.com/kashcal/core/model"
	"github.com/kashcal/core/occurrence"
	"github.com/kashcal/core/store"
)

// ConflictResolver reconciles a 412 (or a lost update detected during
// pull): server wins on metadata, local wins
// on user-visible content, decided by a three-way comparison over base
// (the last SYNCED rawIcal), local (the current entity), and remote (the
// freshly fetched server copy).
type ConflictResolver struct {
	client *caldav.Client
	now    func() time.Time
}

func NewConflictResolver(client *caldav.Client) *ConflictResolver {
	return &ConflictResolver{client: client, now: time.Now}
}

// Resolve runs the policy for one conflicted op. It returns resolved=true
// when the conflict was settled this pass (remote accepted, or the op was
// rebased and requeued); an error means the resolution itself could not
// complete and the op should be retried later.
func (r *ConflictResolver) Resolve(ctx context.Context, st *store.Store, cal *model.Calendar, local *model.Event, op *model.PendingOperation) (resolved bool, err error) {
	now := r.now()

	remoteObj, cerr := r.client.FetchEvent(ctx, local.CalDavURL)
	if cerr != nil {
		if cerr.Kind == caldav.KindNotFound {
			// Conflict against a deleted resource: the local copy is the
			// only surviving version. Requeue as CREATE.
			return true, st.WithTx(ctx, func(tx *store.Tx) error {
				local.CalDavURL = ""
				local.ETag = ""
				local.SyncStatus = model.SyncStatusPendingCreate
				if err := tx.UpsertEvent(local); err != nil {
					return err
				}
				op.Operation = model.OpCreate
				op.Status = model.PendingStatusPending
				op.NextRetryAt = now
				if err := tx.DeletePendingOperation(op.ID); err != nil {
					return err
				}
				return tx.EnqueuePendingOperation(op)
			})
		}
		return false, cerr
	}

	remote := r.matchingParsedEvent(remoteObj.ICalData, local)
	if remote == nil {
		return false, &caldav.Error{Kind: caldav.KindMalformed, Message: "conflict: remote blob has no matching VEVENT"}
	}

	base := r.matchingParsedEvent(local.RawICal, local)

	// Steps 2 and 3 of the policy collapse to "accept remote": either the
	// two sides agree on everything the user can see, or the user never
	// touched anything since base and only metadata diverged.
	acceptRemote := userVisibleEqual(&remote.Event, local) ||
		(base != nil && userVisibleEqual(&base.Event, local))

	err = st.WithTx(ctx, func(tx *store.Tx) error {
		if acceptRemote {
			r.applyRemote(local, remote, remoteObj)
			if err := tx.UpsertEvent(local); err != nil {
				return err
			}
			if err := tx.DeletePendingOperation(op.ID); err != nil {
				return err
			}
		} else {
			// Rebase: local's user-visible fields layered over the remote
			// blob. Patch bumps SEQUENCE past whichever of the two is
			// higher, and the remote etag makes the requeued PUT's
			// If-Match valid again.
			rebased, perr := icscodec.Patch(remoteObj.ICalData, local)
			if perr != nil {
				return perr
			}
			if remote.Sequence > local.Sequence {
				local.Sequence = remote.Sequence
			}
			local.RawICal = rebased
			local.ETag = remoteObj.ETag
			local.SyncStatus = model.SyncStatusPendingUpdate
			if err := tx.UpsertEvent(local); err != nil {
				return err
			}
			op.Operation = model.OpUpdate
			op.Status = model.PendingStatusPending
			op.NextRetryAt = now
			op.LastError = ""
			if err := tx.DeletePendingOperation(op.ID); err != nil {
				return err
			}
			if err := tx.EnqueuePendingOperation(op); err != nil {
				return err
			}
		}

		idx := occurrence.New(tx)
		regenTarget := local.ID
		if local.IsException() && local.OriginalEventID != "" {
			regenTarget = local.OriginalEventID
		}
		if err := idx.RegenerateFor(regenTarget); err != nil {
			return err
		}

		resolution := "rebased local edits onto remote"
		if acceptRemote {
			resolution = "accepted remote"
		}
		return tx.AppendSyncLog(&model.SyncLog{
			Timestamp: now, CalendarID: cal.ID, EventUID: local.UID,
			Result: model.SyncLogError412, Message: "conflict: " + resolution,
		})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// matchingParsedEvent parses blob and returns the component corresponding
// to local: the master when local is a master, or the exception with the
// same RECURRENCE-ID when local is an exception. nil when blob is empty or
// unparseable — the caller then has no base and must assume user edits.
func (r *ConflictResolver) matchingParsedEvent(blob []byte, local *model.Event) *icscodec.ParsedEvent {
	if len(blob) == 0 {
		return nil
	}
	parsed, err := icscodec.Parse(blob)
	if err != nil {
		return nil
	}
	for _, pe := range parsed {
		if local.IsException() {
			if pe.RecurrenceID != nil && *pe.RecurrenceID == local.OriginalInstanceTime {
				return pe
			}
		} else if pe.RecurrenceID == nil {
			return pe
		}
	}
	return nil
}

// applyRemote overwrites local with the server's version while keeping
// local row identity (ID, calendar, exception linkage).
func (r *ConflictResolver) applyRemote(local *model.Event, remote *icscodec.ParsedEvent, obj *caldav.CalendarObject) {
	id, calID := local.ID, local.CalendarID
	origID, origTime := local.OriginalEventID, local.OriginalInstanceTime
	url := local.CalDavURL

	*local = remote.Event
	local.ID = id
	local.CalendarID = calID
	local.OriginalEventID = origID
	local.OriginalInstanceTime = origTime
	local.CalDavURL = url
	local.ETag = obj.ETag
	local.SyncStatus = model.SyncStatusSynced
	local.LastSyncError = ""
}

// userVisibleEqual compares exactly the user-visible fields: title,
// location, description, start/end, recurrence rule, and the reminder
// offsets.
func userVisibleEqual(a, b *model.Event) bool {
	if a.Title != b.Title || a.Location != b.Location || a.Description != b.Description {
		return false
	}
	if a.StartTs != b.StartTs || a.EndTs != b.EndTs {
		return false
	}
	if a.RRule != b.RRule {
		return false
	}
	if len(a.Reminders) != len(b.Reminders) {
		return false
	}
	for i := range a.Reminders {
		if a.Reminders[i] != b.Reminders[i] {
			return false
		}
	}
	return true
}
