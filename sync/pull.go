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

const multigetChunk = 50

// PullResult tallies one PullStrategy.Pull invocation, the `pulled.*` half
// of a SyncResult.
type PullResult struct {
	Added, Updated, Deleted int
	TouchedEventIDs         []string
}

// PullStrategy reconciles local Event rows with a calendar's server-side
// collection using the cheapest correct change-detection available: ctag
// short-circuit, then sync-collection, then etag diff, then full fetch.
type PullStrategy struct {
	client *caldav.Client
	now    func() time.Time
}

func NewPullStrategy(client *caldav.Client) *PullStrategy {
	return &PullStrategy{client: client, now: time.Now}
}

// Pull runs the decision tree for one calendar. cal is mutated in place
// with the fresh ctag/syncToken on success; the caller is responsible for
// having loaded it from the Store first.
func (p *PullStrategy) Pull(ctx context.Context, st *store.Store, cal *model.Calendar, forceFull bool) (*PullResult, error) {
	if !forceFull && cal.CTag != "" {
		ctag, cerr := p.client.GetCtag(ctx, cal.CalDavURL)
		if cerr != nil {
			return nil, cerr
		}
		if ctag == cal.CTag {
			return &PullResult{}, nil
		}
	}

	if !forceFull && cal.SyncToken != "" {
		objs, deletedHrefs, newToken, err := p.fetchIncremental(ctx, cal)
		if err == nil {
			return p.apply(ctx, st, cal, objs, deletedHrefs, newToken)
		}
		if !isSyncTokenInvalid(err) {
			return nil, err
		}
		// Sync token expired server-side: fall through to the etag-diff
		// fallback rather than failing the whole pull.
	}

	if !forceFull && (cal.CTag != "" || cal.SyncToken != "") {
		objs, deletedHrefs, err := p.fetchEtagDiff(ctx, st, cal)
		if err != nil {
			return nil, err
		}
		return p.apply(ctx, st, cal, objs, deletedHrefs, "")
	}

	objs, err := p.fetchFull(ctx, cal)
	if err != nil {
		return nil, err
	}
	return p.apply(ctx, st, cal, objs, nil, "")
}

// fetchIncremental drives syncCollection to completion, following
// truncated responses with the refreshed token, then multigets every
// changed href in chunks of multigetChunk.
func (p *PullStrategy) fetchIncremental(ctx context.Context, cal *model.Calendar) (objs []caldav.CalendarObject, deletedHrefs []string, newToken string, err error) {
	token := cal.SyncToken
	var changedHrefs []string
	for {
		scr, cerr := p.client.SyncCollection(ctx, cal.CalDavURL, token)
		if cerr != nil {
			return nil, nil, "", cerr
		}
		for _, c := range scr.Changed {
			changedHrefs = append(changedHrefs, c.Href)
		}
		deletedHrefs = append(deletedHrefs, scr.Deleted...)
		token = scr.NewToken
		if !scr.Truncated {
			break
		}
	}

	for i := 0; i < len(changedHrefs); i += multigetChunk {
		end := i + multigetChunk
		if end > len(changedHrefs) {
			end = len(changedHrefs)
		}
		chunk, cerr := p.client.FetchEventsByHref(ctx, cal.CalDavURL, changedHrefs[i:end])
		if cerr != nil {
			return nil, nil, "", cerr
		}
		objs = append(objs, chunk...)
	}
	return objs, deletedHrefs, token, nil
}

// fetchEtagDiff compares the server's (href, etag) listing for the sync
// horizon against the locally stored SYNCED rows, fetching whatever
// differs and flagging server-absent hrefs for deletion. Local rows with a
// PENDING_* syncStatus are never considered for deletion here: they are
// excluded by store.ListSyncedHrefEtags already.
func (p *PullStrategy) fetchEtagDiff(ctx context.Context, st *store.Store, cal *model.Calendar) (objs []caldav.CalendarObject, deletedHrefs []string, err error) {
	now := p.now()
	serverList, cerr := p.client.FetchEtagsInRange(ctx, cal.CalDavURL, now.Add(-occurrence.HorizonPast), now.Add(occurrence.HorizonFuture))
	if cerr != nil {
		return nil, nil, cerr
	}

	local, lerr := st.ListSyncedHrefEtags(cal.ID, icscodec.ParserVersion)
	if lerr != nil {
		return nil, nil, lerr
	}

	serverHrefs := make(map[string]bool, len(serverList.Items))
	var toFetch []string
	for _, item := range serverList.Items {
		serverHrefs[item.Href] = true
		if localEtag, ok := local[item.Href]; !ok || localEtag != item.ETag {
			toFetch = append(toFetch, item.Href)
		}
	}
	for href := range local {
		if !serverHrefs[href] {
			deletedHrefs = append(deletedHrefs, href)
		}
	}

	for i := 0; i < len(toFetch); i += multigetChunk {
		end := i + multigetChunk
		if end > len(toFetch) {
			end = len(toFetch)
		}
		chunk, cerr := p.client.FetchEventsByHref(ctx, cal.CalDavURL, toFetch[i:end])
		if cerr != nil {
			return nil, nil, cerr
		}
		objs = append(objs, chunk...)
	}
	return objs, deletedHrefs, nil
}

func (p *PullStrategy) fetchFull(ctx context.Context, cal *model.Calendar) ([]caldav.CalendarObject, error) {
	now := p.now()
	objs, cerr := p.client.FetchEventsInRange(ctx, cal.CalDavURL, now.Add(-occurrence.HorizonPast), now.Add(occurrence.HorizonFuture))
	if cerr != nil {
		return nil, cerr
	}
	return objs, nil
}

// apply is the one-transaction write pass of a pull: parse every
// fetched object, upsert masters and exceptions, delete server-absent
// hrefs, regenerate occurrences for every touched master, persist the
// fresh ctag/syncToken, and record a SyncLog row — all atomically.
func (p *PullStrategy) apply(ctx context.Context, st *store.Store, cal *model.Calendar, objs []caldav.CalendarObject, deletedHrefs []string, newToken string) (*PullResult, error) {
	result := &PullResult{}
	now := p.now()

	err := st.WithTx(ctx, func(tx *store.Tx) error {
		touched := map[string]bool{}
		for _, obj := range objs {
			a, u, werr := p.applyObject(tx, cal, obj, touched)
			if werr != nil {
				return werr
			}
			result.Added += a
			result.Updated += u
		}
		for _, href := range deletedHrefs {
			deleted, derr := p.deleteByHref(tx, cal, href, touched)
			if derr != nil {
				return derr
			}
			if deleted {
				result.Deleted++
			}
		}

		idx := occurrence.New(tx)
		for id := range touched {
			if err := idx.RegenerateFor(id); err != nil {
				return err
			}
			result.TouchedEventIDs = append(result.TouchedEventIDs, id)
		}

		ctag, cerr := p.client.GetCtag(ctx, cal.CalDavURL)
		if cerr != nil {
			return cerr
		}
		cal.CTag = ctag
		if newToken != "" {
			cal.SyncToken = newToken
		}
		if err := tx.UpdateCalendarSyncState(cal.ID, cal.CTag, cal.SyncToken); err != nil {
			return err
		}

		return tx.AppendSyncLog(&model.SyncLog{
			Timestamp:  now,
			CalendarID: cal.ID,
			Result:     model.SyncLogSuccess,
			Message:    fmt.Sprintf("pull: added=%d updated=%d deleted=%d", result.Added, result.Updated, result.Deleted),
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyObject parses one fetched VCALENDAR object and upserts its master
// (if present) followed by its RECURRENCE-ID exceptions, which is always
// the order they come back in since one href holds one UID's full series.
func (p *PullStrategy) applyObject(tx *store.Tx, cal *model.Calendar, obj caldav.CalendarObject, touched map[string]bool) (added, updated int, err error) {
	parsed, perr := icscodec.Parse(obj.ICalData)
	if perr != nil {
		// Malformed ics: skip this object rather than failing the whole
		// pull pass over one bad href.
		return 0, 0, nil
	}

	var master *model.Event
	var masterPE *icscodec.ParsedEvent
	var exceptions []*icscodec.ParsedEvent
	for _, pe := range parsed {
		if pe.RecurrenceID == nil {
			masterPE = pe
		} else {
			exceptions = append(exceptions, pe)
		}
	}

	if masterPE != nil {
		existing, gerr := tx.GetEventByUID(cal.ID, masterPE.UID)
		isNew := gerr == store.ErrNotFound
		if gerr != nil && !isNew {
			return 0, 0, gerr
		}
		ev := masterPE.Event
		if !isNew {
			ev.ID = existing.ID
		}
		ev.CalendarID = cal.ID
		ev.CalDavURL = obj.Href
		ev.ETag = obj.ETag
		ev.SyncStatus = model.SyncStatusSynced
		ev.LastSyncError = ""
		ev.ParserVersion = icscodec.ParserVersion
		if werr := tx.UpsertEvent(&ev); werr != nil {
			return 0, 0, werr
		}
		master = &ev
		touched[master.ID] = true
		if isNew {
			added++
		} else {
			updated++
		}
	}

	for _, pe := range exceptions {
		masterID := ""
		if master != nil {
			masterID = master.ID
		} else if m, gerr := tx.GetEventByUID(cal.ID, pe.UID); gerr == nil {
			masterID = m.ID
		} else if gerr != store.ErrNotFound {
			return added, updated, gerr
		}

		existing, gerr := tx.GetExceptionByInstanceTime(cal.ID, pe.UID, *pe.RecurrenceID)
		isNew := gerr == store.ErrNotFound
		if gerr != nil && !isNew {
			return added, updated, gerr
		}
		ev := pe.Event
		if !isNew {
			ev.ID = existing.ID
		}
		ev.CalendarID = cal.ID
		ev.OriginalEventID = masterID
		ev.OriginalInstanceTime = *pe.RecurrenceID
		ev.CalDavURL = obj.Href
		ev.ETag = obj.ETag
		ev.SyncStatus = model.SyncStatusSynced
		ev.LastSyncError = ""
		ev.ParserVersion = icscodec.ParserVersion
		if werr := tx.UpsertEvent(&ev); werr != nil {
			return added, updated, werr
		}
		if masterID != "" {
			touched[masterID] = true
		}
		if isNew {
			added++
		} else {
			updated++
		}
	}
	return added, updated, nil
}

// deleteByHref removes the local Event at href if it is still SYNCED.
// PENDING_* rows are left alone: a local mutation in flight must never be
// silently discarded just because the server hasn't seen it yet.
func (p *PullStrategy) deleteByHref(tx *store.Tx, cal *model.Calendar, href string, touched map[string]bool) (bool, error) {
	ev, err := tx.GetEventByCalDavURL(cal.ID, href)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ev.SyncStatus != model.SyncStatusSynced {
		return false, nil
	}
	if ev.OriginalEventID != "" {
		touched[ev.OriginalEventID] = true
	} else {
		touched[ev.ID] = true
	}
	if err := tx.DeleteEvent(ev.ID); err != nil {
		return false, err
	}
	return true, nil
}

func isSyncTokenInvalid(err error) bool {
	cerr, ok := err.(*caldav.Error)
	return ok && cerr.Kind == caldav.KindSyncTokenInvalid
}
