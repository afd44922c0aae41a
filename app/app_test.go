package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kashcal/core/credstore"
	"github.com/kashcal/core/model"
	"github.com/kashcal/core/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kashcal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, credstore.NewMemory(), nil, nil, zerolog.Nop())
}

func seedCalendar(t *testing.T, a *App) *model.Calendar {
	t.Helper()
	acc := &model.Account{Provider: model.ProviderGenericCalDAV, Email: "p@example.com", IsEnabled: true, CreatedAt: time.Now()}
	require.NoError(t, a.Store.UpsertAccount(acc))
	cal := &model.Calendar{AccountID: acc.ID, CalDavURL: "https://dav.example.com/cal/", IsVisible: true}
	require.NoError(t, a.Store.UpsertCalendar(cal))
	return cal
}

func TestCreateEventQueuesPendingCreate(t *testing.T) {
	a := newTestApp(t)
	cal := seedCalendar(t, a)

	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	id, err := a.CreateEvent(context.Background(), cal.ID, EventDraft{
		Title:     "Dentist",
		StartTs:   start.UnixMilli(),
		EndTs:     start.Add(time.Hour).UnixMilli(),
		Reminders: []string{"-PT15M"},
	})
	require.NoError(t, err)

	ev, err := a.Store.GetEvent(id)
	require.NoError(t, err)
	require.Equal(t, model.SyncStatusPendingCreate, ev.SyncStatus)
	require.NotEmpty(t, ev.UID)

	occs, err := a.Store.ListOccurrencesForEvent(id)
	require.NoError(t, err)
	require.Len(t, occs, 1)

	ops, err := a.Store.ListPendingOperationsForEvent(id)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, model.OpCreate, ops[0].Operation)

	// Reminders were planned inside the same transaction.
	reminders, err := a.Store.ListRemindersForEvent(id)
	require.NoError(t, err)
	require.Len(t, reminders, 1)
}

func TestUpdateEventBumpsSequenceAndQueuesOnce(t *testing.T) {
	a := newTestApp(t)
	cal := seedCalendar(t, a)

	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	draft := EventDraft{Title: "Standup", StartTs: start.UnixMilli(), EndTs: start.Add(time.Hour).UnixMilli()}
	id, err := a.CreateEvent(context.Background(), cal.ID, draft)
	require.NoError(t, err)

	// Simulate the event having been pushed already.
	ev, err := a.Store.GetEvent(id)
	require.NoError(t, err)
	ev.SyncStatus = model.SyncStatusSynced
	ev.CalDavURL = "https://dav.example.com/cal/x.ics"
	ev.ETag = "v1"
	require.NoError(t, a.Store.UpsertEvent(ev))
	for _, op := range mustOps(t, a, id) {
		require.NoError(t, a.Store.DeletePendingOperation(op.ID))
	}

	seqBefore := ev.Sequence
	draft.Title = "Standup (new room)"
	require.NoError(t, a.UpdateEvent(context.Background(), id, draft))
	require.NoError(t, a.UpdateEvent(context.Background(), id, draft))

	got, err := a.Store.GetEvent(id)
	require.NoError(t, err)
	require.Equal(t, model.SyncStatusPendingUpdate, got.SyncStatus)
	require.Greater(t, got.Sequence, seqBefore)

	// Two edits, one queued UPDATE.
	ops := mustOps(t, a, id)
	require.Len(t, ops, 1)
	require.Equal(t, model.OpUpdate, ops[0].Operation)
}

func mustOps(t *testing.T, a *App, eventID string) []*model.PendingOperation {
	t.Helper()
	ops, err := a.Store.ListPendingOperationsForEvent(eventID)
	require.NoError(t, err)
	return ops
}

func TestDeleteThisAddsExdate(t *testing.T) {
	a := newTestApp(t)
	cal := seedCalendar(t, a)

	start := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	id, err := a.CreateEvent(context.Background(), cal.ID, EventDraft{
		Title:   "Weekly",
		StartTs: start.UnixMilli(),
		EndTs:   start.Add(time.Hour).UnixMilli(),
		RRule:   "FREQ=WEEKLY;COUNT=8",
	})
	require.NoError(t, err)

	second := start.AddDate(0, 0, 7)
	require.NoError(t, a.DeleteEvent(context.Background(), id, DeleteThis, second.UnixMilli()))

	ev, err := a.Store.GetEvent(id)
	require.NoError(t, err)
	require.Contains(t, ev.EXDate, second.Format("20060102T150405Z"))

	occs, err := a.Store.ListOccurrencesForEvent(id)
	require.NoError(t, err)
	for _, occ := range occs {
		require.NotEqual(t, second.UnixMilli(), occ.StartTs)
	}
}

func TestDeleteThisAndFollowingTruncatesSeries(t *testing.T) {
	a := newTestApp(t)
	cal := seedCalendar(t, a)

	start := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	id, err := a.CreateEvent(context.Background(), cal.ID, EventDraft{
		Title:   "Weekly",
		StartTs: start.UnixMilli(),
		EndTs:   start.Add(time.Hour).UnixMilli(),
		RRule:   "FREQ=WEEKLY;COUNT=8",
	})
	require.NoError(t, err)

	cutoff := start.AddDate(0, 0, 21)
	require.NoError(t, a.DeleteEvent(context.Background(), id, DeleteThisAndFollowing, cutoff.UnixMilli()))

	ev, err := a.Store.GetEvent(id)
	require.NoError(t, err)
	require.Contains(t, ev.RRule, "UNTIL=")
	require.NotContains(t, ev.RRule, "COUNT=")

	occs, err := a.Store.ListOccurrencesForEvent(id)
	require.NoError(t, err)
	require.Len(t, occs, 3)
	for _, occ := range occs {
		require.Less(t, occ.StartTs, cutoff.UnixMilli())
	}
}

func TestDeleteAllNeverPushedRemovesLocally(t *testing.T) {
	a := newTestApp(t)
	cal := seedCalendar(t, a)

	start := time.Now().Add(24 * time.Hour)
	id, err := a.CreateEvent(context.Background(), cal.ID, EventDraft{
		Title: "Oops", StartTs: start.UnixMilli(), EndTs: start.Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)

	require.NoError(t, a.DeleteEvent(context.Background(), id, DeleteAll, 0))

	_, err = a.Store.GetEvent(id)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, mustOps(t, a, id))
}

func TestQueryEventsReturnsEffectiveEvent(t *testing.T) {
	a := newTestApp(t)
	cal := seedCalendar(t, a)

	start := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	id, err := a.CreateEvent(context.Background(), cal.ID, EventDraft{
		Title:   "Weekly",
		StartTs: start.UnixMilli(),
		EndTs:   start.Add(time.Hour).UnixMilli(),
		RRule:   "FREQ=WEEKLY;COUNT=4",
	})
	require.NoError(t, err)

	results, err := a.QueryEvents(start.UnixMilli(), start.AddDate(0, 2, 0).UnixMilli(), []string{cal.ID})
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Equal(t, id, results[0].Event.ID)

	// Sorted by occurrence start.
	for i := 1; i < len(results); i++ {
		require.Less(t, results[i-1].Occurrence.StartTs, results[i].Occurrence.StartTs)
	}
}

func TestSearchEventsPairsNextOccurrence(t *testing.T) {
	a := newTestApp(t)
	cal := seedCalendar(t, a)

	start := time.Now().Add(48 * time.Hour).Truncate(time.Hour)
	_, err := a.CreateEvent(context.Background(), cal.ID, EventDraft{
		Title: "Architecture review", StartTs: start.UnixMilli(), EndTs: start.Add(time.Hour).UnixMilli(),
	})
	require.NoError(t, err)

	hits, err := a.SearchEvents("architecture", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.NotNil(t, hits[0].Occurrence)
	require.Equal(t, start.UnixMilli(), hits[0].Occurrence.StartTs)

	hits, err = a.SearchEvents("archi*", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	none, err := a.SearchEvents("nonexistent", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSubscribeIcsCreatesReadOnlyCalendar(t *testing.T) {
	a := newTestApp(t)

	id, err := a.SubscribeIcs(context.Background(), "webcal://example.com/holidays.ics", "Holidays", 0xFF00AA00, 12)
	require.NoError(t, err)

	sub, err := a.Store.GetIcsSubscription(id)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sub.URL, "webcal://"), "original URL kept; normalization happens at fetch time")

	cal, err := a.Store.GetCalendar(sub.CalendarID)
	require.NoError(t, err)
	require.True(t, cal.IsReadOnly)
	require.Equal(t, "Holidays", cal.DisplayName)
}
