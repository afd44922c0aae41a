package reminder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kashcal/core/model"
	"github.com/kashcal/core/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kashcal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fixedPlanner(now time.Time) *Planner {
	p := NewPlanner(nil)
	p.now = func() time.Time { return now }
	return p
}

type seeded struct {
	cal   *model.Calendar
	event *model.Event
}

func seed(t *testing.T, s *store.Store, now time.Time, reminders []string) seeded {
	t.Helper()
	acc := &model.Account{Provider: model.ProviderGenericCalDAV, Email: "p@example.com", IsEnabled: true, CreatedAt: now}
	require.NoError(t, s.UpsertAccount(acc))
	cal := &model.Calendar{AccountID: acc.ID, CalDavURL: "https://dav.example.com/cal/", IsVisible: true, Color: 0xFF112233}
	require.NoError(t, s.UpsertCalendar(cal))

	start := now.Add(3 * time.Hour)
	ev := &model.Event{
		UID:        "u1",
		CalendarID: cal.ID,
		Title:      "Review",
		Location:   "Room 2",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		Reminders:  reminders,
		SyncStatus: model.SyncStatusSynced,
	}
	require.NoError(t, s.UpsertEvent(ev))
	require.NoError(t, s.ReplaceOccurrences(ev.ID, []*model.Occurrence{{
		EventID:    ev.ID,
		CalendarID: cal.ID,
		StartTs:    ev.StartTs,
		EndTs:      ev.EndTs,
		StartDay:   20250610,
		EndDay:     20250610,
	}}))
	return seeded{cal: cal, event: ev}
}

func TestRefreshMaterializesReminders(t *testing.T) {
	now := time.Date(2025, 6, 10, 6, 0, 0, 0, time.UTC)
	s := newTestStore(t)
	sd := seed(t, s, now, []string{"-PT15M", "-PT1H"})

	p := fixedPlanner(now)
	require.NoError(t, p.Refresh(s, sd.cal.ID))

	rows, err := s.ListRemindersForEvent(sd.event.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.Equal(t, model.ReminderStatusPending, r.Status)
		require.Equal(t, sd.event.StartTs, r.OccurrenceTime)
		require.Equal(t, "Review", r.EventTitle)
		require.Equal(t, "Room 2", r.EventLocation)
		require.Equal(t, uint32(0xFF112233), r.CalendarColor)
	}

	offsets := map[string]int64{}
	for _, r := range rows {
		offsets[r.ReminderOffset] = r.TriggerTime
	}
	require.Equal(t, sd.event.StartTs-15*time.Minute.Milliseconds(), offsets["-PT15M"])
	require.Equal(t, sd.event.StartTs-time.Hour.Milliseconds(), offsets["-PT1H"])
}

func TestRefreshSkipsNoReminderEvents(t *testing.T) {
	now := time.Date(2025, 6, 10, 6, 0, 0, 0, time.UTC)
	s := newTestStore(t)
	sd := seed(t, s, now, nil)

	p := fixedPlanner(now)
	require.NoError(t, p.Refresh(s, sd.cal.ID))
	rows, err := s.ListRemindersForEvent(sd.event.ID)
	require.NoError(t, err)
	require.Empty(t, rows, "no reminder offsets means no scheduled rows")
}

func TestRefreshDropsStaleButKeepsFired(t *testing.T) {
	now := time.Date(2025, 6, 10, 6, 0, 0, 0, time.UTC)
	s := newTestStore(t)
	sd := seed(t, s, now, []string{"-PT15M"})

	p := fixedPlanner(now)
	require.NoError(t, p.Refresh(s, sd.cal.ID))
	rows, err := s.ListRemindersForEvent(sd.event.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// The user already saw this one.
	require.NoError(t, s.UpdateReminderStatus(rows[0].ID, model.ReminderStatusFired, rows[0].TriggerTime, 0))

	// Event loses its reminders; the FIRED row must survive the refresh.
	sd.event.Reminders = nil
	require.NoError(t, s.UpsertEvent(sd.event))
	require.NoError(t, p.Refresh(s, sd.cal.ID))

	rows, err = s.ListRemindersForEvent(sd.event.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, model.ReminderStatusFired, rows[0].Status)
}

func TestExceptionInheritsMasterReminders(t *testing.T) {
	now := time.Date(2025, 6, 10, 6, 0, 0, 0, time.UTC)
	s := newTestStore(t)
	sd := seed(t, s, now, []string{"-PT30M"})

	// Override the instance with an exception carrying no alarms of its
	// own: RFC 5545 inheritance applies the master's.
	exStart := time.UnixMilli(sd.event.StartTs).Add(time.Hour)
	ex := &model.Event{
		UID:                  "u1",
		CalendarID:           sd.cal.ID,
		Title:                "Review (moved)",
		StartTs:              exStart.UnixMilli(),
		EndTs:                exStart.Add(time.Hour).UnixMilli(),
		OriginalEventID:      sd.event.ID,
		OriginalInstanceTime: sd.event.StartTs,
		SyncStatus:           model.SyncStatusSynced,
	}
	require.NoError(t, s.UpsertEvent(ex))
	require.NoError(t, s.ReplaceOccurrences(sd.event.ID, []*model.Occurrence{{
		EventID:          sd.event.ID,
		CalendarID:       sd.cal.ID,
		StartTs:          sd.event.StartTs,
		EndTs:            sd.event.EndTs,
		StartDay:         20250610,
		EndDay:           20250610,
		ExceptionEventID: ex.ID,
	}}))

	p := fixedPlanner(now)
	require.NoError(t, p.Refresh(s, sd.cal.ID))

	rows, err := s.ListRemindersForEvent(ex.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "-PT30M", rows[0].ReminderOffset)
	require.Equal(t, "Review (moved)", rows[0].EventTitle)

	// The master itself has no direct row for the overridden instance.
	masterRows, err := s.ListRemindersForEvent(sd.event.ID)
	require.NoError(t, err)
	require.Empty(t, masterRows)
}

func TestReminderStateMachine(t *testing.T) {
	now := time.Date(2025, 6, 10, 6, 0, 0, 0, time.UTC)
	s := newTestStore(t)
	sd := seed(t, s, now, []string{"-PT15M"})

	p := fixedPlanner(now)
	require.NoError(t, p.Refresh(s, sd.cal.ID))
	rows, err := s.ListRemindersForEvent(sd.event.ID)
	require.NoError(t, err)
	id := rows[0].ID

	require.NoError(t, p.Fire(s, id))
	r, err := s.GetReminder(id)
	require.NoError(t, err)
	require.Equal(t, model.ReminderStatusFired, r.Status)

	require.NoError(t, p.Snooze(s, id, 10*time.Minute))
	r, err = s.GetReminder(id)
	require.NoError(t, err)
	require.Equal(t, model.ReminderStatusSnoozed, r.Status)
	require.Equal(t, 1, r.SnoozeCount)
	require.Equal(t, now.Add(10*time.Minute).UnixMilli(), r.TriggerTime)

	// A snoozed reminder refires.
	require.NoError(t, p.Fire(s, id))
	r, err = s.GetReminder(id)
	require.NoError(t, err)
	require.Equal(t, model.ReminderStatusFired, r.Status)

	require.NoError(t, p.Dismiss(s, id))
	r, err = s.GetReminder(id)
	require.NoError(t, err)
	require.Equal(t, model.ReminderStatusDismissed, r.Status)

	// Terminal: firing a dismissed reminder is a no-op.
	require.NoError(t, p.Fire(s, id))
	r, err = s.GetReminder(id)
	require.NoError(t, err)
	require.Equal(t, model.ReminderStatusDismissed, r.Status)
}
