package icssub

import (
	"context"
	"net/http"
	"net/http/httptest"
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

const feedV1 = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//Holidays//EN
BEGIN:VEVENT
UID:holiday-1
DTSTAMP:20250101T000000Z
DTSTART;VALUE=DATE:20251225
DTEND;VALUE=DATE:20251226
SUMMARY:Christmas Day
END:VEVENT
BEGIN:VEVENT
UID:holiday-2
DTSTAMP:20250101T000000Z
DTSTART;VALUE=DATE:20260101
DTEND;VALUE=DATE:20260102
SUMMARY:New Year
END:VEVENT
END:VCALENDAR
`

const feedV2 = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//Holidays//EN
BEGIN:VEVENT
UID:holiday-1
DTSTAMP:20250101T000000Z
DTSTART;VALUE=DATE:20251225
DTEND;VALUE=DATE:20251226
SUMMARY:Christmas Day (updated)
END:VEVENT
END:VCALENDAR
`

func crlf(s string) string { return strings.ReplaceAll(s, "\n", "\r\n") }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kashcal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *store.Store) *model.Account {
	t.Helper()
	acc := &model.Account{Provider: model.ProviderICS, Email: "subscriptions@local", IsEnabled: true, CreatedAt: time.Now()}
	require.NoError(t, s.UpsertAccount(acc))
	return acc
}

func TestRefreshIngestsAndReconciles(t *testing.T) {
	feed := feedV1
	etag := `"feed-v1"`
	var gotIfNoneMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		if gotIfNoneMatch == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Write([]byte(crlf(feed)))
	}))
	defer srv.Close()

	s := newTestStore(t)
	acc := seedAccount(t, s)
	m := NewManager(s, credstore.NewMemory(), nil, zerolog.Nop())

	sub, err := m.Subscribe(context.Background(), acc.ID, srv.URL, "Holidays", 0xFFAA0000, 24)
	require.NoError(t, err)

	cal, err := s.GetCalendar(sub.CalendarID)
	require.NoError(t, err)
	require.True(t, cal.IsReadOnly)

	// First refresh: both events land SYNCED with synthetic hrefs.
	require.NoError(t, m.Refresh(context.Background(), sub.ID))
	events, err := s.ListEventsByCalendar(sub.CalendarID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		require.Equal(t, model.SyncStatusSynced, ev.SyncStatus)
		require.True(t, strings.HasPrefix(ev.CalDavURL, "ics_subscription:"+sub.ID+":"))
	}

	occs, err := s.ListOccurrencesInRange(sub.CalendarID,
		time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	require.NoError(t, err)
	require.Len(t, occs, 2)

	// Second refresh: unchanged feed returns 304 and nothing moves.
	require.NoError(t, m.Refresh(context.Background(), sub.ID))
	require.Equal(t, etag, gotIfNoneMatch)

	// Feed drops holiday-2: the local mirror follows.
	feed = feedV2
	etag = `"feed-v2"`
	require.NoError(t, m.Refresh(context.Background(), sub.ID))

	events, err = s.ListEventsByCalendar(sub.CalendarID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "holiday-1", events[0].UID)
	require.Equal(t, "Christmas Day (updated)", events[0].Title)
}

func TestRefreshErrorRecordedNotDisabling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestStore(t)
	acc := seedAccount(t, s)
	m := NewManager(s, credstore.NewMemory(), nil, zerolog.Nop())

	sub, err := m.Subscribe(context.Background(), acc.ID, srv.URL, "Broken", 0, 1)
	require.NoError(t, err)

	require.Error(t, m.Refresh(context.Background(), sub.ID))

	got, err := s.GetIcsSubscription(sub.ID)
	require.NoError(t, err)
	require.True(t, got.Enabled, "errors never auto-disable a subscription")
	require.NotEmpty(t, got.LastError)
	require.NotNil(t, got.LastSync)
}

func TestNormalizeFeedURL(t *testing.T) {
	require.Equal(t, "https://example.com/cal.ics", normalizeFeedURL("webcal://example.com/cal.ics"))
	require.Equal(t, "https://example.com/cal.ics", normalizeFeedURL("webcals://example.com/cal.ics"))
	require.Equal(t, "http://example.com/cal.ics", normalizeFeedURL("http://example.com/cal.ics"))
}

func TestDueForSync(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	m := NewManager(s, credstore.NewMemory(), nil, zerolog.Nop())

	sub, err := m.Subscribe(context.Background(), acc.ID, "https://example.com/cal.ics", "Feed", 0, 1)
	require.NoError(t, err)

	// Never synced: due immediately.
	due, err := m.ListDue()
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Freshly synced: not due until the interval elapses.
	require.NoError(t, s.UpdateIcsSubscriptionSyncState(sub.ID, time.Now().UnixMilli(), "", "", ""))
	due, err = m.ListDue()
	require.NoError(t, err)
	require.Empty(t, due)
}

// A feed that keeps a recurring master but drops one of its RECURRENCE-ID
// overrides must lose the stale exception row, not just whole events.
func TestRefreshDropsStaleException(t *testing.T) {
	start := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	overridden := start.AddDate(0, 0, 7)
	moved := overridden.Add(2 * time.Hour)

	const layout = "20060102T150405Z"
	withOverride := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Example//Training//EN",
		"BEGIN:VEVENT",
		"UID:series-1",
		"DTSTAMP:20250101T000000Z",
		"DTSTART:" + start.Format(layout),
		"DTEND:" + start.Add(time.Hour).Format(layout),
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"SUMMARY:Training",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series-1",
		"DTSTAMP:20250101T000000Z",
		"RECURRENCE-ID:" + overridden.Format(layout),
		"DTSTART:" + moved.Format(layout),
		"DTEND:" + moved.Add(time.Hour).Format(layout),
		"SUMMARY:Training (moved)",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	withoutOverride := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Example//Training//EN",
		"BEGIN:VEVENT",
		"UID:series-1",
		"DTSTAMP:20250101T000000Z",
		"DTSTART:" + start.Format(layout),
		"DTEND:" + start.Add(time.Hour).Format(layout),
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"SUMMARY:Training",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	feed := withOverride
	etag := `"v1"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Write([]byte(feed))
	}))
	defer srv.Close()

	s := newTestStore(t)
	acc := seedAccount(t, s)
	m := NewManager(s, credstore.NewMemory(), nil, zerolog.Nop())

	sub, err := m.Subscribe(context.Background(), acc.ID, srv.URL, "Training", 0, 24)
	require.NoError(t, err)
	require.NoError(t, m.Refresh(context.Background(), sub.ID))

	master, err := s.GetEventByUID(sub.CalendarID, "series-1")
	require.NoError(t, err)
	ex, err := s.GetExceptionByInstanceTime(sub.CalendarID, "series-1", overridden.UnixMilli())
	require.NoError(t, err)
	require.Equal(t, "Training (moved)", ex.Title)

	occs, err := s.ListOccurrencesForEvent(master.ID)
	require.NoError(t, err)
	var pointer string
	for _, occ := range occs {
		if occ.StartTs == overridden.UnixMilli() {
			pointer = occ.ExceptionEventID
		}
	}
	require.Equal(t, ex.ID, pointer)

	// The next revision of the feed reverts the override.
	feed = withoutOverride
	etag = `"v2"`
	require.NoError(t, m.Refresh(context.Background(), sub.ID))

	_, err = s.GetExceptionByInstanceTime(sub.CalendarID, "series-1", overridden.UnixMilli())
	require.ErrorIs(t, err, store.ErrNotFound)

	occs, err = s.ListOccurrencesForEvent(master.ID)
	require.NoError(t, err)
	for _, occ := range occs {
		if occ.StartTs == overridden.UnixMilli() {
			require.Empty(t, occ.ExceptionEventID, "reverted instance is plain again")
		}
	}
}
