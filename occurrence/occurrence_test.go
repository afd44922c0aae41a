package occurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kashcal/core/model"
)

// memStore is an in-memory occurrence.Store so expansion logic is tested
// without dragging sqlite in.
type memStore struct {
	events      map[string]*model.Event
	occurrences map[string][]*model.Occurrence
}

func newMemStore() *memStore {
	return &memStore{
		events:      map[string]*model.Event{},
		occurrences: map[string][]*model.Occurrence{},
	}
}

func (m *memStore) GetEvent(id string) (*model.Event, error) {
	ev, ok := m.events[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *memStore) ListExceptions(originalEventID string) ([]*model.Event, error) {
	var out []*model.Event
	for _, ev := range m.events {
		if ev.OriginalEventID == originalEventID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListOccurrencesForEvent(eventID string) ([]*model.Occurrence, error) {
	return m.occurrences[eventID], nil
}

func (m *memStore) ReplaceOccurrences(eventID string, occs []*model.Occurrence) error {
	m.occurrences[eventID] = occs
	return nil
}

func (m *memStore) ListEventsByCalendar(calendarID string) ([]*model.Event, error) {
	var out []*model.Event
	for _, ev := range m.events {
		if ev.CalendarID == calendarID {
			out = append(out, ev)
		}
	}
	return out, nil
}

var errNotFound = errNotFoundType{}

type errNotFoundType struct{}

func (errNotFoundType) Error() string { return "not found" }

func fixedIndex(m *memStore, now time.Time) *Index {
	idx := New(m)
	idx.now = func() time.Time { return now }
	return idx
}

func TestRegenerateSingleEvent(t *testing.T) {
	m := newMemStore()
	start := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	m.events["e1"] = &model.Event{
		ID:         "e1",
		CalendarID: "c1",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
	}

	idx := fixedIndex(m, start)
	require.NoError(t, idx.RegenerateFor("e1"))

	occs := m.occurrences["e1"]
	require.Len(t, occs, 1)
	require.Equal(t, start.UnixMilli(), occs[0].StartTs)
	require.Equal(t, "c1", occs[0].CalendarID)
}

func TestRegenerateWeeklyRRuleWithExdate(t *testing.T) {
	m := newMemStore()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) // a Monday
	m.events["e1"] = &model.Event{
		ID:         "e1",
		CalendarID: "c1",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		RRule:      "FREQ=WEEKLY;COUNT=4",
		EXDate:     "20250609T090000Z",
	}

	idx := fixedIndex(m, start)
	require.NoError(t, idx.RegenerateFor("e1"))

	occs := m.occurrences["e1"]
	require.Len(t, occs, 3) // 4 generated minus the excluded June 9

	for _, occ := range occs {
		require.NotEqual(t,
			time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC).UnixMilli(),
			occ.StartTs)
		require.Equal(t, occ.StartTs+time.Hour.Milliseconds(), occ.EndTs)
	}
}

func TestRegenerateMergesRDate(t *testing.T) {
	m := newMemStore()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	m.events["e1"] = &model.Event{
		ID:         "e1",
		CalendarID: "c1",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		RRule:      "FREQ=WEEKLY;COUNT=2",
		RDate:      "20250620T090000Z",
	}

	idx := fixedIndex(m, start)
	require.NoError(t, idx.RegenerateFor("e1"))
	require.Len(t, m.occurrences["e1"], 3)
}

func TestElapsedSeriesYieldsNoOccurrences(t *testing.T) {
	m := newMemStore()
	start := time.Date(2010, 1, 4, 9, 0, 0, 0, time.UTC)
	m.events["e1"] = &model.Event{
		ID:         "e1",
		CalendarID: "c1",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		RRule:      "FREQ=WEEKLY;UNTIL=20100301T000000Z",
	}

	// Now is 15 years past the series end; the horizon window is empty.
	idx := fixedIndex(m, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, idx.RegenerateFor("e1"))
	require.Empty(t, m.occurrences["e1"])
}

func TestAllDayOccurrenceUsesUTCDayCodes(t *testing.T) {
	m := newMemStore()
	start := time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Millisecond)
	m.events["e1"] = &model.Event{
		ID:         "e1",
		CalendarID: "c1",
		StartTs:    start.UnixMilli(),
		EndTs:      end.UnixMilli(),
		IsAllDay:   true,
	}

	idx := fixedIndex(m, start)
	require.NoError(t, idx.RegenerateFor("e1"))

	occs := m.occurrences["e1"]
	require.Len(t, occs, 1)
	require.Equal(t, 20251225, occs[0].StartDay)
	require.Equal(t, 20251225, occs[0].EndDay)
}

func TestRegeneratePreservesExceptionPointer(t *testing.T) {
	m := newMemStore()
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	second := start.AddDate(0, 0, 7)
	m.events["master"] = &model.Event{
		ID:         "master",
		UID:        "u1",
		CalendarID: "c1",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		RRule:      "FREQ=WEEKLY;COUNT=3",
	}
	m.events["ex"] = &model.Event{
		ID:                   "ex",
		UID:                  "u1",
		CalendarID:           "c1",
		StartTs:              second.Add(2 * time.Hour).UnixMilli(),
		EndTs:                second.Add(3 * time.Hour).UnixMilli(),
		OriginalEventID:      "master",
		OriginalInstanceTime: second.UnixMilli(),
	}

	idx := fixedIndex(m, start)
	require.NoError(t, idx.RegenerateFor("master"))

	var matched *model.Occurrence
	for _, occ := range m.occurrences["master"] {
		if occ.StartTs == second.UnixMilli() {
			matched = occ
		}
	}
	require.NotNil(t, matched)
	require.Equal(t, "ex", matched.ExceptionEventID)

	// A second regeneration must keep the pointer (idempotent re-attach).
	require.NoError(t, idx.RegenerateFor("master"))
	for _, occ := range m.occurrences["master"] {
		if occ.StartTs == second.UnixMilli() {
			require.Equal(t, "ex", occ.ExceptionEventID)
		}
	}
}
