// Package occurrence maintains the denormalized Occurrence table so range
// queries over time are O(span) without ever re-running RRULE expansion at
// read time. Expansion materializes rows on write; exception re-attachment
// and day-code derivation keep the index consistent with overrides.
package occurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/kashcal/core/model"
)

// Horizon defaults bound how far past/future a recurring series expands,
// so an unbounded RRULE never produces an unbounded row set.
const (
	HorizonFuture = 2 * 365 * 24 * time.Hour
	HorizonPast   = 1 * 365 * 24 * time.Hour
)

// Store is the subset of store.Store the occurrence index needs, kept
// narrow so this package has no import-cycle dependency on the concrete
// store implementation.
type Store interface {
	GetEvent(id string) (*model.Event, error)
	ListExceptions(originalEventID string) ([]*model.Event, error)
	ListOccurrencesForEvent(eventID string) ([]*model.Occurrence, error)
	ReplaceOccurrences(eventID string, occs []*model.Occurrence) error
	ListEventsByCalendar(calendarID string) ([]*model.Event, error)
}

// Index regenerates Occurrence rows from Event rows. It holds no state of
// its own; all reads/writes go through Store, which the caller must bind
// to the same transaction that mutated the event.
type Index struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Index {
	return &Index{store: store, now: time.Now}
}

// RegenerateFor recomputes occurrences for one master or standalone event.
func (idx *Index) RegenerateFor(eventID string) error {
	ev, err := idx.store.GetEvent(eventID)
	if err != nil {
		return err
	}
	if ev.IsException() {
		// Exceptions never own Occurrence rows directly; they're attached
		// to the master's occurrence via ExceptionEventID.
		return idx.AttachException(ev.ID)
	}

	existing, err := idx.store.ListOccurrencesForEvent(eventID)
	if err != nil {
		return err
	}
	preservedExceptions := make(map[int64]string, len(existing))
	for _, o := range existing {
		if o.ExceptionEventID != "" {
			preservedExceptions[o.StartTs] = o.ExceptionEventID
		}
	}

	instants, err := expand(ev, idx.now())
	if err != nil {
		return fmt.Errorf("occurrence: expand %s: %w", ev.ID, err)
	}

	duration := ev.EndTs - ev.StartTs
	occs := make([]*model.Occurrence, 0, len(instants))
	for _, t := range instants {
		startTs := t.UnixMilli()
		endTs := startTs + duration
		startDay := dayCode(t, ev.IsAllDay)
		endDay := dayCode(t.Add(time.Duration(duration)*time.Millisecond), ev.IsAllDay)

		o := &model.Occurrence{
			ID:         uuid.NewString(),
			EventID:    ev.ID,
			CalendarID: ev.CalendarID,
			StartTs:    startTs,
			EndTs:      endTs,
			StartDay:   startDay,
			EndDay:     endDay,
		}
		if exID, ok := preservedExceptions[startTs]; ok {
			o.ExceptionEventID = exID
		}
		occs = append(occs, o)
	}

	if err := idx.store.ReplaceOccurrences(ev.ID, occs); err != nil {
		return err
	}

	// Re-attach every existing exception of this master, idempotently —
	// ReplaceOccurrences just regenerated fresh IDs, so exceptions whose
	// occurrence survived via preservedExceptions are already wired, but
	// any exception added out of order (server races) needs a fresh match.
	exceptions, err := idx.store.ListExceptions(ev.ID)
	if err != nil {
		return err
	}
	for _, ex := range exceptions {
		if err := idx.AttachException(ex.ID); err != nil {
			return err
		}
	}
	return nil
}

// RegenerateForCalendar recomputes occurrences for every master/standalone
// event in a calendar.
func (idx *Index) RegenerateForCalendar(calendarID string) error {
	events, err := idx.store.ListEventsByCalendar(calendarID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.IsException() {
			continue
		}
		if err := idx.RegenerateFor(ev.ID); err != nil {
			return err
		}
	}
	return nil
}

// AttachException sets the matching (master.eventId, originalInstanceTime)
// occurrence's ExceptionEventID. If no occurrence matches exactly (a server
// ordering race delivered the exception before the master's own
// regeneration), a new occurrence is created at originalInstanceTime so the
// exception is never silently dropped.
func (idx *Index) AttachException(exceptionEventID string) error {
	ex, err := idx.store.GetEvent(exceptionEventID)
	if err != nil {
		return err
	}
	if ex.OriginalEventID == "" {
		return fmt.Errorf("occurrence: %s is not an exception", exceptionEventID)
	}

	occs, err := idx.store.ListOccurrencesForEvent(ex.OriginalEventID)
	if err != nil {
		return err
	}
	for _, o := range occs {
		if o.StartTs == ex.OriginalInstanceTime {
			o.ExceptionEventID = ex.ID
			return idx.store.ReplaceOccurrences(ex.OriginalEventID, occs)
		}
	}

	master, err := idx.store.GetEvent(ex.OriginalEventID)
	if err != nil {
		return err
	}
	duration := ex.EndTs - ex.StartTs
	occs = append(occs, &model.Occurrence{
		ID:               uuid.NewString(),
		EventID:          master.ID,
		CalendarID:       master.CalendarID,
		StartTs:          ex.OriginalInstanceTime,
		EndTs:            ex.OriginalInstanceTime + duration,
		StartDay:         dayCode(time.UnixMilli(ex.OriginalInstanceTime).UTC(), master.IsAllDay),
		EndDay:           dayCode(time.UnixMilli(ex.OriginalInstanceTime+duration).UTC(), master.IsAllDay),
		ExceptionEventID: ex.ID,
	})
	return idx.store.ReplaceOccurrences(master.ID, occs)
}

// DetachException clears the ExceptionEventID pointer of the occurrence
// belonging to exceptionEventID, used when an exception Event is deleted
// but the master series continues to occur at that instant.
func (idx *Index) DetachException(exceptionEventID string) error {
	ex, err := idx.store.GetEvent(exceptionEventID)
	if err != nil {
		return err
	}
	occs, err := idx.store.ListOccurrencesForEvent(ex.OriginalEventID)
	if err != nil {
		return err
	}
	for _, o := range occs {
		if o.ExceptionEventID == exceptionEventID {
			o.ExceptionEventID = ""
		}
	}
	return idx.store.ReplaceOccurrences(ex.OriginalEventID, occs)
}

// expand computes the start instants of a master/standalone event: a
// single instant for non-recurring; RRULE ∪ RDATE minus EXDATE, capped at
// UNTIL/COUNT/horizon, for recurring ones.
func expand(ev *model.Event, now time.Time) ([]time.Time, error) {
	start := time.UnixMilli(ev.StartTs).UTC()

	if ev.RRule == "" && ev.RDate == "" {
		return []time.Time{start}, nil
	}

	horizonStart := now.Add(-HorizonPast)
	horizonEnd := now.Add(HorizonFuture)

	var instants []time.Time
	if ev.RRule != "" {
		rruleStr := "DTSTART:" + start.Format("20060102T150405Z") + "\nRRULE:" + ev.RRule
		rule, err := rrule.StrToRRule(rruleStr)
		if err != nil {
			return nil, fmt.Errorf("invalid RRULE %q: %w", ev.RRule, err)
		}
		instants = append(instants, rule.Between(horizonStart, horizonEnd, true)...)
	}
	instants = append(instants, parseDateList(ev.RDate)...)
	instants = removeExcluded(instants, parseDateList(ev.EXDate))

	sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })
	return dedupe(instants), nil
}

// parseDateList parses a semicolon-joined list of RFC 5545 DATE-TIME values
// as stored in Event.RDate/Event.EXDate.
func parseDateList(s string) []time.Time {
	if s == "" {
		return nil
	}
	var out []time.Time
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if t, err := time.Parse("20060102T150405Z", part); err == nil {
			out = append(out, t)
			continue
		}
		if t, err := time.Parse("20060102T150405", part); err == nil {
			out = append(out, t)
			continue
		}
		if t, err := time.Parse("20060102", part); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func removeExcluded(instants, excluded []time.Time) []time.Time {
	if len(excluded) == 0 {
		return instants
	}
	ex := make(map[int64]struct{}, len(excluded))
	for _, t := range excluded {
		ex[t.Unix()] = struct{}{}
	}
	out := instants[:0]
	for _, t := range instants {
		if _, skip := ex[t.Unix()]; !skip {
			out = append(out, t)
		}
	}
	return out
}

func dedupe(sorted []time.Time) []time.Time {
	out := sorted[:0]
	var last time.Time
	for i, t := range sorted {
		if i > 0 && t.Equal(last) {
			continue
		}
		out = append(out, t)
		last = t
	}
	return out
}

// dayCode derives a YYYYMMDD integer for t. All-day events use the UTC
// calendar date; timed events use the device's local zone, so the UI shows
// the instant on the day a person actually experiences it.
func dayCode(t time.Time, allDay bool) int {
	if allDay {
		t = t.UTC()
	} else {
		t = t.Local()
	}
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// daysBetween computes the integer day difference between two YYYYMMDD
// codes without floating point, correctly crossing month/year/leap
// boundaries, by converting each to a proleptic Gregorian civil day number.
func daysBetween(startDay, endDay int) int {
	return civilDayNumber(endDay) - civilDayNumber(startDay)
}

// civilDayNumber implements Howard Hinnant's days_from_civil algorithm,
// avoiding any dependency on time.Date's timezone-aware normalization for
// pure calendar-date arithmetic.
func civilDayNumber(yyyymmdd int) int {
	y := yyyymmdd / 10000
	m := (yyyymmdd / 100) % 100
	d := yyyymmdd % 100

	if m <= 2 {
		y--
	}
	era := y
	if y < 0 {
		era = y - 399
	}
	era /= 400
	yoe := y - era*400
	var mp int
	if m > 2 {
		mp = m - 3
	} else {
		mp = m + 9
	}
	doy := (153*mp+2)/5 + d - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}

// DaysBetween is the exported form used by the reminder/sync packages.
func DaysBetween(startDay, endDay int) int {
	return daysBetween(startDay, endDay)
}
