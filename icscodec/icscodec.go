// Package icscodec implements the round-trip contract between RFC 5545
// iCalendar blobs and Event rows: parse, patch (in-place, preserving
// everything the entity doesn't own), and generateFresh. Patching decodes
// the server-authored blob, mutates only entity-owned properties, and
// re-encodes, so VALARMs beyond the managed count, ATTENDEE/ORGANIZER,
// X-* properties, and VTIMEZONEs survive untouched.
package icscodec

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/kashcal/core/model"
)

// Alarm is one parsed VALARM, kept distinct from model.Event.Reminders
// (which only carries trigger offsets) because patch needs the original
// ACTION/DESCRIPTION to preserve alarms beyond the entity-managed count.
type Alarm struct {
	Action      string
	Trigger     string // ISO-8601 duration, relative to DTSTART
	Description string
}

// Attendee is a parsed ATTENDEE property.
type Attendee struct {
	Email  string
	Name   string
	Status string
}

// ParsedEvent is the typed extraction of one VEVENT, carrying everything
// Event needs plus the codec-only fields (alarms, attendees, raw props).
type ParsedEvent struct {
	model.Event

	RecurrenceID  *int64 // non-nil ⇒ this parsed component is an exception
	Alarms        []Alarm
	Attendees     []Attendee
	Organizer     string
	OrganizerName string
	RawProperties map[string]string // always an empty map: Parse does not fill it
}

// ParserVersion is bumped whenever parseComponent's extraction changes in
// a way that alters stored Event fields; rows written under an older
// version are re-fetched and re-parsed on the next etag diff even when
// their etag is unchanged.
const ParserVersion = 1

const dtLayout = "20060102T150405Z"
const dateLayout = "20060102"

// Parse extracts every VEVENT in blob into a ParsedEvent, preserving any
// VTIMEZONE components the VEVENTs reference by leaving the whole
// Calendar's raw bytes attached to each parsed master so generateFresh/
// patch never has to reconstruct VTIMEZONE from scratch.
func Parse(blob []byte) ([]*ParsedEvent, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(blob)).Decode()
	if err != nil {
		return nil, fmt.Errorf("icscodec: decode: %w", err)
	}

	var out []*ParsedEvent
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		pe, err := parseComponent(comp, blob)
		if err != nil {
			continue // malformed component: skip, don't fail the whole blob
		}
		out = append(out, pe)
	}
	return out, nil
}

func parseComponent(comp *ical.Component, rawBlob []byte) (*ParsedEvent, error) {
	pe := &ParsedEvent{RawProperties: map[string]string{}}

	uid := comp.Props.Get(ical.PropUID)
	if uid == nil {
		return nil, fmt.Errorf("icscodec: missing UID")
	}
	pe.UID = uid.Value

	if p := comp.Props.Get(ical.PropSummary); p != nil {
		pe.Title = p.Value
	}
	if p := comp.Props.Get(ical.PropLocation); p != nil {
		pe.Location = p.Value
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		pe.Description = p.Value
	}

	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("icscodec: missing DTSTART")
	}
	start, allDay, tz, err := parseDateTimeProp(dtstart)
	if err != nil {
		return nil, fmt.Errorf("icscodec: invalid DTSTART: %w", err)
	}
	pe.StartTs = start.UnixMilli()
	pe.IsAllDay = allDay
	pe.Timezone = tz

	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		end, _, _, err := parseDateTimeProp(p)
		if err != nil {
			return nil, fmt.Errorf("icscodec: invalid DTEND: %w", err)
		}
		if allDay {
			// RFC 5545 DTEND for all-day is exclusive; store inclusive
			// 23:59:59.999 of the day before it.
			pe.EndTs = end.Add(-time.Millisecond).UnixMilli()
		} else {
			pe.EndTs = end.UnixMilli()
		}
	} else if p := comp.Props.Get(ical.PropDuration); p != nil {
		d, err := parseISODuration(p.Value)
		if err != nil {
			return nil, fmt.Errorf("icscodec: invalid DURATION: %w", err)
		}
		pe.Duration = p.Value
		pe.EndTs = pe.StartTs + d.Milliseconds()
	} else {
		pe.EndTs = pe.StartTs
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		pe.RRule = p.Value
	}
	if vs := comp.Props.Values(ical.PropRecurrenceDates); len(vs) > 0 {
		parts := make([]string, 0, len(vs))
		for _, v := range vs {
			parts = append(parts, v.Value)
		}
		pe.RDate = strings.Join(parts, ";")
	}
	if vs := comp.Props.Values(ical.PropExceptionDates); len(vs) > 0 {
		parts := make([]string, 0, len(vs))
		for _, v := range vs {
			parts = append(parts, v.Value)
		}
		pe.EXDate = strings.Join(parts, ";")
	}

	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		t, _, _, err := parseDateTimeProp(p)
		if err == nil {
			ts := t.UnixMilli()
			pe.RecurrenceID = &ts
			pe.OriginalInstanceTime = ts
		}
	}

	if p := comp.Props.Get(ical.PropStatus); p != nil {
		pe.Status = model.EventStatus(p.Value)
	} else {
		pe.Status = model.EventStatusConfirmed
	}
	if p := comp.Props.Get(ical.PropTransparency); p != nil {
		pe.Transp = p.Value
	}
	if p := comp.Props.Get(ical.PropClass); p != nil {
		pe.Class = p.Value
	}
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		fmt.Sscanf(p.Value, "%d", &pe.Sequence)
	}
	if p := comp.Props.Get(ical.PropDateTimeStamp); p != nil {
		if t, _, _, err := parseDateTimeProp(p); err == nil {
			pe.DTStamp = t.UnixMilli()
		}
	}

	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		pe.Organizer = strings.TrimPrefix(p.Value, "mailto:")
		pe.OrganizerEmail = pe.Organizer
		if cn := p.Params.Get("CN"); cn != "" {
			pe.OrganizerName = cn
		}
	}
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		a := Attendee{Email: strings.TrimPrefix(p.Value, "mailto:")}
		a.Name = p.Params.Get("CN")
		a.Status = p.Params.Get("PARTSTAT")
		pe.Attendees = append(pe.Attendees, a)
	}

	pe.ExtraProperties = map[string]string{}
	for name, vals := range comp.Props {
		if !strings.HasPrefix(name, "X-") || len(vals) == 0 {
			continue
		}
		pe.ExtraProperties[name] = vals[0].Value
	}

	var alarms []Alarm
	var reminders []string
	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		a := Alarm{}
		if p := child.Props.Get(ical.PropAction); p != nil {
			a.Action = p.Value
		}
		if p := child.Props.Get(ical.PropDescription); p != nil {
			a.Description = p.Value
		}
		if p := child.Props.Get(ical.PropTrigger); p != nil {
			a.Trigger = p.Value
			reminders = append(reminders, p.Value)
		}
		alarms = append(alarms, a)
	}
	pe.Alarms = alarms
	pe.Reminders = sortByMagnitude(reminders)

	pe.RawICal = rawBlob
	return pe, nil
}

// sortByMagnitude orders ISO-8601 negative-duration triggers nearest-to-
// event first, the order reminder rows are stored in.
func sortByMagnitude(durations []string) []string {
	type pair struct {
		raw string
		d   time.Duration
	}
	pairs := make([]pair, 0, len(durations))
	for _, s := range durations {
		d, err := parseISODuration(s)
		if err != nil {
			continue
		}
		if d < 0 {
			d = -d
		}
		pairs = append(pairs, pair{raw: s, d: d})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].d < pairs[j].d })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.raw
	}
	return out
}

func parseDateTimeProp(p *ical.Prop) (t time.Time, allDay bool, tzid string, err error) {
	if p.Params.Get("VALUE") == "DATE" || len(p.Value) == len(dateLayout) {
		t, err = time.Parse(dateLayout, p.Value)
		return t, true, "", err
	}
	tzid = p.Params.Get("TZID")
	if strings.HasSuffix(p.Value, "Z") {
		t, err = time.Parse(dtLayout, p.Value)
		return t, false, tzid, err
	}
	loc := time.UTC
	if tzid != "" {
		if l, lerr := time.LoadLocation(tzid); lerr == nil {
			loc = l
		}
	}
	t, err = time.ParseInLocation("20060102T150405", p.Value, loc)
	return t, false, tzid, err
}

// parseISODuration parses an RFC 5545 DURATION value (e.g. "-PT15M",
// "-P1D"), returning a signed time.Duration.
func parseISODuration(s string) (time.Duration, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("icscodec: invalid duration %q", s)
	}
	s = s[1:]

	var days, hours, minutes, seconds int
	inTime := false
	var num strings.Builder
	for _, r := range s {
		switch r {
		case 'T':
			inTime = true
		case 'D':
			fmt.Sscanf(num.String(), "%d", &days)
			num.Reset()
		case 'W':
			var weeks int
			fmt.Sscanf(num.String(), "%d", &weeks)
			days += weeks * 7
			num.Reset()
		case 'H':
			fmt.Sscanf(num.String(), "%d", &hours)
			num.Reset()
		case 'M':
			if inTime {
				fmt.Sscanf(num.String(), "%d", &minutes)
			}
			num.Reset()
		case 'S':
			fmt.Sscanf(num.String(), "%d", &seconds)
			num.Reset()
		default:
			num.WriteRune(r)
		}
	}

	d := time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second
	if neg {
		d = -d
	}
	return d, nil
}

// ParseISODuration is the exported form of the RFC 5545 DURATION parser,
// used by the reminder planner to turn a stored trigger offset back into a
// time.Duration.
func ParseISODuration(s string) (time.Duration, error) {
	return parseISODuration(s)
}
