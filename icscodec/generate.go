package icscodec

import (
	"bytes"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/kashcal/core/model"
)

const prodID = "-//KashCal//KashCal Sync 1.0//EN"

// GenerateFresh synthesizes a conformant VEVENT from scratch, used when no
// server-authored rawIcal is available to patch.
// All-day events use DTSTART;VALUE=DATE with an exclusive DTEND one day past
// entity's inclusive end, per RFC 5545's exclusive-DTEND convention.
func GenerateFresh(entity *model.Event) ([]byte, error) {
	cal := newCalendar()
	comp := buildEventComponent(entity, nil)
	cal.Children = append(cal.Children, comp)
	if tz := buildTimezone(entity.Timezone); tz != nil {
		cal.Children = append([]*ical.Component{tz}, cal.Children...)
	}
	return encode(cal)
}

// SerializeWithExceptions emits one VCALENDAR containing master plus each
// exception. Exceptions inherit nothing from master in the
// output: each is a full VEVENT sharing UID with a RECURRENCE-ID equal to
// its OriginalInstanceTime.
func SerializeWithExceptions(master *model.Event, exceptions []*model.Event) ([]byte, error) {
	cal := newCalendar()
	if tz := buildTimezone(master.Timezone); tz != nil {
		cal.Children = append(cal.Children, tz)
	}
	cal.Children = append(cal.Children, buildEventComponent(master, nil))
	for _, ex := range exceptions {
		rid := ex.OriginalInstanceTime
		cal.Children = append(cal.Children, buildEventComponent(ex, &rid))
	}
	return encode(cal)
}

func newCalendar() *ical.Calendar {
	cal := &ical.Calendar{Component: &ical.Component{Name: ical.CompCalendar, Props: ical.Props{}}}
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	return cal
}

func encode(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildEventComponent constructs a full VEVENT from entity. When
// recurrenceID is non-nil, a RECURRENCE-ID property is emitted naming the
// instant this component overrides.
func buildEventComponent(e *model.Event, recurrenceID *int64) *ical.Component {
	comp := ical.NewEvent().Component
	comp.Props.SetText(ical.PropUID, e.UID)
	comp.Props.SetText(ical.PropSummary, e.Title)
	if e.Location != "" {
		comp.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.Description != "" {
		comp.Props.SetText(ical.PropDescription, e.Description)
	}

	setDateTimeProp(comp, ical.PropDateTimeStart, e.StartTs, e.IsAllDay, e.Timezone)
	if e.IsAllDay {
		setDateProp(comp, ical.PropDateTimeEnd, e.EndTs+int64(time.Millisecond.Milliseconds()))
	} else if e.Duration != "" {
		comp.Props.SetText(ical.PropDuration, e.Duration)
	} else {
		setDateTimeProp(comp, ical.PropDateTimeEnd, e.EndTs, e.IsAllDay, e.Timezone)
	}

	if e.RRule != "" {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = e.RRule
		comp.Props.Add(p)
	}
	for _, d := range splitDateList(e.EXDate) {
		p := ical.NewProp(ical.PropExceptionDates)
		p.Value = d
		comp.Props.Add(p)
	}
	for _, d := range splitDateList(e.RDate) {
		p := ical.NewProp(ical.PropRecurrenceDates)
		p.Value = d
		comp.Props.Add(p)
	}

	if recurrenceID != nil {
		setDateTimeProp(comp, ical.PropRecurrenceID, *recurrenceID, e.IsAllDay, e.Timezone)
	}

	status := e.Status
	if status == "" {
		status = model.EventStatusConfirmed
	}
	comp.Props.SetText(ical.PropStatus, string(status))
	if e.Transp != "" {
		comp.Props.SetText(ical.PropTransparency, e.Transp)
	}
	if e.Class != "" {
		comp.Props.SetText(ical.PropClass, e.Class)
	}
	comp.Props.SetText(ical.PropSequence, itoa(e.Sequence))
	comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	if e.OrganizerEmail != "" {
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = "mailto:" + e.OrganizerEmail
		if e.OrganizerName != "" {
			p.Params.Set("CN", e.OrganizerName)
		}
		comp.Props.Add(p)
	}

	for name, val := range e.ExtraProperties {
		p := ical.NewProp(name)
		p.Value = val
		comp.Props.Add(p)
	}

	for _, offset := range e.Reminders {
		comp.Children = append(comp.Children, buildAlarm(offset, ""))
	}

	return comp
}

func buildAlarm(trigger, action string) *ical.Component {
	if action == "" {
		action = "DISPLAY"
	}
	alarm := &ical.Component{Name: ical.CompAlarm, Props: ical.Props{}}
	alarm.Props.SetText(ical.PropAction, action)
	alarm.Props.SetText(ical.PropDescription, "Reminder")
	p := ical.NewProp(ical.PropTrigger)
	p.Value = trigger
	alarm.Props.Add(p)
	return alarm
}

func setDateTimeProp(comp *ical.Component, name string, epochMs int64, allDay bool, tzid string) {
	if allDay {
		setDateProp(comp, name, epochMs)
		return
	}
	p := ical.NewProp(name)
	t := time.UnixMilli(epochMs).UTC()
	p.Value = t.Format(dtLayout)
	comp.Props.Add(p)
}

func setDateProp(comp *ical.Component, name string, epochMs int64) {
	p := ical.NewProp(name)
	p.Params.Set("VALUE", "DATE")
	p.Value = time.UnixMilli(epochMs).UTC().Format(dateLayout)
	comp.Props.Add(p)
}

// buildTimezone emits a minimal single-offset VTIMEZONE for tzid, sufficient
// for round-tripping a named zone without carrying full IANA transition
// history (a real server always supplies its own authoritative VTIMEZONE;
// this is only exercised for entities this process itself originates).
func buildTimezone(tzid string) *ical.Component {
	if tzid == "" {
		return nil
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return nil
	}
	_, offset := time.Now().In(loc).Zone()

	tz := &ical.Component{Name: "VTIMEZONE", Props: ical.Props{}}
	tz.Props.SetText("TZID", tzid)

	std := &ical.Component{Name: "STANDARD", Props: ical.Props{}}
	std.Props.SetText("TZOFFSETFROM", formatUTCOffset(offset))
	std.Props.SetText("TZOFFSETTO", formatUTCOffset(offset))
	p := ical.NewProp(ical.PropDateTimeStart)
	p.Value = "19700101T000000"
	std.Props.Add(p)
	tz.Children = append(tz.Children, std)

	return tz
}

func formatUTCOffset(seconds int) string {
	sign := "+"
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	return sign + pad2(h) + pad2(m)
}

func pad2(n int) string {
	if n < 10 {
		return "0" + itoa(n)
	}
	return itoa(n)
}

func itoa(n int) string {
	neg := n < 0
	if n == 0 {
		return "0"
	}
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func splitDateList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
