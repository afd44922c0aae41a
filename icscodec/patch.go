package icscodec

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-ical"

	"github.com/kashcal/core/model"
)

// Patch overwrites only the entity-managed fields of the VEVENT matching
// entity's UID (and RECURRENCE-ID, for an exception) inside originalRaw,
// preserving every other property, every VTIMEZONE, and every unknown X-*
// property untouched. It falls back to GenerateFresh when
// originalRaw is empty or fails to parse.
func Patch(originalRaw []byte, entity *model.Event) ([]byte, error) {
	if len(originalRaw) == 0 {
		return GenerateFresh(entity)
	}

	cal, err := ical.NewDecoder(bytes.NewReader(originalRaw)).Decode()
	if err != nil {
		return GenerateFresh(entity)
	}

	target := findTargetComponent(cal, entity)
	if target == nil {
		return GenerateFresh(entity)
	}

	applyManagedFields(target, entity)
	patchAlarms(target, entity.Reminders)

	return encode(cal)
}

// findTargetComponent locates the VEVENT in cal matching entity: the master
// (no RECURRENCE-ID) when entity isn't an exception, or the VEVENT whose
// RECURRENCE-ID equals entity.OriginalInstanceTime when it is.
func findTargetComponent(cal *ical.Calendar, entity *model.Event) *ical.Component {
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		rid := comp.Props.Get(ical.PropRecurrenceID)
		if entity.IsException() {
			if rid == nil {
				continue
			}
			t, _, _, err := parseDateTimeProp(rid)
			if err == nil && t.UnixMilli() == entity.OriginalInstanceTime {
				return comp
			}
		} else if rid == nil {
			return comp
		}
	}
	return nil
}

// applyManagedFields overwrites exactly the entity-managed properties,
// bumping SEQUENCE by one. Every other property (including
// PRIORITY/GEO/COLOR/URL/CATEGORIES, which this model doesn't carry as
// first-class fields, and every X-* property) is left untouched because
// this function never calls comp.Props.Set/Del on them.
func applyManagedFields(comp *ical.Component, e *model.Event) {
	comp.Props.SetText(ical.PropSummary, e.Title)
	setOrDelete(comp, ical.PropLocation, e.Location)
	setOrDelete(comp, ical.PropDescription, e.Description)

	delete(comp.Props, ical.PropDateTimeStart)
	delete(comp.Props, ical.PropDateTimeEnd)
	delete(comp.Props, ical.PropDuration)
	setDateTimeProp(comp, ical.PropDateTimeStart, e.StartTs, e.IsAllDay, e.Timezone)
	if e.IsAllDay {
		setDateProp(comp, ical.PropDateTimeEnd, e.EndTs+1)
	} else if e.Duration != "" {
		comp.Props.SetText(ical.PropDuration, e.Duration)
	} else {
		setDateTimeProp(comp, ical.PropDateTimeEnd, e.EndTs, e.IsAllDay, e.Timezone)
	}

	delete(comp.Props, ical.PropRecurrenceRule)
	if e.RRule != "" {
		p := ical.NewProp(ical.PropRecurrenceRule)
		p.Value = e.RRule
		comp.Props.Add(p)
	}

	delete(comp.Props, ical.PropExceptionDates)
	for _, d := range splitDateList(e.EXDate) {
		p := ical.NewProp(ical.PropExceptionDates)
		p.Value = d
		comp.Props.Add(p)
	}

	status := e.Status
	if status == "" {
		status = model.EventStatusConfirmed
	}
	comp.Props.SetText(ical.PropStatus, string(status))
	setOrDelete(comp, ical.PropTransparency, e.Transp)
	setOrDelete(comp, ical.PropClass, e.Class)

	if e.OrganizerEmail != "" {
		delete(comp.Props, ical.PropOrganizer)
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = "mailto:" + e.OrganizerEmail
		if e.OrganizerName != "" {
			p.Params.Set("CN", e.OrganizerName)
		}
		comp.Props.Add(p)
	}

	seq := e.Sequence
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		var cur int
		if _, err := fmt.Sscanf(p.Value, "%d", &cur); err == nil && cur >= seq {
			seq = cur
		}
	}
	comp.Props.SetText(ical.PropSequence, itoa(seq+1))
}

func setOrDelete(comp *ical.Component, name, value string) {
	delete(comp.Props, name)
	if value != "" {
		comp.Props.SetText(name, value)
	}
}

// patchAlarms overwrites triggers of the first len(reminders) alarms by
// position, preserving their
// ACTION/DESCRIPTION; preserve any alarms beyond that count unmodified; if
// reminders is empty, remove all VALARMs.
func patchAlarms(comp *ical.Component, reminders []string) {
	var existing []*ical.Component
	var rest []*ical.Component
	for _, child := range comp.Children {
		if child.Name == ical.CompAlarm {
			existing = append(existing, child)
		} else {
			rest = append(rest, child)
		}
	}

	if len(reminders) == 0 {
		comp.Children = rest
		return
	}

	var alarms []*ical.Component
	for i, offset := range reminders {
		if i < len(existing) {
			a := existing[i]
			setTrigger(a, offset)
			alarms = append(alarms, a)
			continue
		}
		alarms = append(alarms, buildAlarm(offset, ""))
	}
	if len(existing) > len(reminders) {
		alarms = append(alarms, existing[len(reminders):]...)
	}

	comp.Children = append(rest, alarms...)
}

func setTrigger(alarm *ical.Component, offset string) {
	delete(alarm.Props, ical.PropTrigger)
	p := ical.NewProp(ical.PropTrigger)
	p.Value = offset
	alarm.Props.Add(p)
}
