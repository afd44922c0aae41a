// Package reminder derives ScheduledReminder rows from materialized
// occurrences and the current wall clock. It only writes the
// rows; the alarm delivery mechanism is an external collaborator reached
// through the Gateway interface, which this package hands cancellation
// requests to and nothing else.
package reminder

import (
	"time"

	"github.com/google/uuid"

	"github.com/kashcal/core/icscodec"
	"github.com/kashcal/core/model"
)

// DefaultLookahead is how far ahead of now reminders are materialized.
const DefaultLookahead = 48 * time.Hour

// Store is the subset of store accessors the planner needs. Both
// *store.Store and *store.Tx satisfy it, so Refresh composes into the sync
// engine's transaction envelope.
type Store interface {
	GetCalendar(id string) (*model.Calendar, error)
	GetEvent(id string) (*model.Event, error)
	ListOccurrencesInRange(calendarID string, startTs, endTs int64) ([]*model.Occurrence, error)
	ListRemindersForCalendar(calendarID string) ([]*model.ScheduledReminder, error)
	ListRemindersForEvent(eventID string) ([]*model.ScheduledReminder, error)
	ReplaceRemindersForEvent(eventID string, reminders []*model.ScheduledReminder) error
	DeleteRemindersForEvent(eventID string) error
	GetReminder(id string) (*model.ScheduledReminder, error)
	UpdateReminderStatus(id string, status model.ReminderStatus, newTriggerTime int64, snoozeCount int) error
}

// Gateway is the external alarm scheduler boundary. The core only ever
// asks it to forget a firing; scheduling is driven by the consumer polling
// ListDueReminders.
type Gateway interface {
	Cancel(reminderID string)
}

// NopGateway satisfies Gateway for tests and headless use.
type NopGateway struct{}

func (NopGateway) Cancel(string) {}

// Planner computes the desired ScheduledReminder set.
type Planner struct {
	gateway   Gateway
	lookahead time.Duration
	now       func() time.Time
}

func NewPlanner(gateway Gateway) *Planner {
	if gateway == nil {
		gateway = NopGateway{}
	}
	return &Planner{gateway: gateway, lookahead: DefaultLookahead, now: time.Now}
}

// Refresh reconciles scheduled reminders for one calendar against the
// current occurrence set. For every non-cancelled occurrence starting
// inside [now, now+lookahead] of a visible calendar, the effective event's
// reminder offsets each yield one PENDING row; rows whose (event,
// occurrence, offset) no longer exist are dropped, except FIRED/SNOOZED
// ones the user has already seen (that preservation lives in
// ReplaceRemindersForEvent).
func (p *Planner) Refresh(st Store, calendarID string) error {
	cal, err := st.GetCalendar(calendarID)
	if err != nil {
		return err
	}

	now := p.now()
	desired := map[string][]*model.ScheduledReminder{}

	if cal.IsVisible {
		occs, err := st.ListOccurrencesInRange(calendarID, now.UnixMilli(), now.Add(p.lookahead).UnixMilli())
		if err != nil {
			return err
		}

		events := map[string]*model.Event{}
		getEvent := func(id string) (*model.Event, error) {
			if ev, ok := events[id]; ok {
				return ev, nil
			}
			ev, err := st.GetEvent(id)
			if err != nil {
				return nil, err
			}
			events[id] = ev
			return ev, nil
		}

		for _, occ := range occs {
			if occ.IsCancelled || occ.StartTs < now.UnixMilli() {
				continue
			}
			effective, err := getEvent(occ.EventID)
			if err != nil {
				return err
			}
			offsets := effective.Reminders
			if occ.ExceptionEventID != "" {
				ex, err := getEvent(occ.ExceptionEventID)
				if err != nil {
					return err
				}
				master := effective
				effective = ex
				// RFC 5545 inheritance: an exception without its own
				// alarms keeps the master's.
				offsets = ex.Reminders
				if len(offsets) == 0 {
					offsets = master.Reminders
				}
			}
			if effective.Status == model.EventStatusCancelled || len(offsets) == 0 {
				continue
			}

			for _, offset := range offsets {
				d, derr := icscodec.ParseISODuration(offset)
				if derr != nil {
					continue
				}
				desired[effective.ID] = append(desired[effective.ID], &model.ScheduledReminder{
					ID:             uuid.NewString(),
					EventID:        effective.ID,
					OccurrenceTime: occ.StartTs,
					TriggerTime:    occ.StartTs + d.Milliseconds(),
					ReminderOffset: offset,
					Status:         model.ReminderStatusPending,
					EventTitle:     effective.Title,
					EventLocation:  effective.Location,
					IsAllDay:       effective.IsAllDay,
					CalendarColor:  cal.Color,
				})
			}
		}
	}

	existing, err := st.ListRemindersForCalendar(calendarID)
	if err != nil {
		return err
	}
	touched := map[string]bool{}
	for id := range desired {
		touched[id] = true
	}
	for _, r := range existing {
		touched[r.EventID] = true
	}

	for eventID := range touched {
		if err := st.ReplaceRemindersForEvent(eventID, desired[eventID]); err != nil {
			return err
		}
	}
	return nil
}

// CancelFor removes every scheduled reminder of one event and tells the
// external alarm scheduler to forget the corresponding firings. Account
// deletion must call this before the Store cascade destroys the event
// rows.
func (p *Planner) CancelFor(st Store, eventID string) error {
	rows, err := st.ListRemindersForEvent(eventID)
	if err != nil {
		return err
	}
	for _, r := range rows {
		p.gateway.Cancel(r.ID)
	}
	return st.DeleteRemindersForEvent(eventID)
}

// Fire transitions a due reminder to FIRED. Valid from PENDING and
// SNOOZED; any other state is left unchanged (the transition already
// happened, or the user dismissed it first).
func (p *Planner) Fire(st Store, reminderID string) error {
	r, err := st.GetReminder(reminderID)
	if err != nil {
		return err
	}
	if r.Status != model.ReminderStatusPending && r.Status != model.ReminderStatusSnoozed {
		return nil
	}
	return st.UpdateReminderStatus(r.ID, model.ReminderStatusFired, r.TriggerTime, r.SnoozeCount)
}

// Snooze moves a FIRED reminder's trigger to now+d and returns it to
// the refire pool, incrementing snoozeCount. FIRED to SNOOZED to FIRED
// can repeat any number of times.
func (p *Planner) Snooze(st Store, reminderID string, d time.Duration) error {
	r, err := st.GetReminder(reminderID)
	if err != nil {
		return err
	}
	if r.Status != model.ReminderStatusFired {
		return nil
	}
	return st.UpdateReminderStatus(r.ID, model.ReminderStatusSnoozed,
		p.now().Add(d).UnixMilli(), r.SnoozeCount+1)
}

// Dismiss is the one-way terminal transition.
func (p *Planner) Dismiss(st Store, reminderID string) error {
	r, err := st.GetReminder(reminderID)
	if err != nil {
		return err
	}
	if r.Status == model.ReminderStatusDismissed {
		return nil
	}
	p.gateway.Cancel(r.ID)
	return st.UpdateReminderStatus(r.ID, model.ReminderStatusDismissed, r.TriggerTime, r.SnoozeCount)
}
