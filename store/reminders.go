package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/kashcal/core/model"
)

func reminderKey(occurrenceTime int64, offset string) string {
	return fmt.Sprintf("%d|%s", occurrenceTime, offset)
}

const reminderColumns = `
	id, event_id, occurrence_time, trigger_time, reminder_offset, status,
	snooze_count, event_title, event_location, is_all_day, calendar_color`

// ListDueReminders backs the reminder firing loop: every PENDING row whose
// trigger_time has passed, plus SNOOZED rows whose snooze deadline has
// elapsed (a snoozed reminder refires).
func (a accessor) ListDueReminders(now int64) ([]*model.ScheduledReminder, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+reminderColumns+` FROM scheduled_reminders
		WHERE status IN (?, ?) AND trigger_time <= ?
		ORDER BY trigger_time`, model.ReminderStatusPending, model.ReminderStatusSnoozed, now)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

func (a accessor) ListRemindersForEvent(eventID string) ([]*model.ScheduledReminder, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+reminderColumns+` FROM scheduled_reminders
		WHERE event_id = ? ORDER BY occurrence_time, reminder_offset`, eventID)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}

func (a accessor) GetReminder(id string) (*model.ScheduledReminder, error) {
	row := a.q.QueryRowContext(a.ctx, `
		SELECT `+reminderColumns+` FROM scheduled_reminders WHERE id = ?`, id)
	r := &model.ScheduledReminder{}
	err := row.Scan(&r.ID, &r.EventID, &r.OccurrenceTime, &r.TriggerTime, &r.ReminderOffset,
		&r.Status, &r.SnoozeCount, &r.EventTitle, &r.EventLocation, &r.IsAllDay, &r.CalendarColor)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanReminders(rows *sql.Rows) ([]*model.ScheduledReminder, error) {
	defer rows.Close()
	var out []*model.ScheduledReminder
	for rows.Next() {
		var r model.ScheduledReminder
		if err := rows.Scan(&r.ID, &r.EventID, &r.OccurrenceTime, &r.TriggerTime, &r.ReminderOffset,
			&r.Status, &r.SnoozeCount, &r.EventTitle, &r.EventLocation, &r.IsAllDay, &r.CalendarColor); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ReplaceRemindersForEvent swaps the full reminder set for one event, the
// same all-or-nothing approach ReplaceOccurrences takes: a changed RRULE or
// VALARM set invalidates every previously scheduled firing rather than
// diffing instance by instance. FIRED and SNOOZED rows are always left
// untouched; a DISMISSED row is kept while its (occurrence_time, offset) is
// still in reminders, so a user's dismissal survives a refresh, and deleted
// once it is not.
func (a accessor) ReplaceRemindersForEvent(eventID string, reminders []*model.ScheduledReminder) error {
	existing, err := a.ListRemindersForEvent(eventID)
	if err != nil {
		return err
	}
	desired := make(map[string]bool, len(reminders))
	for _, r := range reminders {
		desired[reminderKey(r.OccurrenceTime, r.ReminderOffset)] = true
	}
	keep := make(map[string]*model.ScheduledReminder, len(existing))
	for _, r := range existing {
		if r.Status == model.ReminderStatusPending {
			continue
		}
		key := reminderKey(r.OccurrenceTime, r.ReminderOffset)
		if r.Status == model.ReminderStatusDismissed && !desired[key] {
			if _, err := a.q.ExecContext(a.ctx, `DELETE FROM scheduled_reminders WHERE id = ?`, r.ID); err != nil {
				return err
			}
			continue
		}
		keep[key] = r
	}
	if _, err := a.q.ExecContext(a.ctx, `DELETE FROM scheduled_reminders WHERE event_id = ? AND status = ?`,
		eventID, model.ReminderStatusPending); err != nil {
		return err
	}
	for _, r := range reminders {
		if existing := keep[reminderKey(r.OccurrenceTime, r.ReminderOffset)]; existing != nil {
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		_, err := a.q.ExecContext(a.ctx, `
			INSERT INTO scheduled_reminders (`+reminderColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id, occurrence_time, reminder_offset) DO NOTHING`,
			r.ID, r.EventID, r.OccurrenceTime, r.TriggerTime, r.ReminderOffset, r.Status,
			r.SnoozeCount, r.EventTitle, r.EventLocation, r.IsAllDay, r.CalendarColor)
		if err != nil {
			return asConflict(err)
		}
	}
	return nil
}

// UpdateReminderStatus transitions a reminder's lifecycle state
// (PENDING -> FIRED -> (SNOOZED -> FIRED)* -> DISMISSED). Snoozing
// also pushes triggerTime forward and increments snoozeCount.
func (a accessor) UpdateReminderStatus(id string, status model.ReminderStatus, newTriggerTime int64, snoozeCount int) error {
	_, err := a.q.ExecContext(a.ctx, `
		UPDATE scheduled_reminders SET status = ?, trigger_time = ?, snooze_count = ?
		WHERE id = ?`, status, newTriggerTime, snoozeCount, id)
	return err
}

func (a accessor) DeleteRemindersForEvent(eventID string) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM scheduled_reminders WHERE event_id = ?`, eventID)
	return err
}

// ListRemindersForCalendar returns every scheduled reminder whose event
// lives in calendarID, so ReminderPlanner.Refresh can drop rows for events
// that no longer have any occurrence inside the lookahead window.
func (a accessor) ListRemindersForCalendar(calendarID string) ([]*model.ScheduledReminder, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT r.id, r.event_id, r.occurrence_time, r.trigger_time, r.reminder_offset,
		       r.status, r.snooze_count, r.event_title, r.event_location, r.is_all_day,
		       r.calendar_color
		FROM scheduled_reminders r
		JOIN events e ON e.id = r.event_id
		WHERE e.calendar_id = ?
		ORDER BY r.trigger_time`, calendarID)
	if err != nil {
		return nil, err
	}
	return scanReminders(rows)
}
