package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/kashcal/core/model"
)

const occurrenceColumns = `
	id, event_id, calendar_id, start_ts, end_ts, start_day, end_day,
	is_cancelled, exception_event_id`

// ListOccurrencesForEvent satisfies occurrence.Store: the previously
// expanded rows for one master, read back so RegenerateFor can carry their
// exception pointers over to the freshly expanded set that then replaces them.
func (a accessor) ListOccurrencesForEvent(eventID string) ([]*model.Occurrence, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE event_id = ? ORDER BY start_ts`, eventID)
	if err != nil {
		return nil, err
	}
	return scanOccurrences(rows)
}

// ListOccurrencesInRange backs range queries: every occurrence
// (cancelled or not — callers filter) whose interval overlaps
// [startTs,endTs) in one calendar.
func (a accessor) ListOccurrencesInRange(calendarID string, startTs, endTs int64) ([]*model.Occurrence, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE calendar_id = ? AND start_ts < ? AND end_ts > ?
		ORDER BY start_ts`, calendarID, endTs, startTs)
	if err != nil {
		return nil, err
	}
	return scanOccurrences(rows)
}

func scanOccurrences(rows *sql.Rows) ([]*model.Occurrence, error) {
	defer rows.Close()
	var out []*model.Occurrence
	for rows.Next() {
		var o model.Occurrence
		var exceptionEventID sql.NullString
		if err := rows.Scan(&o.ID, &o.EventID, &o.CalendarID, &o.StartTs, &o.EndTs,
			&o.StartDay, &o.EndDay, &o.IsCancelled, &exceptionEventID); err != nil {
			return nil, err
		}
		o.ExceptionEventID = exceptionEventID.String
		out = append(out, &o)
	}
	return out, rows.Err()
}

// ReplaceOccurrences satisfies occurrence.Store: atomically swaps the full
// occurrence set for one event, since individual instance diffing buys
// nothing once an RRULE component has changed shape.
func (a accessor) ReplaceOccurrences(eventID string, occs []*model.Occurrence) error {
	if _, err := a.q.ExecContext(a.ctx, `DELETE FROM occurrences WHERE event_id = ?`, eventID); err != nil {
		return err
	}
	for _, o := range occs {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		_, err := a.q.ExecContext(a.ctx, `
			INSERT INTO occurrences (`+occurrenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.EventID, o.CalendarID, o.StartTs, o.EndTs, o.StartDay, o.EndDay,
			o.IsCancelled, nullableString(o.ExceptionEventID))
		if err != nil {
			return asConflict(err)
		}
	}
	return nil
}

func (a accessor) DeleteOccurrencesForCalendar(calendarID string) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM occurrences WHERE calendar_id = ?`, calendarID)
	return err
}
