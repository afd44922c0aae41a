package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/kashcal/core/model"
)

// AppendSyncLog writes one append-only audit row. Never
// updated or deleted except by retention pruning.
func (a accessor) AppendSyncLog(l *model.SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := a.q.ExecContext(a.ctx, `
		INSERT INTO sync_log (id, timestamp, calendar_id, event_uid, result, message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, timeToMs(l.Timestamp), nullableString(l.CalendarID), nullableString(l.EventUID), l.Result, l.Message)
	return err
}

func (a accessor) ListSyncLogForCalendar(calendarID string, limit int) ([]*model.SyncLog, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT id, timestamp, calendar_id, event_uid, result, message
		FROM sync_log WHERE calendar_id = ?
		ORDER BY timestamp DESC LIMIT ?`, calendarID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SyncLog
	for rows.Next() {
		var l model.SyncLog
		var ts int64
		var calendarID, eventUID sql.NullString
		if err := rows.Scan(&l.ID, &ts, &calendarID, &eventUID, &l.Result, &l.Message); err != nil {
			return nil, err
		}
		l.Timestamp = msToTime(ts)
		l.CalendarID = calendarID.String
		l.EventUID = eventUID.String
		out = append(out, &l)
	}
	return out, rows.Err()
}

// PruneSyncLog deletes rows older than cutoff, keeping the audit trail from
// growing unbounded on long-lived installs.
func (a accessor) PruneSyncLog(cutoff int64) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM sync_log WHERE timestamp < ?`, cutoff)
	return err
}
