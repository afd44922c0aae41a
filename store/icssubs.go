package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/kashcal/core/model"
)

const icsSubColumns = `
	id, url, name, color, calendar_id, last_sync, sync_interval_hours,
	enabled, etag, last_modified, username, last_error, created_at`

func (a accessor) GetIcsSubscription(id string) (*model.IcsSubscription, error) {
	row := a.q.QueryRowContext(a.ctx, `SELECT `+icsSubColumns+` FROM ics_subscriptions WHERE id = ?`, id)
	return scanIcsSubscription(row)
}

func (a accessor) GetIcsSubscriptionByCalendar(calendarID string) (*model.IcsSubscription, error) {
	row := a.q.QueryRowContext(a.ctx, `SELECT `+icsSubColumns+` FROM ics_subscriptions WHERE calendar_id = ?`, calendarID)
	return scanIcsSubscription(row)
}

// ListDueIcsSubscriptions backs icssub.refresh's scheduling loop: every
// enabled subscription whose syncIntervalHours has elapsed since lastSync.
func (a accessor) ListDueIcsSubscriptions(now int64) ([]*model.IcsSubscription, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+icsSubColumns+` FROM ics_subscriptions
		WHERE enabled = 1 AND (
			last_sync IS NULL OR last_sync + (sync_interval_hours * 3600000) <= ?
		)`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.IcsSubscription
	for rows.Next() {
		s, err := scanIcsSubscriptionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanIcsSubscription(row *sql.Row) (*model.IcsSubscription, error) {
	s := &model.IcsSubscription{}
	var lastSync sql.NullInt64
	var createdAt int64
	err := row.Scan(&s.ID, &s.URL, &s.Name, &s.Color, &s.CalendarID, &lastSync, &s.SyncIntervalHours,
		&s.Enabled, &s.ETag, &s.LastModified, &s.Username, &s.LastError, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.LastSync = nullableMsToTime(lastSync)
	s.CreatedAt = msToTime(createdAt)
	return s, nil
}

func scanIcsSubscriptionRows(rows *sql.Rows) (*model.IcsSubscription, error) {
	s := &model.IcsSubscription{}
	var lastSync sql.NullInt64
	var createdAt int64
	err := rows.Scan(&s.ID, &s.URL, &s.Name, &s.Color, &s.CalendarID, &lastSync, &s.SyncIntervalHours,
		&s.Enabled, &s.ETag, &s.LastModified, &s.Username, &s.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	s.LastSync = nullableMsToTime(lastSync)
	s.CreatedAt = msToTime(createdAt)
	return s, nil
}

func (a accessor) UpsertIcsSubscription(s *model.IcsSubscription) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := a.q.ExecContext(a.ctx, `
		INSERT INTO ics_subscriptions (`+icsSubColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(calendar_id) DO UPDATE SET
			url = excluded.url,
			name = excluded.name,
			color = excluded.color,
			sync_interval_hours = excluded.sync_interval_hours,
			enabled = excluded.enabled,
			username = excluded.username
	`, s.ID, s.URL, s.Name, s.Color, s.CalendarID, nullableTimeToMs(s.LastSync), s.SyncIntervalHours,
		s.Enabled, s.ETag, s.LastModified, s.Username, s.LastError, timeToMs(s.CreatedAt))
	return asConflict(err)
}

// UpdateIcsSubscriptionSyncState records the outcome of one refresh poll:
// fresh etag/last-modified validators on a 200, or just lastSync/lastError
// on a 304 or failure.
func (a accessor) UpdateIcsSubscriptionSyncState(id string, lastSync int64, etag, lastModified, lastError string) error {
	_, err := a.q.ExecContext(a.ctx, `
		UPDATE ics_subscriptions SET last_sync = ?, etag = ?, last_modified = ?, last_error = ?
		WHERE id = ?`, lastSync, etag, lastModified, lastError, id)
	return err
}

func (a accessor) DeleteIcsSubscription(id string) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM ics_subscriptions WHERE id = ?`, id)
	return err
}
