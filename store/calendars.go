package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/kashcal/core/model"
)

func (a accessor) GetCalendar(id string) (*model.Calendar, error) {
	row := a.q.QueryRowContext(a.ctx, `
		SELECT id, account_id, caldav_url, display_name, color, ctag, sync_token,
		       is_visible, is_default, is_read_only, sort_order
		FROM calendars WHERE id = ?`, id)
	return scanCalendar(row)
}

func (a accessor) GetCalendarByURL(caldavURL string) (*model.Calendar, error) {
	row := a.q.QueryRowContext(a.ctx, `
		SELECT id, account_id, caldav_url, display_name, color, ctag, sync_token,
		       is_visible, is_default, is_read_only, sort_order
		FROM calendars WHERE caldav_url = ?`, caldavURL)
	return scanCalendar(row)
}

func (a accessor) ListCalendarsByAccount(accountID string) ([]*model.Calendar, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT id, account_id, caldav_url, display_name, color, ctag, sync_token,
		       is_visible, is_default, is_read_only, sort_order
		FROM calendars WHERE account_id = ? ORDER BY sort_order, display_name`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Calendar
	for rows.Next() {
		var c model.Calendar
		if err := rows.Scan(&c.ID, &c.AccountID, &c.CalDavURL, &c.DisplayName, &c.Color,
			&c.CTag, &c.SyncToken, &c.IsVisible, &c.IsDefault, &c.IsReadOnly, &c.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanCalendar(row *sql.Row) (*model.Calendar, error) {
	var c model.Calendar
	err := row.Scan(&c.ID, &c.AccountID, &c.CalDavURL, &c.DisplayName, &c.Color,
		&c.CTag, &c.SyncToken, &c.IsVisible, &c.IsDefault, &c.IsReadOnly, &c.SortOrder)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCalendar inserts or replaces a Calendar row, keyed by caldavUrl per
// the schema's UNIQUE(caldav_url) (discovery re-runs must not duplicate a
// collection already known locally).
func (a accessor) UpsertCalendar(c *model.Calendar) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := a.q.ExecContext(a.ctx, `
		INSERT INTO calendars (
			id, account_id, caldav_url, display_name, color, ctag, sync_token,
			is_visible, is_default, is_read_only, sort_order
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(caldav_url) DO UPDATE SET
			display_name = excluded.display_name,
			color = excluded.color,
			is_read_only = excluded.is_read_only,
			sort_order = excluded.sort_order
	`, c.ID, c.AccountID, c.CalDavURL, c.DisplayName, c.Color, c.CTag, c.SyncToken,
		c.IsVisible, c.IsDefault, c.IsReadOnly, c.SortOrder)
	return asConflict(err)
}

// UpdateCalendarSyncState persists a fresh ctag/syncToken pair after a pull
// completes. Discovery itself never writes ctag: only the pull
// strategy, once it has actually fetched the matching event set.
func (a accessor) UpdateCalendarSyncState(calendarID, ctag, syncToken string) error {
	_, err := a.q.ExecContext(a.ctx, `
		UPDATE calendars SET ctag = ?, sync_token = ? WHERE id = ?`,
		ctag, syncToken, calendarID)
	return err
}

func (a accessor) DeleteCalendar(id string) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM calendars WHERE id = ?`, id)
	return err
}
