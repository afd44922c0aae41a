package store

import (
	"strings"

	"github.com/kashcal/core/model"
)

const eventColumnsAliased = `
	e.id, e.uid, e.import_id, e.calendar_id, e.title, e.location, e.description,
	e.start_ts, e.end_ts, e.timezone, e.is_all_day, e.status, e.transp, e.classification,
	e.organizer_email, e.organizer_name, e.rrule, e.rdate, e.exdate, e.duration,
	e.original_event_id, e.original_instance_time, e.reminders, e.extra_properties,
	e.raw_ical, e.dtstamp, e.caldav_url, e.etag, e.sequence, e.sync_status,
	e.last_sync_error, e.sync_retry_count, e.local_modified_at, e.server_modified_at,
	e.parser_version`

// SearchEvents runs a full-text query against events_fts and returns the
// matching Event rows ordered by FTS5's bm25 rank. FTS5's own query
// grammar already covers what callers need (bare terms AND
// together by default, `foo*` prefix matches, `"a b"` phrase matches,
// explicit AND/OR/NOT), so the query string is passed through nearly
// verbatim; sanitizeFTSQuery only balances stray quotes so a malformed
// query degrades to "match nothing" instead of a syntax error surfacing
// from the driver.
func (a accessor) SearchEvents(calendarID, query string, limit int) ([]*model.Event, error) {
	q := sanitizeFTSQuery(query)
	if q == "" {
		return nil, nil
	}

	args := []interface{}{q}
	where := "events_fts MATCH ?"
	if calendarID != "" {
		where += " AND e.calendar_id = ?"
		args = append(args, calendarID)
	}
	args = append(args, limit)

	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+eventColumnsAliased+`
		FROM events_fts
		JOIN events e ON e.rowid = events_fts.rowid
		WHERE `+where+`
		ORDER BY bm25(events_fts)
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func sanitizeFTSQuery(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return ""
	}
	if strings.Count(q, `"`)%2 != 0 {
		q += `"`
	}
	return q
}
