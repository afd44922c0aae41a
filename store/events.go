package store

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kashcal/core/model"
)

const eventColumns = `
	id, uid, import_id, calendar_id, title, location, description,
	start_ts, end_ts, timezone, is_all_day, status, transp, classification,
	organizer_email, organizer_name, rrule, rdate, exdate, duration,
	original_event_id, original_instance_time, reminders, extra_properties,
	raw_ical, dtstamp, caldav_url, etag, sequence, sync_status,
	last_sync_error, sync_retry_count, local_modified_at, server_modified_at,
	parser_version`

// GetEvent satisfies occurrence.Store: the recurrence expander needs the
// master row (RRULE/RDATE/EXDATE/DTSTART/DTEND) to compute occurrences.
func (a accessor) GetEvent(id string) (*model.Event, error) {
	row := a.q.QueryRowContext(a.ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

func (a accessor) GetEventByUID(calendarID, uid string) (*model.Event, error) {
	row := a.q.QueryRowContext(a.ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND uid = ? AND original_event_id IS NULL`, calendarID, uid)
	return scanEvent(row)
}

// GetEventByImportID is the deprecated fallback lookup path: some
// providers reuse UIDs across distinct objects, so a prior import's
// synthetic ID is consulted only when the UID lookup misses.
func (a accessor) GetEventByImportID(calendarID, importID string) (*model.Event, error) {
	row := a.q.QueryRowContext(a.ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND import_id = ?`, calendarID, importID)
	return scanEvent(row)
}

// GetExceptionByInstanceTime locates a RECURRENCE-ID exception by its
// master's uid and the overridden instant (masters are looked up by uid
// alone).
func (a accessor) GetExceptionByInstanceTime(calendarID, masterUID string, instanceTime int64) (*model.Event, error) {
	row := a.q.QueryRowContext(a.ctx, `
		SELECT `+eventColumns+` FROM events e
		WHERE e.calendar_id = ? AND e.original_instance_time = ?
		AND e.original_event_id IN (SELECT id FROM events WHERE calendar_id = ? AND uid = ? AND original_event_id IS NULL)`,
		calendarID, instanceTime, calendarID, masterUID)
	return scanEvent(row)
}

func (a accessor) GetEventByCalDavURL(calendarID, caldavURL string) (*model.Event, error) {
	row := a.q.QueryRowContext(a.ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND caldav_url = ?`, calendarID, caldavURL)
	return scanEvent(row)
}

// ListExceptions satisfies occurrence.Store: every RECURRENCE-ID row
// attached to a recurring master, ordered so callers can binary-search by
// OriginalInstanceTime if needed.
func (a accessor) ListExceptions(originalEventID string) ([]*model.Event, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE original_event_id = ? ORDER BY original_instance_time`, originalEventID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ListEventsByCalendar satisfies occurrence.Store: every master row (not
// exceptions) in a calendar, the set RegenerateForCalendar walks.
func (a accessor) ListEventsByCalendar(calendarID string) ([]*model.Event, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND original_event_id IS NULL
		ORDER BY uid`, calendarID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (a accessor) ListEventsBySyncStatus(calendarID string, status model.SyncStatus) ([]*model.Event, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND sync_status = ?`, calendarID, status)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// ListSyncedHrefEtags backs the pull's ETag-diff fallback: the local
// (caldavUrl, etag) pairs for every SYNCED event in a
// calendar, which the caller diffs against the server's own listing.
// PENDING_* rows are excluded deliberately — they must never be mistaken
// for server-absent and marked for delete.
// A row written by an older parser reports an empty etag, so the diff
// refetches and re-parses it even though the server copy hasn't changed
// even though the server copy hasn't changed.
func (a accessor) ListSyncedHrefEtags(calendarID string, parserVersion int) (map[string]string, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT caldav_url, etag, parser_version FROM events
		WHERE calendar_id = ? AND sync_status = ? AND caldav_url IS NOT NULL`,
		calendarID, model.SyncStatusSynced)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var href, etag sql.NullString
		var version int
		if err := rows.Scan(&href, &etag, &version); err != nil {
			return nil, err
		}
		if !href.Valid {
			continue
		}
		if version != parserVersion {
			out[href.String] = ""
			continue
		}
		out[href.String] = etag.String
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row *sql.Row) (*model.Event, error) {
	e := &model.Event{}
	var originalEventID, caldavURL, etag sql.NullString
	var originalInstanceTime, localModified, serverModified sql.NullInt64
	var remindersJSON, extraJSON string

	err := row.Scan(&e.ID, &e.UID, &e.ImportID, &e.CalendarID, &e.Title, &e.Location, &e.Description,
		&e.StartTs, &e.EndTs, &e.Timezone, &e.IsAllDay, &e.Status, &e.Transp, &e.Class,
		&e.OrganizerEmail, &e.OrganizerName, &e.RRule, &e.RDate, &e.EXDate, &e.Duration,
		&originalEventID, &originalInstanceTime, &remindersJSON, &extraJSON,
		&e.RawICal, &e.DTStamp, &caldavURL, &etag, &e.Sequence, &e.SyncStatus,
		&e.LastSyncError, &e.SyncRetryCount, &localModified, &serverModified,
		&e.ParserVersion)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	fillEventNullables(e, originalEventID, caldavURL, etag, originalInstanceTime, localModified, serverModified, remindersJSON, extraJSON)
	return e, nil
}

func scanEventRows(rows *sql.Rows) (*model.Event, error) {
	e := &model.Event{}
	var originalEventID, caldavURL, etag sql.NullString
	var originalInstanceTime, localModified, serverModified sql.NullInt64
	var remindersJSON, extraJSON string

	err := rows.Scan(&e.ID, &e.UID, &e.ImportID, &e.CalendarID, &e.Title, &e.Location, &e.Description,
		&e.StartTs, &e.EndTs, &e.Timezone, &e.IsAllDay, &e.Status, &e.Transp, &e.Class,
		&e.OrganizerEmail, &e.OrganizerName, &e.RRule, &e.RDate, &e.EXDate, &e.Duration,
		&originalEventID, &originalInstanceTime, &remindersJSON, &extraJSON,
		&e.RawICal, &e.DTStamp, &caldavURL, &etag, &e.Sequence, &e.SyncStatus,
		&e.LastSyncError, &e.SyncRetryCount, &localModified, &serverModified,
		&e.ParserVersion)
	if err != nil {
		return nil, err
	}
	fillEventNullables(e, originalEventID, caldavURL, etag, originalInstanceTime, localModified, serverModified, remindersJSON, extraJSON)
	return e, nil
}

func fillEventNullables(e *model.Event, originalEventID, caldavURL, etag sql.NullString,
	originalInstanceTime, localModified, serverModified sql.NullInt64, remindersJSON, extraJSON string) {
	e.OriginalEventID = originalEventID.String
	e.CalDavURL = caldavURL.String
	e.ETag = etag.String
	e.OriginalInstanceTime = originalInstanceTime.Int64
	e.LocalModifiedAt = nullableMsToTime(localModified)
	e.ServerModifiedAt = nullableMsToTime(serverModified)
	if remindersJSON != "" {
		_ = json.Unmarshal([]byte(remindersJSON), &e.Reminders)
	}
	if extraJSON != "" {
		_ = json.Unmarshal([]byte(extraJSON), &e.ExtraProperties)
	} else {
		e.ExtraProperties = map[string]string{}
	}
}

// UpsertEvent inserts or replaces an Event row keyed by id. Callers creating
// a fresh local event leave ID empty and get one assigned.
func (a accessor) UpsertEvent(e *model.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	remindersJSON, err := json.Marshal(e.Reminders)
	if err != nil {
		return err
	}
	if e.ExtraProperties == nil {
		e.ExtraProperties = map[string]string{}
	}
	extraJSON, err := json.Marshal(e.ExtraProperties)
	if err != nil {
		return err
	}

	_, err = a.q.ExecContext(a.ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uid = excluded.uid,
			import_id = excluded.import_id,
			title = excluded.title,
			location = excluded.location,
			description = excluded.description,
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			timezone = excluded.timezone,
			is_all_day = excluded.is_all_day,
			status = excluded.status,
			transp = excluded.transp,
			classification = excluded.classification,
			organizer_email = excluded.organizer_email,
			organizer_name = excluded.organizer_name,
			rrule = excluded.rrule,
			rdate = excluded.rdate,
			exdate = excluded.exdate,
			duration = excluded.duration,
			original_event_id = excluded.original_event_id,
			original_instance_time = excluded.original_instance_time,
			reminders = excluded.reminders,
			extra_properties = excluded.extra_properties,
			raw_ical = excluded.raw_ical,
			dtstamp = excluded.dtstamp,
			caldav_url = excluded.caldav_url,
			etag = excluded.etag,
			sequence = excluded.sequence,
			sync_status = excluded.sync_status,
			last_sync_error = excluded.last_sync_error,
			sync_retry_count = excluded.sync_retry_count,
			local_modified_at = excluded.local_modified_at,
			server_modified_at = excluded.server_modified_at,
			parser_version = excluded.parser_version
	`,
		e.ID, e.UID, e.ImportID, e.CalendarID, e.Title, e.Location, e.Description,
		e.StartTs, e.EndTs, e.Timezone, e.IsAllDay, e.Status, e.Transp, e.Class,
		e.OrganizerEmail, e.OrganizerName, e.RRule, e.RDate, e.EXDate, e.Duration,
		nullableString(e.OriginalEventID), nullIfZero(e.OriginalInstanceTime), string(remindersJSON), string(extraJSON),
		e.RawICal, e.DTStamp, nullableString(e.CalDavURL), nullableString(e.ETag), e.Sequence, e.SyncStatus,
		e.LastSyncError, e.SyncRetryCount, nullableTimeToMs(e.LocalModifiedAt), nullableTimeToMs(e.ServerModifiedAt),
		e.ParserVersion,
	)
	return asConflict(err)
}

func nullIfZero(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func (a accessor) UpdateEventSyncStatus(id string, status model.SyncStatus, syncErr string) error {
	_, err := a.q.ExecContext(a.ctx, `
		UPDATE events SET sync_status = ?, last_sync_error = ? WHERE id = ?`, status, syncErr, id)
	return err
}

// DeleteEvent removes the master row and, via ON DELETE CASCADE on
// original_event_id, every RECURRENCE-ID exception attached to it.
func (a accessor) DeleteEvent(id string) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM events WHERE id = ?`, id)
	return err
}
