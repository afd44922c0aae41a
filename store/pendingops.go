package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/kashcal/core/model"
)

const pendingOpColumns = `
	id, event_id, operation, status, retry_count, max_retries, next_retry_at,
	last_error, failed_at, lifetime_reset_at, dest_calendar_id`

// ListDuePendingOperations backs the push drain: every
// PENDING row whose backoff has elapsed, oldest lifetime first so a
// long-stuck mutation doesn't starve behind newer ones.
func (a accessor) ListDuePendingOperations(now int64, limit int) ([]*model.PendingOperation, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+pendingOpColumns+` FROM pending_operations
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY lifetime_reset_at
		LIMIT ?`, model.PendingStatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	return scanPendingOps(rows)
}

func (a accessor) ListPendingOperationsForEvent(eventID string) ([]*model.PendingOperation, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT `+pendingOpColumns+` FROM pending_operations
		WHERE event_id = ? ORDER BY lifetime_reset_at`, eventID)
	if err != nil {
		return nil, err
	}
	return scanPendingOps(rows)
}

func (a accessor) CountPendingOperations() (int, error) {
	var n int
	err := a.q.QueryRowContext(a.ctx, `
		SELECT COUNT(*) FROM pending_operations WHERE status != ?`, model.PendingStatusFailed).Scan(&n)
	return n, err
}

func scanPendingOps(rows *sql.Rows) ([]*model.PendingOperation, error) {
	defer rows.Close()
	var out []*model.PendingOperation
	for rows.Next() {
		var p model.PendingOperation
		var nextRetryAt, lifetimeResetAt int64
		var failedAt sql.NullInt64
		var destCalendarID sql.NullString
		if err := rows.Scan(&p.ID, &p.EventID, &p.Operation, &p.Status, &p.RetryCount, &p.MaxRetries,
			&nextRetryAt, &p.LastError, &failedAt, &lifetimeResetAt, &destCalendarID); err != nil {
			return nil, err
		}
		p.NextRetryAt = msToTime(nextRetryAt)
		p.LifetimeResetAt = msToTime(lifetimeResetAt)
		p.FailedAt = nullableMsToTime(failedAt)
		p.DestCalendarID = destCalendarID.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

// EnqueuePendingOperation inserts a fresh queued mutation. Callers set
// MaxRetries to model.DefaultMaxRetries unless a test needs a different
// budget.
func (a accessor) EnqueuePendingOperation(p *model.PendingOperation) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = model.DefaultMaxRetries
	}
	_, err := a.q.ExecContext(a.ctx, `
		INSERT INTO pending_operations (`+pendingOpColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.EventID, p.Operation, p.Status, p.RetryCount, p.MaxRetries,
		timeToMs(p.NextRetryAt), p.LastError, nullableTimeToMs(p.FailedAt),
		timeToMs(p.LifetimeResetAt), nullableString(p.DestCalendarID))
	return asConflict(err)
}

// UpdatePendingOperationOutcome records one push attempt's result: either
// a rescheduled retry or a terminal FAILED marking.
func (a accessor) UpdatePendingOperationOutcome(p *model.PendingOperation) error {
	_, err := a.q.ExecContext(a.ctx, `
		UPDATE pending_operations SET
			status = ?, retry_count = ?, next_retry_at = ?, last_error = ?,
			failed_at = ?
		WHERE id = ?`,
		p.Status, p.RetryCount, timeToMs(p.NextRetryAt), p.LastError,
		nullableTimeToMs(p.FailedAt), p.ID)
	return err
}

func (a accessor) DeletePendingOperation(id string) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	return err
}

func (a accessor) DeletePendingOperationsForEvent(eventID string) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM pending_operations WHERE event_id = ?`, eventID)
	return err
}

// ListPendingOperationsForCalendar returns every op whose event belongs to
// calendarID, in insertion order, regardless of status. PushStrategy drains
// from this list (ready PENDING ops) and runs the FAILED-reset /
// lifetime-discard hygiene pass over the rest.
func (a accessor) ListPendingOperationsForCalendar(calendarID string) ([]*model.PendingOperation, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT p.id, p.event_id, p.operation, p.status, p.retry_count, p.max_retries,
		       p.next_retry_at, p.last_error, p.failed_at, p.lifetime_reset_at,
		       p.dest_calendar_id
		FROM pending_operations p
		JOIN events e ON e.id = p.event_id
		WHERE e.calendar_id = ?
		ORDER BY p.lifetime_reset_at`, calendarID)
	if err != nil {
		return nil, err
	}
	return scanPendingOps(rows)
}
