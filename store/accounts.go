package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kashcal/core/model"
)

func (a accessor) GetAccount(id string) (*model.Account, error) {
	row := a.q.QueryRowContext(a.ctx, `
		SELECT id, provider, email, display_name, principal_url, home_set_url,
		       is_enabled, created_at, last_sync_at, last_successful_sync_at,
		       consecutive_sync_failures
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (a accessor) ListAccounts() ([]*model.Account, error) {
	rows, err := a.q.QueryContext(a.ctx, `
		SELECT id, provider, email, display_name, principal_url, home_set_url,
		       is_enabled, created_at, last_sync_at, last_successful_sync_at,
		       consecutive_sync_failures
		FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		acc, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var acc model.Account
	var createdAt int64
	var lastSync, lastSuccess sql.NullInt64
	err := row.Scan(&acc.ID, &acc.Provider, &acc.Email, &acc.DisplayName, &acc.PrincipalURL,
		&acc.HomeSetURL, &acc.IsEnabled, &createdAt, &lastSync, &lastSuccess,
		&acc.ConsecutiveSyncFailures)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = msToTime(createdAt)
	acc.LastSyncAt = nullableMsToTime(lastSync)
	acc.LastSuccessfulSyncAt = nullableMsToTime(lastSuccess)
	return &acc, nil
}

func scanAccountRows(rows *sql.Rows) (*model.Account, error) {
	var acc model.Account
	var createdAt int64
	var lastSync, lastSuccess sql.NullInt64
	err := rows.Scan(&acc.ID, &acc.Provider, &acc.Email, &acc.DisplayName, &acc.PrincipalURL,
		&acc.HomeSetURL, &acc.IsEnabled, &createdAt, &lastSync, &lastSuccess,
		&acc.ConsecutiveSyncFailures)
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = msToTime(createdAt)
	acc.LastSyncAt = nullableMsToTime(lastSync)
	acc.LastSuccessfulSyncAt = nullableMsToTime(lastSuccess)
	return &acc, nil
}

// UpsertAccount inserts or replaces an Account row. A zero ID gets a fresh
// UUID assigned (and written back into acc).
func (a accessor) UpsertAccount(acc *model.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	_, err := a.q.ExecContext(a.ctx, `
		INSERT INTO accounts (
			id, provider, email, display_name, principal_url, home_set_url,
			is_enabled, created_at, last_sync_at, last_successful_sync_at,
			consecutive_sync_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			email = excluded.email,
			display_name = excluded.display_name,
			principal_url = excluded.principal_url,
			home_set_url = excluded.home_set_url,
			is_enabled = excluded.is_enabled,
			last_sync_at = excluded.last_sync_at,
			last_successful_sync_at = excluded.last_successful_sync_at,
			consecutive_sync_failures = excluded.consecutive_sync_failures
	`, acc.ID, acc.Provider, acc.Email, acc.DisplayName, acc.PrincipalURL, acc.HomeSetURL,
		acc.IsEnabled, timeToMs(acc.CreatedAt), nullableTimeToMs(acc.LastSyncAt),
		nullableTimeToMs(acc.LastSuccessfulSyncAt), acc.ConsecutiveSyncFailures)
	return asConflict(err)
}

// UpdateAccountSyncState records the outcome of one syncCalendar pass:
// lastSyncAt always advances, lastSuccessfulSyncAt and
// consecutiveSyncFailures reflect whether the pass succeeded.
func (a accessor) UpdateAccountSyncState(accountID string, lastSync time.Time, success bool) error {
	if success {
		_, err := a.q.ExecContext(a.ctx, `
			UPDATE accounts SET last_sync_at = ?, last_successful_sync_at = ?,
				consecutive_sync_failures = 0
			WHERE id = ?`, timeToMs(lastSync), timeToMs(lastSync), accountID)
		return err
	}
	_, err := a.q.ExecContext(a.ctx, `
		UPDATE accounts SET last_sync_at = ?, consecutive_sync_failures = consecutive_sync_failures + 1
		WHERE id = ?`, timeToMs(lastSync), accountID)
	return err
}

// DeleteAccount removes the Account row; the ON DELETE CASCADE foreign keys
// remove Calendars -> Events -> Occurrences/PendingOperations/
// ScheduledReminders. Callers must have already cancelled jobs and
// reminders and deleted credentials before calling this.
func (a accessor) DeleteAccount(id string) error {
	_, err := a.q.ExecContext(a.ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}
