package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kashcal/core/model"
)

var errRollbackSentinel = errors.New("rollback sentinel")

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kashcal.db")
	s, err := New(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store) *model.Account {
	t.Helper()
	acc := &model.Account{
		Provider:    model.ProviderGenericCalDAV,
		Email:       "person@example.com",
		DisplayName: "Person",
		IsEnabled:   true,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.UpsertAccount(acc))
	return acc
}

func seedCalendar(t *testing.T, s *Store, accountID string) *model.Calendar {
	t.Helper()
	cal := &model.Calendar{
		AccountID:   accountID,
		CalDavURL:   "https://dav.example.com/cal/work/",
		DisplayName: "Work",
		IsVisible:   true,
	}
	require.NoError(t, s.UpsertCalendar(cal))
	return cal
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)

	got, err := s.GetAccount(acc.ID)
	require.NoError(t, err)
	require.Equal(t, acc.Email, got.Email)
	require.Equal(t, model.ProviderGenericCalDAV, got.Provider)

	_, err = s.GetAccount("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAccountDuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s)

	dup := &model.Account{Provider: model.ProviderGenericCalDAV, Email: "person@example.com", CreatedAt: time.Now()}
	err := s.UpsertAccount(dup)
	var conflict *ErrConflict
	require.ErrorAs(t, err, &conflict)
}

func TestEventAndOccurrenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	cal := seedCalendar(t, s, acc.ID)

	evt := &model.Event{
		UID:        "evt-1@example.com",
		CalendarID: cal.ID,
		Title:      "Standup",
		StartTs:    1000,
		EndTs:      2000,
		Status:     model.EventStatusConfirmed,
		SyncStatus: model.SyncStatusSynced,
		Reminders:  []string{"-PT15M"},
		ExtraProperties: map[string]string{
			"X-CUSTOM": "value",
		},
	}
	require.NoError(t, s.UpsertEvent(evt))

	got, err := s.GetEvent(evt.ID)
	require.NoError(t, err)
	require.Equal(t, "Standup", got.Title)
	require.Equal(t, []string{"-PT15M"}, got.Reminders)
	require.Equal(t, "value", got.ExtraProperties["X-CUSTOM"])

	byUID, err := s.GetEventByUID(cal.ID, evt.UID)
	require.NoError(t, err)
	require.Equal(t, evt.ID, byUID.ID)

	occs := []*model.Occurrence{
		{EventID: evt.ID, CalendarID: cal.ID, StartTs: 1000, EndTs: 2000, StartDay: 19700101, EndDay: 19700101},
	}
	require.NoError(t, s.ReplaceOccurrences(evt.ID, occs))

	listed, err := s.ListOccurrencesForEvent(evt.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	inRange, err := s.ListOccurrencesInRange(cal.ID, 0, 5000)
	require.NoError(t, err)
	require.Len(t, inRange, 1)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	cal := seedCalendar(t, s, acc.ID)

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		evt := &model.Event{UID: "tx-evt", CalendarID: cal.ID, StartTs: 1, EndTs: 2}
		if err := tx.UpsertEvent(evt); err != nil {
			return err
		}
		return errRollbackSentinel
	})
	require.ErrorIs(t, err, errRollbackSentinel)

	_, err = s.GetEventByUID(cal.ID, "tx-evt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxCommitsAndNotifies(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	cal := seedCalendar(t, s, acc.ID)

	watch := s.WatchCalendar(cal.ID)
	defer watch.Close()

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.UpsertEvent(&model.Event{UID: "tx-evt-2", CalendarID: cal.ID, StartTs: 1, EndTs: 2})
	})
	require.NoError(t, err)

	select {
	case <-watch.Changed():
	default:
		t.Fatal("expected a notification after commit")
	}
}

func TestSearchEvents(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	cal := seedCalendar(t, s, acc.ID)

	require.NoError(t, s.UpsertEvent(&model.Event{UID: "e1", CalendarID: cal.ID, Title: "Dentist appointment", StartTs: 1, EndTs: 2}))
	require.NoError(t, s.UpsertEvent(&model.Event{UID: "e2", CalendarID: cal.ID, Title: "Lunch with team", StartTs: 1, EndTs: 2}))

	results, err := s.SearchEvents(cal.ID, "dentist", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "e1", results[0].UID)

	prefixResults, err := s.SearchEvents(cal.ID, "dent*", 10)
	require.NoError(t, err)
	require.Len(t, prefixResults, 1)
}

func TestPendingOperationLifecycle(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	cal := seedCalendar(t, s, acc.ID)
	require.NoError(t, s.UpsertEvent(&model.Event{ID: "evt-po", UID: "po", CalendarID: cal.ID, StartTs: 1, EndTs: 2}))

	op := &model.PendingOperation{
		EventID:         "evt-po",
		Operation:       model.OpCreate,
		Status:          model.PendingStatusPending,
		NextRetryAt:     time.Now().Add(-time.Minute),
		LifetimeResetAt: time.Now(),
	}
	require.NoError(t, s.EnqueuePendingOperation(op))
	require.Equal(t, model.DefaultMaxRetries, op.MaxRetries)

	due, err := s.ListDuePendingOperations(time.Now().UnixMilli(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	due[0].Status = model.PendingStatusFailed
	due[0].RetryCount = due[0].MaxRetries
	require.NoError(t, s.UpdatePendingOperationOutcome(due[0]))

	stillDue, err := s.ListDuePendingOperations(time.Now().UnixMilli(), 10)
	require.NoError(t, err)
	require.Empty(t, stillDue)
}
