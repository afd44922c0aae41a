package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kashcal/core/caldav"
	"github.com/kashcal/core/model"
	"github.com/kashcal/core/quirks"
	"github.com/kashcal/core/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kashcal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestClient(t *testing.T, endpoint string) *caldav.Client {
	t.Helper()
	c, err := caldav.NewClient(http.DefaultClient, endpoint, quirks.New(quirks.ProviderGenericCalDAV))
	require.NoError(t, err)
	return c
}

func seedCalendar(t *testing.T, s *store.Store, caldavURL string) *model.Calendar {
	t.Helper()
	acc := &model.Account{
		Provider:  model.ProviderGenericCalDAV,
		Email:     "person@example.com",
		IsEnabled: true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.UpsertAccount(acc))
	cal := &model.Calendar{
		AccountID: acc.ID,
		CalDavURL: caldavURL,
		IsVisible: true,
	}
	require.NoError(t, s.UpsertCalendar(cal))
	return cal
}

func seedPendingEvent(t *testing.T, s *store.Store, cal *model.Calendar, status model.SyncStatus, op model.PendingOperationKind) *model.Event {
	t.Helper()
	start := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	ev := &model.Event{
		UID:        "uid-" + string(op),
		CalendarID: cal.ID,
		Title:      "Planning",
		StartTs:    start.UnixMilli(),
		EndTs:      start.Add(time.Hour).UnixMilli(),
		SyncStatus: status,
	}
	require.NoError(t, s.UpsertEvent(ev))
	require.NoError(t, s.EnqueuePendingOperation(&model.PendingOperation{
		EventID:         ev.ID,
		Operation:       op,
		Status:          model.PendingStatusPending,
		NextRetryAt:     time.Now().Add(-time.Minute),
		LifetimeResetAt: time.Now(),
	}))
	return ev
}

func TestPushCreateSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "*", r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := newTestStore(t)
	cal := seedCalendar(t, s, srv.URL+"/cal/")
	ev := seedPendingEvent(t, s, cal, model.SyncStatusPendingCreate, model.OpCreate)

	push := NewPushStrategy(newTestClient(t, srv.URL))
	result, err := push.Push(context.Background(), s, cal)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	got, err := s.GetEvent(ev.ID)
	require.NoError(t, err)
	require.Equal(t, model.SyncStatusSynced, got.SyncStatus)
	require.Equal(t, "v1", got.ETag)
	require.NotEmpty(t, got.CalDavURL)
	require.NotEmpty(t, got.RawICal)

	ops, err := s.ListPendingOperationsForEvent(ev.ID)
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestPushUpdateNotFoundPromotesToCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := newTestStore(t)
	cal := seedCalendar(t, s, srv.URL+"/cal/")
	ev := seedPendingEvent(t, s, cal, model.SyncStatusPendingUpdate, model.OpUpdate)

	// The event was pushed once before: it has server coordinates.
	ev.CalDavURL = "/cal/" + ev.UID + ".ics"
	ev.ETag = "stale"
	require.NoError(t, s.UpsertEvent(ev))

	push := NewPushStrategy(newTestClient(t, srv.URL))
	_, err := push.Push(context.Background(), s, cal)
	require.NoError(t, err)

	got, err := s.GetEvent(ev.ID)
	require.NoError(t, err)
	require.Equal(t, model.SyncStatusPendingCreate, got.SyncStatus)
	require.Empty(t, got.CalDavURL)
	require.Empty(t, got.ETag)

	ops, err := s.ListPendingOperationsForEvent(ev.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, model.OpCreate, ops[0].Operation)
	require.Equal(t, model.PendingStatusPending, ops[0].Status)
}

func TestPushDeleteNotFoundIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := newTestStore(t)
	cal := seedCalendar(t, s, srv.URL+"/cal/")
	ev := seedPendingEvent(t, s, cal, model.SyncStatusPendingDelete, model.OpDelete)
	ev.CalDavURL = "/cal/" + ev.UID + ".ics"
	ev.ETag = "v1"
	require.NoError(t, s.UpsertEvent(ev))

	push := NewPushStrategy(newTestClient(t, srv.URL))
	result, err := push.Push(context.Background(), s, cal)
	require.NoError(t, err)
	require.Equal(t, 1, result.Deleted)

	_, err = s.GetEvent(ev.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPushServerErrorSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestStore(t)
	cal := seedCalendar(t, s, srv.URL+"/cal/")
	ev := seedPendingEvent(t, s, cal, model.SyncStatusPendingCreate, model.OpCreate)

	push := NewPushStrategy(newTestClient(t, srv.URL))
	result, err := push.Push(context.Background(), s, cal)
	require.NoError(t, err)
	require.Equal(t, 0, result.Created)

	ops, err := s.ListPendingOperationsForEvent(ev.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, model.PendingStatusPending, ops[0].Status)
	require.Equal(t, 1, ops[0].RetryCount)
	require.True(t, ops[0].NextRetryAt.After(time.Now()))
	require.NotEmpty(t, ops[0].LastError)
}

func TestPushAuthFailureStopsDrainAndSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := newTestStore(t)
	cal := seedCalendar(t, s, srv.URL+"/cal/")
	ev := seedPendingEvent(t, s, cal, model.SyncStatusPendingCreate, model.OpCreate)

	push := NewPushStrategy(newTestClient(t, srv.URL))
	_, err := push.Push(context.Background(), s, cal)
	require.Error(t, err)
	cerr, ok := err.(*caldav.Error)
	require.True(t, ok)
	require.Equal(t, caldav.KindAuth, cerr.Kind)

	ops, err2 := s.ListPendingOperationsForEvent(ev.ID)
	require.NoError(t, err2)
	require.Len(t, ops, 1)
	require.Equal(t, model.PendingStatusFailed, ops[0].Status)
}
