// Package app is the process-boundary API of the core: the
// operations an upper layer (UI, CLI, background job runner) calls. It
// wires Store, Discovery, SyncEngine, IcsSubscriptions, and ReminderPlanner
// together and owns the "queue a pending op per local mutation" protocol.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kashcal/core/caldav"
	"github.com/kashcal/core/credstore"
	"github.com/kashcal/core/discovery"
	"github.com/kashcal/core/icssub"
	"github.com/kashcal/core/internal/davproto"
	"github.com/kashcal/core/model"
	"github.com/kashcal/core/occurrence"
	"github.com/kashcal/core/quirks"
	"github.com/kashcal/core/reminder"
	"github.com/kashcal/core/store"
	"github.com/kashcal/core/sync"
)

// DeleteScope selects how much of a recurring series deleteEvent removes.
type DeleteScope string

const (
	DeleteThis             DeleteScope = "THIS"
	DeleteThisAndFollowing DeleteScope = "THIS_AND_FOLLOWING"
	DeleteAll              DeleteScope = "ALL"
)

// App is the top-level handle an embedding process constructs once.
type App struct {
	Store   *store.Store
	Engine  *sync.Engine
	Subs    *icssub.Manager
	Planner *reminder.Planner

	creds  credstore.Store
	logger zerolog.Logger
	now    func() time.Time
}

func New(st *store.Store, creds credstore.Store, jobs sync.JobRunner, gateway reminder.Gateway, logger zerolog.Logger) *App {
	planner := reminder.NewPlanner(gateway)
	a := &App{
		Store:   st,
		Planner: planner,
		creds:   creds,
		logger:  logger,
		now:     time.Now,
	}
	a.Engine = sync.NewEngine(st, a.clientFor, creds, planner, jobs, logger)
	a.Subs = icssub.NewManager(st, creds, nil, logger)
	return a
}

// clientFor builds a CalDavClient for account with its stored credentials
// bound at construction. Provider quirks ride along so every URL and XML
// decision downstream is provider-correct.
func (a *App) clientFor(account *model.Account) (*caldav.Client, error) {
	username := account.Email
	if u, err := a.creds.Get(credstore.Key(account.ID, "username")); err == nil && u != "" {
		username = u
	}
	password, err := a.creds.Get(credstore.Key(account.ID, "password"))
	if err != nil && account.Provider != model.ProviderLocal {
		return nil, fmt.Errorf("app: credentials for account %s: %w", account.ID, err)
	}

	httpClient := davproto.NewHTTPClient(davproto.NewBasicAuth(username, password))
	endpoint := account.HomeSetURL
	if endpoint == "" {
		endpoint = account.PrincipalURL
	}
	return caldav.NewClient(httpClient, endpoint, quirks.New(providerQuirks(account.Provider)))
}

func providerQuirks(p model.Provider) quirks.Provider {
	if p == model.ProviderICloud {
		return quirks.ProviderICloud
	}
	return quirks.ProviderGenericCalDAV
}

// CreateAccount stores credentials, runs discovery against serverURL, and
// persists the account with its calendars. On any discovery failure the
// saved credentials are rolled back so a retyped password can't collide
// with a stale one.
func (a *App) CreateAccount(ctx context.Context, provider model.Provider, email, serverURL, username, password string) (string, error) {
	account := &model.Account{
		ID:        uuid.NewString(),
		Provider:  provider,
		Email:     email,
		IsEnabled: true,
		CreatedAt: a.now(),
	}

	if a.creds.IsAvailable() {
		if err := a.creds.Save(credstore.Key(account.ID, "username"), username); err != nil {
			return "", err
		}
		if err := a.creds.Save(credstore.Key(account.ID, "password"), password); err != nil {
			return "", err
		}
	}

	client, err := a.clientForDraft(account, username, password)
	if err != nil {
		return "", err
	}
	if _, err := discovery.New(client, a.Store).Discover(ctx, account, serverURL); err != nil {
		_ = a.creds.Delete(credstore.Key(account.ID, "username"))
		_ = a.creds.Delete(credstore.Key(account.ID, "password"))
		return "", err
	}
	return account.ID, nil
}

// clientForDraft builds a client before the account row exists (discovery
// time), when the endpoint is still the raw server URL.
func (a *App) clientForDraft(account *model.Account, username, password string) (*caldav.Client, error) {
	httpClient := davproto.NewHTTPClient(davproto.NewBasicAuth(username, password))
	return caldav.NewClient(httpClient, "", quirks.New(providerQuirks(account.Provider)))
}

func (a *App) ListCalendars(accountID string) ([]*model.Calendar, error) {
	return a.Store.ListCalendarsByAccount(accountID)
}

func (a *App) SyncCalendar(ctx context.Context, calendarID string, forceFull bool) (*sync.SyncResult, error) {
	return a.Engine.SyncCalendar(ctx, calendarID, forceFull)
}

func (a *App) DeleteAccount(ctx context.Context, accountID string) error {
	return a.Engine.DeleteAccount(ctx, accountID)
}

// EventDraft carries the user-editable fields of a new or changed event.
type EventDraft struct {
	Title       string
	Location    string
	Description string
	StartTs     int64
	EndTs       int64
	Timezone    string
	IsAllDay    bool
	RRule       string
	Reminders   []string
}

// CreateEvent inserts a local event, materializes its occurrences, and
// queues a PENDING_CREATE push, all in one transaction.
func (a *App) CreateEvent(ctx context.Context, calendarID string, draft EventDraft) (string, error) {
	now := a.now()
	ev := &model.Event{
		ID:          uuid.NewString(),
		UID:         uuid.NewString(),
		CalendarID:  calendarID,
		Title:       draft.Title,
		Location:    draft.Location,
		Description: draft.Description,
		StartTs:     draft.StartTs,
		EndTs:       draft.EndTs,
		Timezone:    draft.Timezone,
		IsAllDay:    draft.IsAllDay,
		Status:      model.EventStatusConfirmed,
		RRule:       draft.RRule,
		Reminders:   draft.Reminders,
		DTStamp:     now.UnixMilli(),
		SyncStatus:  model.SyncStatusPendingCreate,
	}
	ev.LocalModifiedAt = &now

	err := a.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertEvent(ev); err != nil {
			return err
		}
		if err := occurrence.New(tx).RegenerateFor(ev.ID); err != nil {
			return err
		}
		if err := a.Planner.Refresh(tx, calendarID); err != nil {
			return err
		}
		return tx.EnqueuePendingOperation(&model.PendingOperation{
			EventID:         ev.ID,
			Operation:       model.OpCreate,
			Status:          model.PendingStatusPending,
			NextRetryAt:     now,
			LifetimeResetAt: now,
		})
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// UpdateEvent applies draft to an existing event and queues a push. An
// event still awaiting its first CREATE stays PENDING_CREATE — the queued
// CREATE will carry the newer content when it drains.
func (a *App) UpdateEvent(ctx context.Context, eventID string, draft EventDraft) error {
	now := a.now()
	return a.Store.WithTx(ctx, func(tx *store.Tx) error {
		ev, err := tx.GetEvent(eventID)
		if err != nil {
			return err
		}
		ev.Title = draft.Title
		ev.Location = draft.Location
		ev.Description = draft.Description
		ev.StartTs = draft.StartTs
		ev.EndTs = draft.EndTs
		ev.Timezone = draft.Timezone
		ev.IsAllDay = draft.IsAllDay
		ev.RRule = draft.RRule
		ev.Reminders = draft.Reminders
		ev.Sequence++
		ev.LocalModifiedAt = &now

		queueUpdate := ev.SyncStatus != model.SyncStatusPendingCreate
		if queueUpdate {
			ev.SyncStatus = model.SyncStatusPendingUpdate
		}
		if err := tx.UpsertEvent(ev); err != nil {
			return err
		}

		regenTarget := ev.ID
		if ev.IsException() && ev.OriginalEventID != "" {
			regenTarget = ev.OriginalEventID
		}
		if err := occurrence.New(tx).RegenerateFor(regenTarget); err != nil {
			return err
		}
		if err := a.Planner.Refresh(tx, ev.CalendarID); err != nil {
			return err
		}

		if !queueUpdate {
			return nil
		}
		return enqueueOnce(tx, ev.ID, model.OpUpdate, "", now)
	})
}

// DeleteEvent removes an event (or part of its series, per scope).
// occurrenceTs names the instance for THIS / THIS_AND_FOLLOWING; ALL
// ignores it.
func (a *App) DeleteEvent(ctx context.Context, eventID string, scope DeleteScope, occurrenceTs int64) error {
	now := a.now()
	return a.Store.WithTx(ctx, func(tx *store.Tx) error {
		ev, err := tx.GetEvent(eventID)
		if err != nil {
			return err
		}
		master := ev
		if ev.IsException() {
			if m, merr := tx.GetEvent(ev.OriginalEventID); merr == nil {
				master = m
			}
		}

		recurring := master.RRule != "" || master.RDate != ""
		if scope == DeleteAll || !recurring {
			return a.deleteWholeEvent(tx, master, now)
		}

		switch scope {
		case DeleteThis:
			// An existing override for this instance goes away with it.
			if ex, xerr := tx.GetExceptionByInstanceTime(master.CalendarID, master.UID, occurrenceTs); xerr == nil {
				if err := a.Planner.CancelFor(tx, ex.ID); err != nil {
					return err
				}
				if err := tx.DeletePendingOperationsForEvent(ex.ID); err != nil {
					return err
				}
				if err := tx.DeleteEvent(ex.ID); err != nil {
					return err
				}
			}
			master.EXDate = appendDateList(master.EXDate, occurrenceTs, master.IsAllDay)

		case DeleteThisAndFollowing:
			master.RRule = truncateRRule(master.RRule, occurrenceTs)
			master.RDate = dropDatesFrom(master.RDate, occurrenceTs)
			exceptions, xerr := tx.ListExceptions(master.ID)
			if xerr != nil {
				return xerr
			}
			for _, ex := range exceptions {
				if ex.OriginalInstanceTime >= occurrenceTs {
					if err := a.Planner.CancelFor(tx, ex.ID); err != nil {
						return err
					}
					if err := tx.DeletePendingOperationsForEvent(ex.ID); err != nil {
						return err
					}
					if err := tx.DeleteEvent(ex.ID); err != nil {
						return err
					}
				}
			}

		default:
			return fmt.Errorf("app: unknown delete scope %q", scope)
		}

		master.Sequence++
		master.LocalModifiedAt = &now
		if master.SyncStatus != model.SyncStatusPendingCreate {
			master.SyncStatus = model.SyncStatusPendingUpdate
		}
		if err := tx.UpsertEvent(master); err != nil {
			return err
		}
		if err := occurrence.New(tx).RegenerateFor(master.ID); err != nil {
			return err
		}
		if err := a.Planner.Refresh(tx, master.CalendarID); err != nil {
			return err
		}
		if master.SyncStatus == model.SyncStatusPendingCreate {
			return nil
		}
		return enqueueOnce(tx, master.ID, model.OpUpdate, "", now)
	})
}

// deleteWholeEvent queues a server DELETE for pushed events and removes
// never-pushed ones outright.
func (a *App) deleteWholeEvent(tx *store.Tx, master *model.Event, now time.Time) error {
	if err := a.Planner.CancelFor(tx, master.ID); err != nil {
		return err
	}
	exceptions, err := tx.ListExceptions(master.ID)
	if err != nil {
		return err
	}
	for _, ex := range exceptions {
		if err := a.Planner.CancelFor(tx, ex.ID); err != nil {
			return err
		}
		if err := tx.DeletePendingOperationsForEvent(ex.ID); err != nil {
			return err
		}
	}
	if err := tx.DeletePendingOperationsForEvent(master.ID); err != nil {
		return err
	}

	if master.CalDavURL == "" {
		// Never reached the server: nothing to push, cascade cleans up.
		return tx.DeleteEvent(master.ID)
	}

	if err := tx.UpdateEventSyncStatus(master.ID, model.SyncStatusPendingDelete, ""); err != nil {
		return err
	}
	return tx.EnqueuePendingOperation(&model.PendingOperation{
		EventID:         master.ID,
		Operation:       model.OpDelete,
		Status:          model.PendingStatusPending,
		NextRetryAt:     now,
		LifetimeResetAt: now,
	})
}

// MoveEvent queues relocation of an event into destCalendarID.
func (a *App) MoveEvent(ctx context.Context, eventID, destCalendarID string) error {
	now := a.now()
	return a.Store.WithTx(ctx, func(tx *store.Tx) error {
		ev, err := tx.GetEvent(eventID)
		if err != nil {
			return err
		}
		if ev.CalendarID == destCalendarID {
			return nil
		}
		if _, err := tx.GetCalendar(destCalendarID); err != nil {
			return err
		}

		if ev.SyncStatus == model.SyncStatusPendingCreate {
			// Not on the server yet: just repoint the rows locally, the
			// queued CREATE will land in the destination.
			ev.CalendarID = destCalendarID
			if err := tx.UpsertEvent(ev); err != nil {
				return err
			}
			return occurrence.New(tx).RegenerateFor(ev.ID)
		}

		if err := tx.UpdateEventSyncStatus(ev.ID, model.SyncStatusPendingUpdate, ""); err != nil {
			return err
		}
		return enqueueOnce(tx, ev.ID, model.OpMove, destCalendarID, now)
	})
}

// EventWithOccurrence pairs one materialized instance with its effective
// event (the exception row when one overrides the instance).
type EventWithOccurrence struct {
	Event      *model.Event
	Occurrence *model.Occurrence
}

// QueryEvents returns every non-cancelled occurrence overlapping
// [startTs, endTs), across all visible calendars or the given subset.
func (a *App) QueryEvents(startTs, endTs int64, calendarIDs []string) ([]EventWithOccurrence, error) {
	cals, err := a.calendarsFor(calendarIDs)
	if err != nil {
		return nil, err
	}

	var out []EventWithOccurrence
	events := map[string]*model.Event{}
	for _, cal := range cals {
		occs, err := a.Store.ListOccurrencesInRange(cal.ID, startTs, endTs)
		if err != nil {
			return nil, err
		}
		for _, occ := range occs {
			if occ.IsCancelled {
				continue
			}
			effectiveID := occ.EventID
			if occ.ExceptionEventID != "" {
				effectiveID = occ.ExceptionEventID
			}
			ev, ok := events[effectiveID]
			if !ok {
				ev, err = a.Store.GetEvent(effectiveID)
				if err == store.ErrNotFound {
					continue
				}
				if err != nil {
					return nil, err
				}
				events[effectiveID] = ev
			}
			if ev.Status == model.EventStatusCancelled || ev.SyncStatus == model.SyncStatusPendingDelete {
				continue
			}
			out = append(out, EventWithOccurrence{Event: ev, Occurrence: occ})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Occurrence.StartTs < out[j].Occurrence.StartTs })
	return out, nil
}

// SearchEvents runs the FTS query over (title, location, description) and
// pairs each hit with its next occurrence at or after now (the most recent
// past occurrence when the series has fully elapsed; nil when the event has
// no non-cancelled occurrence).
func (a *App) SearchEvents(query string, limit int) ([]EventWithOccurrence, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := a.Store.SearchEvents("", query, limit)
	if err != nil {
		return nil, err
	}
	now := a.now().UnixMilli()

	out := make([]EventWithOccurrence, 0, len(events))
	for _, ev := range events {
		occs, err := a.Store.ListOccurrencesForEvent(ev.ID)
		if err != nil {
			return nil, err
		}
		var next *model.Occurrence
		for _, occ := range occs {
			if occ.IsCancelled {
				continue
			}
			if occ.StartTs >= now {
				next = occ
				break
			}
			next = occ // most recent past instance as fallback
		}
		out = append(out, EventWithOccurrence{Event: ev, Occurrence: next})
	}
	return out, nil
}

// SubscribeIcs creates an ICS subscription under a dedicated ICS account,
// creating that account on first use.
func (a *App) SubscribeIcs(ctx context.Context, feedURL, name string, color uint32, syncIntervalHours int) (string, error) {
	accountID, err := a.ensureIcsAccount(ctx)
	if err != nil {
		return "", err
	}
	sub, err := a.Subs.Subscribe(ctx, accountID, feedURL, name, color, syncIntervalHours)
	if err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (a *App) ensureIcsAccount(ctx context.Context) (string, error) {
	accounts, err := a.Store.ListAccounts()
	if err != nil {
		return "", err
	}
	for _, acc := range accounts {
		if acc.Provider == model.ProviderICS {
			return acc.ID, nil
		}
	}
	acc := &model.Account{
		ID:          uuid.NewString(),
		Provider:    model.ProviderICS,
		Email:       "subscriptions@local",
		DisplayName: "Subscriptions",
		IsEnabled:   true,
		CreatedAt:   a.now(),
	}
	if err := a.Store.UpsertAccount(acc); err != nil {
		return "", err
	}
	return acc.ID, nil
}

func (a *App) calendarsFor(calendarIDs []string) ([]*model.Calendar, error) {
	if len(calendarIDs) > 0 {
		cals := make([]*model.Calendar, 0, len(calendarIDs))
		for _, id := range calendarIDs {
			cal, err := a.Store.GetCalendar(id)
			if err != nil {
				return nil, err
			}
			cals = append(cals, cal)
		}
		return cals, nil
	}

	accounts, err := a.Store.ListAccounts()
	if err != nil {
		return nil, err
	}
	var cals []*model.Calendar
	for _, acc := range accounts {
		accCals, err := a.Store.ListCalendarsByAccount(acc.ID)
		if err != nil {
			return nil, err
		}
		for _, cal := range accCals {
			if cal.IsVisible {
				cals = append(cals, cal)
			}
		}
	}
	return cals, nil
}

// enqueueOnce queues op for eventID unless an identical one is already
// pending — a second edit before the first push drains must not produce a
// second PUT.
func enqueueOnce(tx *store.Tx, eventID string, op model.PendingOperationKind, destCalendarID string, now time.Time) error {
	existing, err := tx.ListPendingOperationsForEvent(eventID)
	if err != nil {
		return err
	}
	for _, p := range existing {
		if p.Operation == op && p.Status != model.PendingStatusFailed && p.DestCalendarID == destCalendarID {
			return nil
		}
	}
	return tx.EnqueuePendingOperation(&model.PendingOperation{
		EventID:         eventID,
		Operation:       op,
		Status:          model.PendingStatusPending,
		NextRetryAt:     now,
		LifetimeResetAt: now,
		DestCalendarID:  destCalendarID,
	})
}

// appendDateList adds an instant to a `;`-separated EXDATE/RDATE list.
func appendDateList(list string, ts int64, allDay bool) string {
	t := time.UnixMilli(ts).UTC()
	var v string
	if allDay {
		v = t.Format("20060102")
	} else {
		v = t.Format("20060102T150405Z")
	}
	if list == "" {
		return v
	}
	for _, part := range strings.Split(list, ";") {
		if part == v {
			return list
		}
	}
	return list + ";" + v
}

// dropDatesFrom removes every RDATE instant at or after cutoff.
func dropDatesFrom(list string, cutoff int64) string {
	if list == "" {
		return ""
	}
	var kept []string
	for _, part := range strings.Split(list, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := time.Parse("20060102T150405Z", part)
		if err != nil {
			if t, err = time.Parse("20060102", part); err != nil {
				kept = append(kept, part)
				continue
			}
		}
		if t.UnixMilli() < cutoff {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ";")
}

// truncateRRule rewrites rule so the series ends strictly before cutoff,
// replacing any UNTIL/COUNT already present.
func truncateRRule(rule string, cutoff int64) string {
	if rule == "" {
		return ""
	}
	until := time.UnixMilli(cutoff - 1).UTC().Format("20060102T150405Z")
	var parts []string
	for _, part := range strings.Split(rule, ";") {
		upper := strings.ToUpper(part)
		if strings.HasPrefix(upper, "UNTIL=") || strings.HasPrefix(upper, "COUNT=") {
			continue
		}
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ";") + ";UNTIL=" + until
}
