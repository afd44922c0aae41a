// Package icssub implements the one-way ICS feed pipeline:
// periodic GET of a public iCal URL with conditional headers, reconciled
// into a read-only calendar through the same codec and occurrence index
// the CalDAV path uses, but with no push direction at all.
package icssub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kashcal/core/credstore"
	"github.com/kashcal/core/icscodec"
	"github.com/kashcal/core/internal/davproto"
	"github.com/kashcal/core/model"
	"github.com/kashcal/core/occurrence"
	"github.com/kashcal/core/store"
)

// Manager owns subscription lifecycle and refresh.
type Manager struct {
	store  *store.Store
	creds  credstore.Store
	http   *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

func NewManager(st *store.Store, creds credstore.Store, httpClient *http.Client, logger zerolog.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: davproto.ConnectTimeout + davproto.ReadTimeout}
	}
	return &Manager{store: st, creds: creds, http: httpClient, logger: logger, now: time.Now}
}

// Subscribe creates the subscription and its backing read-only calendar
// under the given ICS account. The first Refresh populates it.
func (m *Manager) Subscribe(ctx context.Context, accountID, feedURL, name string, color uint32, syncIntervalHours int) (*model.IcsSubscription, error) {
	if syncIntervalHours <= 0 {
		syncIntervalHours = 24
	}
	sub := &model.IcsSubscription{
		ID:                uuid.NewString(),
		URL:               feedURL,
		Name:              name,
		Color:             color,
		SyncIntervalHours: syncIntervalHours,
		Enabled:           true,
		CreatedAt:         m.now(),
	}
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		cal := &model.Calendar{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			CalDavURL:   "ics_subscription:" + sub.ID,
			DisplayName: name,
			Color:       color,
			IsVisible:   true,
			IsReadOnly:  true,
		}
		if err := tx.UpsertCalendar(cal); err != nil {
			return err
		}
		sub.CalendarID = cal.ID
		return tx.UpsertIcsSubscription(sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListDue returns every enabled subscription whose interval has elapsed —
// the refreshIcsSubscription work items an external JobRunner schedules.
func (m *Manager) ListDue() ([]*model.IcsSubscription, error) {
	return m.store.ListDueIcsSubscriptions(m.now().UnixMilli())
}

// Refresh fetches one feed and reconciles it. Errors land in
// sub.lastError; a failing feed is never auto-disabled.
func (m *Manager) Refresh(ctx context.Context, subscriptionID string) error {
	sub, err := m.store.GetIcsSubscription(subscriptionID)
	if err != nil {
		return err
	}
	if !sub.Enabled {
		return nil
	}

	err = m.refresh(ctx, sub)
	now := m.now().UnixMilli()
	if err != nil {
		_ = m.store.UpdateIcsSubscriptionSyncState(sub.ID, now, sub.ETag, sub.LastModified, err.Error())
		m.logger.Error().Err(err).Str("subscription_id", sub.ID).Str("op", "refresh_ics").Msg("feed refresh failed")
		return err
	}
	return m.store.UpdateIcsSubscriptionSyncState(sub.ID, now, sub.ETag, sub.LastModified, "")
}

func (m *Manager) refresh(ctx context.Context, sub *model.IcsSubscription) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalizeFeedURL(sub.URL), nil)
	if err != nil {
		return err
	}
	if sub.ETag != "" {
		req.Header.Set("If-None-Match", sub.ETag)
	}
	if sub.LastModified != "" {
		req.Header.Set("If-Modified-Since", sub.LastModified)
	}
	if sub.Username != "" {
		password, _ := m.creds.Get(credstore.Key(sub.ID, "password"))
		req.SetBasicAuth(sub.Username, password)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("icssub: GET %s: HTTP %d", sub.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, davproto.MaxResponseBytes))
	if err != nil {
		return err
	}

	sub.ETag = resp.Header.Get("ETag")
	sub.LastModified = resp.Header.Get("Last-Modified")

	parsed, err := icscodec.Parse(body)
	if err != nil {
		return err
	}
	return m.reconcile(ctx, sub, parsed)
}

// reconcile applies the parsed feed the way a pull applies a full fetch,
// minus any push bookkeeping: everything lands SYNCED in the
// subscription's read-only calendar, keyed by the synthetic
// ics_subscription:{subId}:{uid} href. Masters whose UID vanished from the
// feed are removed, and so are RECURRENCE-ID overrides the feed dropped
// while their master stayed — an override is tracked by (UID, instance
// time), not by UID alone.
func (m *Manager) reconcile(ctx context.Context, sub *model.IcsSubscription, parsed []*icscodec.ParsedEvent) error {
	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		touched := map[string]bool{}
		seenMasters := map[string]bool{}
		seenExceptions := map[string]bool{}
		exceptionKey := func(uid string, instanceTime int64) string {
			return fmt.Sprintf("%s|%d", uid, instanceTime)
		}

		var masters []*icscodec.ParsedEvent
		var exceptions []*icscodec.ParsedEvent
		for _, pe := range parsed {
			if pe.RecurrenceID == nil {
				masters = append(masters, pe)
			} else {
				exceptions = append(exceptions, pe)
			}
		}

		for _, pe := range masters {
			ev := pe.Event
			existing, gerr := tx.GetEventByUID(sub.CalendarID, pe.UID)
			if gerr != nil && gerr != store.ErrNotFound {
				return gerr
			}
			if gerr == nil {
				ev.ID = existing.ID
			}
			ev.CalendarID = sub.CalendarID
			ev.CalDavURL = eventHref(sub.ID, pe.UID)
			ev.SyncStatus = model.SyncStatusSynced
			ev.ParserVersion = icscodec.ParserVersion
			if err := tx.UpsertEvent(&ev); err != nil {
				return err
			}
			touched[ev.ID] = true
			seenMasters[pe.UID] = true
		}

		for _, pe := range exceptions {
			master, gerr := tx.GetEventByUID(sub.CalendarID, pe.UID)
			if gerr == store.ErrNotFound {
				continue // orphan override, nothing to attach to
			}
			if gerr != nil {
				return gerr
			}
			ev := pe.Event
			existing, gerr := tx.GetExceptionByInstanceTime(sub.CalendarID, pe.UID, *pe.RecurrenceID)
			if gerr != nil && gerr != store.ErrNotFound {
				return gerr
			}
			if gerr == nil {
				ev.ID = existing.ID
			}
			ev.CalendarID = sub.CalendarID
			ev.OriginalEventID = master.ID
			ev.OriginalInstanceTime = *pe.RecurrenceID
			ev.CalDavURL = eventHref(sub.ID, pe.UID)
			ev.SyncStatus = model.SyncStatusSynced
			ev.ParserVersion = icscodec.ParserVersion
			if err := tx.UpsertEvent(&ev); err != nil {
				return err
			}
			touched[master.ID] = true
			seenExceptions[exceptionKey(pe.UID, *pe.RecurrenceID)] = true
		}

		all, err := tx.ListEventsByCalendar(sub.CalendarID)
		if err != nil {
			return err
		}
		for _, ev := range all {
			if !seenMasters[ev.UID] {
				// Cascade takes the master's exceptions with it.
				if err := tx.DeleteEvent(ev.ID); err != nil {
					return err
				}
				delete(touched, ev.ID)
				continue
			}
			// The master survived; prune overrides the feed no longer
			// carries. The occurrence's exceptionEventId pointer clears via
			// ON DELETE SET NULL, and the regeneration below restores the
			// plain instance.
			exs, err := tx.ListExceptions(ev.ID)
			if err != nil {
				return err
			}
			for _, ex := range exs {
				if seenExceptions[exceptionKey(ex.UID, ex.OriginalInstanceTime)] {
					continue
				}
				if err := tx.DeleteEvent(ex.ID); err != nil {
					return err
				}
				touched[ev.ID] = true
			}
		}

		idx := occurrence.New(tx)
		for id := range touched {
			if err := idx.RegenerateFor(id); err != nil {
				return err
			}
		}
		return nil
	})
}

func eventHref(subID, uid string) string {
	return fmt.Sprintf("ics_subscription:%s:%s", subID, uid)
}

// normalizeFeedURL maps the webcal(s) scheme convention onto https.
func normalizeFeedURL(u string) string {
	switch {
	case strings.HasPrefix(u, "webcals://"):
		return "https://" + strings.TrimPrefix(u, "webcals://")
	case strings.HasPrefix(u, "webcal://"):
		return "https://" + strings.TrimPrefix(u, "webcal://")
	default:
		return u
	}
}
