// Package discovery turns a bare server URL and a
// set of credentials into a registered Account with its full set of
// Calendar rows, without ever touching sync state (ctag/syncToken are left
// for the first PullStrategy run to populate).
package discovery

import (
	"context"
	"strconv"
	"strings"

	"github.com/kashcal/core/caldav"
	"github.com/kashcal/core/model"
)

// Store is the subset of store.Store Discovery needs, kept narrow for the
// same reason occurrence.Store is: no import-cycle dependency on the
// concrete store package.
type Store interface {
	UpsertAccount(acc *model.Account) error
	ListCalendarsByAccount(accountID string) ([]*model.Calendar, error)
	UpsertCalendar(c *model.Calendar) error
}

// Result is the outcome of one Discover call.
type Result struct {
	Account   *model.Account
	Calendars []*model.Calendar
}

// Discoverer runs the checkConnection -> [well-known] -> discoverPrincipal
// -> discoverCalendarHome -> listCalendars pipeline for one account.
type Discoverer struct {
	client *caldav.Client
	store  Store
}

func New(client *caldav.Client, store Store) *Discoverer {
	return &Discoverer{client: client, store: store}
}

// Discover runs the full pipeline against serverURL and upserts the
// resulting Account and its Calendars. account is the caller's in-memory
// draft (provider, email, credentials already resolved upstream); on
// success its PrincipalURL/HomeSetURL are filled in and it is persisted.
func (d *Discoverer) Discover(ctx context.Context, account *model.Account, serverURL string) (*Result, error) {
	if cerr := d.client.CheckConnection(ctx, serverURL); cerr != nil {
		return nil, cerr
	}

	base := serverURL
	if wellKnown, cerr := d.client.DiscoverWellKnown(ctx, serverURL); cerr == nil && wellKnown != "" {
		base = wellKnown
	}

	principal, cerr := d.client.DiscoverPrincipal(ctx, base)
	if cerr != nil {
		return nil, cerr
	}

	home, cerr := d.client.DiscoverCalendarHome(ctx, principal)
	if cerr != nil {
		return nil, cerr
	}

	remoteCalendars, cerr := d.client.ListCalendars(ctx, home)
	if cerr != nil {
		return nil, cerr
	}

	account.PrincipalURL = principal
	account.HomeSetURL = home
	if err := d.store.UpsertAccount(account); err != nil {
		return nil, err
	}

	existing, err := d.store.ListCalendarsByAccount(account.ID)
	if err != nil {
		return nil, err
	}
	isBrandNew := len(existing) == 0
	haveDefault := false
	for _, c := range existing {
		if c.IsDefault {
			haveDefault = true
		}
	}

	calendars := make([]*model.Calendar, 0, len(remoteCalendars))
	for _, rc := range remoteCalendars {
		cal := &model.Calendar{
			AccountID:   account.ID,
			CalDavURL:   rc.Href,
			DisplayName: rc.DisplayName,
			Color:       parseColor(rc.Color),
			IsVisible:   true,
			IsReadOnly:  rc.IsReadOnly,
			// CTag deliberately left zero: discovery never persists sync
			// state, only the pull strategy does once it has
			// actually fetched the matching event set.
		}
		if isBrandNew && !haveDefault {
			cal.IsDefault = true
			haveDefault = true
		}
		if err := d.store.UpsertCalendar(cal); err != nil {
			return nil, err
		}
		calendars = append(calendars, cal)
	}

	return &Result{Account: account, Calendars: calendars}, nil
}

// parseColor converts a CalDAV calendar-color property ("#RRGGBB" or
// "#RRGGBBAA", per the calendarserver-sharing draft most servers follow)
// into an ARGB uint32. An empty or malformed value falls back to an opaque
// neutral blue so a UI never renders a fully transparent swatch.
func parseColor(s string) uint32 {
	const fallback = 0xFF4285F4

	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(s) {
	case 6:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return fallback
		}
		return 0xFF000000 | uint32(v)
	case 8:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return fallback
		}
		// Input is RRGGBBAA; rotate the alpha byte to the high position.
		rgb := uint32(v) >> 8
		a := uint32(v) & 0xFF
		return a<<24 | rgb
	default:
		return fallback
	}
}
