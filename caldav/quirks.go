package caldav

import (
	"net/url"
	"time"

	"github.com/kashcal/core/internal/davproto"
)

// Quirks is the per-provider capability object passed alongside a Client
// instance. It is implemented once per Provider variant in package quirks
// (a tagged variant plus a capability table), not as a class hierarchy.
type Quirks interface {
	// IsSyncTokenInvalid reports sync-token expiry: 410 is always invalid; 403
	// is invalid only if the DAV:error body names <valid-sync-token/>; a
	// bare 403 elsewhere is a permission error.
	IsSyncTokenInvalid(code int, davBody *davproto.Error) bool

	// ShouldSkipCalendar reports whether a discovered collection is an
	// inbox/outbox/notifications/tasks collection that Discovery must
	// never surface as a user calendar.
	ShouldSkipCalendar(href, displayName string) bool

	// BuildCalendarURL resolves a discovered href against the server's
	// base host, normalizing provider-specific host variance (iCloud's
	// regional p*-caldav hosts) so the same calendar is never duplicated
	// under two different caldavUrl values.
	BuildCalendarURL(href string, base *url.URL) string

	// BuildEventURL resolves an event href against its owning calendar's
	// URL.
	BuildEventURL(href string, calendarURL string) string

	// FormatDateForQuery renders an instant as the RFC 5545 DATE-TIME used
	// in calendar-query time-range filters, always in UTC.
	FormatDateForQuery(t time.Time) string

	// AdditionalHeaders returns provider-specific headers (User-Agent,
	// etc.) applied to every request.
	AdditionalHeaders() map[string]string

	// NormalizeServerURL canonicalizes a server base URL before it is
	// persisted, so that a mid-session redirect (iCloud's regional
	// p180-caldav.icloud.com) never fragments the account's identity.
	NormalizeServerURL(u *url.URL) *url.URL
}

var _ syncTokenClassifier = Quirks(nil)
