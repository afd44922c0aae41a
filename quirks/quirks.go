// Package quirks implements the caldav.Quirks capability object, one
// concrete type per supported provider. Dispatch on Provider is a closed
// tagged-variant table, not a class hierarchy: adding a provider means
// adding one more case to New, not subclassing.
package quirks

import (
	"encoding/xml"
	"net/url"
	"strings"
	"time"

	"github.com/kashcal/core/caldav"
	"github.com/kashcal/core/internal/davproto"
)

// validSyncTokenName is the RFC 6578 section 3.2.1 <DAV:valid-sync-token>
// precondition element a server names in a 403 response body when a
// sync-token is no longer valid.
var validSyncTokenName = xml.Name{Space: "DAV:", Local: "valid-sync-token"}

// Provider identifies which CalDAV server family an account talks to.
type Provider int

const (
	ProviderGenericCalDAV Provider = iota
	ProviderICloud
	ProviderNextcloud
	ProviderBaikal
	ProviderRadicale
	ProviderFastmail
	ProviderOpenXchange
)

func (p Provider) String() string {
	switch p {
	case ProviderICloud:
		return "icloud"
	case ProviderNextcloud:
		return "nextcloud"
	case ProviderBaikal:
		return "baikal"
	case ProviderRadicale:
		return "radicale"
	case ProviderFastmail:
		return "fastmail"
	case ProviderOpenXchange:
		return "open-xchange"
	default:
		return "generic-caldav"
	}
}

// New returns the Quirks implementation bound to provider.
func New(provider Provider) caldav.Quirks {
	switch provider {
	case ProviderICloud:
		return iCloudQuirks{}
	case ProviderNextcloud:
		return nextcloudQuirks{}
	case ProviderBaikal:
		return baikalQuirks{}
	case ProviderRadicale:
		return radicaleQuirks{}
	case ProviderFastmail:
		return fastmailQuirks{}
	case ProviderOpenXchange:
		return openXchangeQuirks{}
	default:
		return genericQuirks{}
	}
}

// genericQuirks implements the RFC-only baseline behavior; every other
// provider embeds it and overrides only what actually differs.
type genericQuirks struct{}

func (genericQuirks) IsSyncTokenInvalid(code int, davBody *davproto.Error) bool {
	if code == 410 {
		return true
	}
	if code == 403 && davBody.Has(validSyncTokenName) {
		return true
	}
	return false
}

func (genericQuirks) ShouldSkipCalendar(href, displayName string) bool {
	lower := strings.ToLower(href)
	for _, seg := range skipSegments {
		if strings.Contains(lower, seg) {
			return true
		}
	}
	return false
}

func (genericQuirks) BuildCalendarURL(href string, base *url.URL) string {
	return href
}

func (genericQuirks) BuildEventURL(href string, calendarURL string) string {
	return href
}

func (genericQuirks) FormatDateForQuery(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func (genericQuirks) AdditionalHeaders() map[string]string {
	return map[string]string{"User-Agent": userAgent}
}

func (genericQuirks) NormalizeServerURL(u *url.URL) *url.URL {
	out := *u
	out.Path = strings.TrimRight(out.Path, "/")
	return &out
}

const userAgent = "kashcal-sync/1.0 (+https://kashcal.app)"

// skipSegments are href substrings that mark a collection as a
// non-calendar system collection (inbox/outbox/notifications/tasks),
// which Discovery must never surface as a user calendar.
var skipSegments = []string{
	"inbox",
	"outbox",
	"notification",
	"dropbox",
	"/freebusy",
	"/tasks/",
}
