package quirks

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kashcal/core/internal/davproto"
)

// iCloudEndpoint is the well-known entry point; iCloud then redirects each
// account to a region-pinned host (pNN-caldav.icloud.com).
const iCloudEndpoint = "https://caldav.icloud.com/"

var iCloudRegionalHost = regexp.MustCompile(`^p\d+-caldav\.icloud\.com$`)

// iCloudQuirks adds iCloud's regional-host canonicalization and its use of
// 403 (rather than 410) for sync-token expiry.
type iCloudQuirks struct {
	genericQuirks
}

func (iCloudQuirks) IsSyncTokenInvalid(code int, davBody *davproto.Error) bool {
	if code == 410 {
		return true
	}
	// iCloud has been observed returning a bare 403 with no DAV:error body
	// at all on sync-token expiry, unlike RFC 6578's <valid-sync-token/>
	// precondition; treat any 403 on a sync-collection REPORT as expired.
	if code == 403 {
		return true
	}
	return false
}

func (iCloudQuirks) BuildCalendarURL(href string, base *url.URL) string {
	if base == nil {
		return href
	}
	u := *base
	u.Path = href
	return canonicalizeICloudHost(&u).String()
}

func (iCloudQuirks) NormalizeServerURL(u *url.URL) *url.URL {
	out := *u
	out.Path = strings.TrimRight(out.Path, "/")
	return canonicalizeICloudHost(&out)
}

// canonicalizeICloudHost rewrites a region-pinned host back to the
// well-known caldav.icloud.com host for the value persisted as the
// account's serverUrl, so a later regional redirect to a DIFFERENT pNN
// host never fragments the account's identity. The actual HTTP client
// still dials whatever host the server most recently redirected it to;
// only the persisted identity is canonicalized.
func canonicalizeICloudHost(u *url.URL) *url.URL {
	if iCloudRegionalHost.MatchString(u.Host) {
		out := *u
		out.Host = "caldav.icloud.com"
		return &out
	}
	return u
}

func (iCloudQuirks) FormatDateForQuery(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func (iCloudQuirks) AdditionalHeaders() map[string]string {
	return map[string]string{"User-Agent": userAgent}
}

func (iCloudQuirks) ShouldSkipCalendar(href, displayName string) bool {
	lower := strings.ToLower(href)
	if strings.Contains(lower, "/freebusy") || strings.Contains(lower, "/inbox") || strings.Contains(lower, "/outbox") {
		return true
	}
	// iCloud exposes a read-only "Birthdays" pseudo-calendar and a
	// notifications collection under the calendar home; neither is a
	// syncable user calendar.
	if strings.EqualFold(displayName, "Birthdays") || strings.Contains(lower, "/notification") {
		return true
	}
	return false
}
