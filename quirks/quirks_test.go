package quirks

import (
	"encoding/xml"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashcal/core/internal/davproto"
)

func TestGenericSyncTokenInvalid(t *testing.T) {
	q := New(ProviderGenericCalDAV)

	// 410 is always sync-token expiry.
	assert.True(t, q.IsSyncTokenInvalid(410, nil))

	// Bare 403 is a permission denial, not expiry.
	assert.False(t, q.IsSyncTokenInvalid(403, nil))
	assert.False(t, q.IsSyncTokenInvalid(403, &davproto.Error{}))

	// 403 naming <valid-sync-token/> is expiry.
	body := &davproto.Error{Raw: []davproto.RawXMLValue{
		*davproto.NewRawXMLElement(xml.Name{Space: "DAV:", Local: "valid-sync-token"}, nil, nil),
	}}
	assert.True(t, q.IsSyncTokenInvalid(403, body))

	assert.False(t, q.IsSyncTokenInvalid(507, nil))
}

func TestICloudBare403IsSyncTokenInvalid(t *testing.T) {
	q := New(ProviderICloud)
	assert.True(t, q.IsSyncTokenInvalid(403, nil))
	assert.True(t, q.IsSyncTokenInvalid(410, nil))
}

func TestICloudRegionalHostNormalization(t *testing.T) {
	q := New(ProviderICloud)
	u, err := url.Parse("https://p180-caldav.icloud.com/123456/calendars/")
	require.NoError(t, err)

	normalized := q.NormalizeServerURL(u)
	assert.Equal(t, "caldav.icloud.com", normalized.Host)

	// Non-regional hosts pass through.
	u2, err := url.Parse("https://dav.example.com/cal")
	require.NoError(t, err)
	assert.Equal(t, "dav.example.com", q.NormalizeServerURL(u2).Host)
}

func TestShouldSkipServiceCollections(t *testing.T) {
	q := New(ProviderGenericCalDAV)
	assert.True(t, q.ShouldSkipCalendar("/calendars/user/inbox/", "Inbox"))
	assert.True(t, q.ShouldSkipCalendar("/calendars/user/outbox/", ""))
	assert.True(t, q.ShouldSkipCalendar("/calendars/user/notifications/", ""))
	assert.False(t, q.ShouldSkipCalendar("/calendars/user/work/", "Work"))

	ic := New(ProviderICloud)
	assert.True(t, ic.ShouldSkipCalendar("/123/calendars/birthdays/", "Birthdays"))
	assert.False(t, ic.ShouldSkipCalendar("/123/calendars/home/", "Home"))
}
