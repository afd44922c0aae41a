package sync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kashcal/core/model"
)

const truncatedReportBody = `<?xml version="1.0" encoding="utf-8"?>
<multistatus xmlns="DAV:">
  <response>
    <href>/cal/e1.ics</href>
    <propstat>
      <prop><getetag>"v1"</getetag></prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
  <sync-token>t1</sync-token>
</multistatus>`

const finalReportBody = `<?xml version="1.0" encoding="utf-8"?>
<multistatus xmlns="DAV:">
  <response>
    <href>/cal/e2.ics</href>
    <propstat>
      <prop><getetag>"v2"</getetag></prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
  <sync-token>t2</sync-token>
</multistatus>`

const ctagPropfindBody = `<?xml version="1.0" encoding="utf-8"?>
<multistatus xmlns="DAV:">
  <response>
    <href>/cal/</href>
    <propstat>
      <prop><getetag>"ctag-1"</getetag></prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
</multistatus>`

func multigetEventResponse(href, etag, uid string) string {
	ics := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Example Corp//Server 1.0//EN",
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:20250601T120000Z",
		"DTSTART:20251225T090000Z",
		"DTEND:20251225T100000Z",
		"SUMMARY:Event " + uid,
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "&#13;\n")
	return `  <response>
    <href>` + href + `</href>
    <propstat>
      <prop>
        <getetag>` + etag + `</getetag>
        <C:calendar-data>` + ics + `</C:calendar-data>
      </prop>
      <status>HTTP/1.1 200 OK</status>
    </propstat>
  </response>
`
}

// A 507-truncated sync-collection must not fail the pull: the loop
// continues from the refreshed token until the server reports a complete
// result, and every changed href from every round is fetched and applied.
func TestPullFollowsTruncatedSyncCollection(t *testing.T) {
	var syncReports int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s := string(body)
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		switch {
		case r.Method == "REPORT" && strings.Contains(s, "sync-collection"):
			syncReports++
			if strings.Contains(s, ">t0<") {
				w.WriteHeader(http.StatusInsufficientStorage)
				w.Write([]byte(truncatedReportBody))
				return
			}
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(finalReportBody))

		case r.Method == "REPORT" && strings.Contains(s, "calendar-multiget"):
			var resps string
			if strings.Contains(s, "/cal/e1.ics") {
				resps += multigetEventResponse("/cal/e1.ics", `"v1"`, "uid-e1")
			}
			if strings.Contains(s, "/cal/e2.ics") {
				resps += multigetEventResponse("/cal/e2.ics", `"v2"`, "uid-e2")
			}
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?>
<multistatus xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
` + resps + `</multistatus>`))

		case r.Method == "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(ctagPropfindBody))

		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	s := newTestStore(t)
	cal := seedCalendar(t, s, srv.URL+"/cal/")
	cal.SyncToken = "t0"

	pull := NewPullStrategy(newTestClient(t, srv.URL))
	result, err := pull.Pull(context.Background(), s, cal, false)
	require.NoError(t, err)
	require.Equal(t, 2, syncReports, "truncated round must be followed by a second REPORT")
	require.Equal(t, 2, result.Added)

	e1, gerr := s.GetEventByUID(cal.ID, "uid-e1")
	require.NoError(t, gerr)
	require.Equal(t, model.SyncStatusSynced, e1.SyncStatus)
	_, gerr = s.GetEventByUID(cal.ID, "uid-e2")
	require.NoError(t, gerr)

	// The final token and fresh ctag are persisted.
	stored, gerr := s.GetCalendar(cal.ID)
	require.NoError(t, gerr)
	require.Equal(t, "t2", stored.SyncToken)
	require.Equal(t, "ctag-1", stored.CTag)
}
