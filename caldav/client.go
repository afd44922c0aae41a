package caldav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kashcal/core/internal/davproto"
)

// Client is the CalDAV wire layer: HTTP transport over
// PROPFIND/REPORT/PUT/DELETE/MOVE/OPTIONS, with retry, rate-limit respect,
// and authentication already applied by the underlying davproto.Client.
//
// Credentials are bound once at construction (via the *http.Client passed
// to NewClient, typically built with davproto.NewHTTPClient) and the type
// has no setter, so a Client can be shared across concurrent calendar syncs
// of the same account without a credential race.
type Client struct {
	dc     *davproto.Client
	quirks Quirks
}

func NewClient(httpClient davproto.HTTPClient, endpoint string, quirks Quirks) (*Client, error) {
	dc, err := davproto.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, err
	}
	return &Client{dc: dc, quirks: quirks}, nil
}

func (c *Client) wrap(err error) *Error {
	return newError(err, c.quirks)
}

func (c *Client) withHeaders(req *http.Request) *http.Request {
	if c.quirks != nil {
		for k, v := range c.quirks.AdditionalHeaders() {
			req.Header.Set(k, v)
		}
	}
	return req
}

// DiscoverWellKnown resolves /.well-known/caldav (RFC 6764) against
// serverURL, stripping query/fragment and preserving the original scheme so
// a reverse proxy terminating TLS upstream doesn't get downgraded.
func (c *Client) DiscoverWellKnown(ctx context.Context, serverURL string) (string, *Error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", &Error{Kind: KindMalformed, Message: err.Error()}
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/.well-known/caldav"
	u.RawQuery = ""
	u.Fragment = ""

	req, err := http.NewRequest(http.MethodOptions, u.String(), nil)
	if err != nil {
		return "", &Error{Kind: KindMalformed, Message: err.Error()}
	}
	resp, herr := c.dc.Do(c.withHeaders(req).WithContext(ctx))
	if herr != nil {
		// A plain redirect response is swallowed by the stdlib client
		// following it; by the time we get here Location already resolved.
		return "", c.wrap(herr)
	}
	defer resp.Body.Close()

	final := resp.Request.URL
	final.RawQuery = ""
	final.Fragment = ""
	final.Scheme = u.Scheme
	return final.String(), nil
}

// DiscoverPrincipal issues a Depth:0 PROPFIND for DAV:current-user-principal.
func (c *Client) DiscoverPrincipal(ctx context.Context, base string) (string, *Error) {
	propfind := davproto.NewPropNamePropfind(davproto.CurrentUserPrincipalName)
	resp, err := c.propfindFlat(ctx, base, propfind)
	if err != nil {
		return "", err
	}

	var prop davproto.CurrentUserPrincipal
	if derr := resp.DecodeProp(&prop); derr != nil {
		return "", c.wrap(derr)
	}
	return c.dc.ResolveHref(prop.Href.Path).String(), nil
}

// DiscoverCalendarHome issues a Depth:0 PROPFIND for
// CALDAV:calendar-home-set against a principal URL.
func (c *Client) DiscoverCalendarHome(ctx context.Context, principal string) (string, *Error) {
	propfind := davproto.NewPropNamePropfind(calendarHomeSetName)
	resp, err := c.propfindFlat(ctx, principal, propfind)
	if err != nil {
		return "", err
	}

	var prop calendarHomeSet
	if derr := resp.DecodeProp(&prop); derr != nil {
		return "", c.wrap(derr)
	}
	return c.dc.ResolveHref(prop.Href.Path).String(), nil
}

func (c *Client) propfindFlat(ctx context.Context, path string, propfind *davproto.Propfind) (*davproto.Response, *Error) {
	req, err := c.dc.NewXMLRequest("PROPFIND", path, propfind)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Depth", "0")
	c.withHeaders(req)

	ms, herr := c.dc.DoMultiStatus(req.WithContext(ctx))
	if herr != nil {
		return nil, c.wrap(herr)
	}
	resp, gerr := ms.Get(c.dc.ResolveHref(path).Path)
	if gerr != nil {
		return nil, c.wrap(gerr)
	}
	return resp, nil
}

// ListCalendars lists the calendar collections under a calendar-home URL.
func (c *Client) ListCalendars(ctx context.Context, homeURL string) ([]Calendar, *Error) {
	propfind := davproto.NewPropNamePropfind(calendarProps...)
	req, err := c.dc.NewXMLRequest("PROPFIND", homeURL, propfind)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Depth", "1")
	c.withHeaders(req)

	ms, herr := c.dc.DoMultiStatus(req.WithContext(ctx))
	if herr != nil {
		return nil, c.wrap(herr)
	}

	base, _ := url.Parse(homeURL)
	var out []Calendar
	for _, resp := range ms.Responses {
		path, perr := resp.Path()
		if perr != nil {
			continue
		}

		var resType davproto.ResourceType
		if derr := resp.DecodeProp(&resType); derr != nil {
			continue
		}
		if !resType.Is(calendarName) {
			continue
		}

		cal := decodeCalendarEntry(path, &resp)
		if c.quirks != nil && c.quirks.ShouldSkipCalendar(cal.Href, cal.DisplayName) {
			continue
		}
		if c.quirks != nil && base != nil {
			cal.Href = c.quirks.BuildCalendarURL(cal.Href, base)
		}
		out = append(out, cal)
	}
	return out, nil
}

func decodeCalendarEntry(path string, resp *davproto.Response) Calendar {
	var dispName davproto.DisplayName
	resp.DecodeProp(&dispName)

	var getETag davproto.GetETag
	resp.DecodeProp(&getETag)

	return Calendar{
		Href:        path,
		DisplayName: dispName.Name,
		CTag:        string(getETag.ETag),
	}
}

// GetCtag fetches the collection's DAV:getetag-derived ctag via PROPFIND.
func (c *Client) GetCtag(ctx context.Context, calURL string) (string, *Error) {
	propfind := davproto.NewPropNamePropfind(davproto.GetETagName)
	resp, err := c.propfindFlat(ctx, calURL, propfind)
	if err != nil {
		return "", err
	}
	var getETag davproto.GetETag
	resp.DecodeProp(&getETag)
	return string(getETag.ETag), nil
}

// SyncCollection performs an RFC 6578 sync-collection REPORT.
func (c *Client) SyncCollection(ctx context.Context, calURL, syncToken string) (*SyncCollectionResult, *Error) {
	propReq, perr := encodeEtagOnlyReq()
	if perr != nil {
		return nil, &Error{Kind: KindMalformed, Message: perr.Error()}
	}

	q := syncCollectionQuery{
		SyncToken: syncToken,
		SyncLevel: "1",
		Prop:      propReq,
	}
	req, err := c.dc.NewXMLRequest("REPORT", calURL, &q)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: err.Error()}
	}
	c.withHeaders(req)

	ms, truncated, herr := c.dc.DoMultiStatusTruncated(req.WithContext(ctx))
	if herr != nil {
		return nil, c.wrap(herr)
	}

	result := &SyncCollectionResult{NewToken: ms.SyncToken, Truncated: truncated}
	for _, resp := range ms.Responses {
		p, perr := resp.Path()
		if perr != nil {
			if httpErr, ok := perr.(*davproto.HTTPError); ok && httpErr.Code == http.StatusNotFound {
				href := resp.Hrefs[0].Path
				result.Deleted = append(result.Deleted, href)
				continue
			}
			continue
		}
		if strings.TrimRight(p, "/") == strings.TrimRight(c.dc.ResolveHref(calURL).Path, "/") {
			continue
		}
		var getETag davproto.GetETag
		resp.DecodeProp(&getETag)
		result.Changed = append(result.Changed, ChangedItem{Href: p, ETag: string(getETag.ETag)})
	}
	return result, nil
}

func asHTTPError(err error) (*davproto.HTTPError, bool) {
	he, ok := err.(*davproto.HTTPError)
	return he, ok
}

// FetchEventsInRange performs a calendar-query REPORT with calendar-data,
// returning full ICS bodies for every VEVENT overlapping [start,end].
func (c *Client) FetchEventsInRange(ctx context.Context, calURL string, start, end time.Time) ([]CalendarObject, *Error) {
	propReq, perr := encodeCalendarDataReq()
	if perr != nil {
		return nil, &Error{Kind: KindMalformed, Message: perr.Error()}
	}

	q := calendarQuery{Prop: propReq}
	q.Filter.CompFilter = compFilter{
		Name: "VCALENDAR",
		CompFilters: []compFilter{{
			Name:      "VEVENT",
			TimeRange: timeRangeFilter(start, end),
		}},
	}

	req, err := c.dc.NewXMLRequest("REPORT", calURL, &q)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Depth", "1")
	c.withHeaders(req)

	ms, herr := c.dc.DoMultiStatus(req.WithContext(ctx))
	if herr != nil {
		return nil, c.wrap(herr)
	}
	return decodeCalendarObjects(ms)
}

// FetchEtagsInRange performs the same query without calendar-data, for the
// ETag-diff fallback (~96% less bandwidth than a full calendar-query).
func (c *Client) FetchEtagsInRange(ctx context.Context, calURL string, start, end time.Time) (*EtagListResult, *Error) {
	propReq, perr := encodeEtagOnlyReq()
	if perr != nil {
		return nil, &Error{Kind: KindMalformed, Message: perr.Error()}
	}

	q := calendarQuery{Prop: propReq}
	q.Filter.CompFilter = compFilter{
		Name: "VCALENDAR",
		CompFilters: []compFilter{{
			Name:      "VEVENT",
			TimeRange: timeRangeFilter(start, end),
		}},
	}

	req, err := c.dc.NewXMLRequest("REPORT", calURL, &q)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Depth", "1")
	c.withHeaders(req)

	ms, herr := c.dc.DoMultiStatus(req.WithContext(ctx))
	if herr != nil {
		return nil, c.wrap(herr)
	}

	var out EtagListResult
	for _, resp := range ms.Responses {
		p, perr := resp.Path()
		if perr != nil {
			continue
		}
		var getETag davproto.GetETag
		resp.DecodeProp(&getETag)
		out.Items = append(out.Items, ChangedItem{Href: p, ETag: string(getETag.ETag)})
	}
	return &out, nil
}

// FetchEventsByHref performs a calendar-multiget REPORT for a specific set
// of hrefs, in chunks the caller decides (PullStrategy chunks at 50).
func (c *Client) FetchEventsByHref(ctx context.Context, calURL string, hrefs []string) ([]CalendarObject, *Error) {
	propReq, perr := encodeCalendarDataReq()
	if perr != nil {
		return nil, &Error{Kind: KindMalformed, Message: perr.Error()}
	}

	q := calendarMultiget{Prop: propReq}
	for _, h := range hrefs {
		q.Hrefs = append(q.Hrefs, davproto.Href{Path: h})
	}

	req, err := c.dc.NewXMLRequest("REPORT", calURL, &q)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Depth", "1")
	c.withHeaders(req)

	ms, herr := c.dc.DoMultiStatus(req.WithContext(ctx))
	if herr != nil {
		return nil, c.wrap(herr)
	}
	return decodeCalendarObjects(ms)
}

func decodeCalendarObjects(ms *davproto.Multistatus) ([]CalendarObject, *Error) {
	var out []CalendarObject
	for _, resp := range ms.Responses {
		path, perr := resp.Path()
		if perr != nil {
			continue
		}

		var calData calendarDataResp
		if derr := resp.DecodeProp(&calData); derr != nil {
			continue
		}
		var getETag davproto.GetETag
		resp.DecodeProp(&getETag)
		var getLastMod davproto.GetLastModified
		resp.DecodeProp(&getLastMod)

		out = append(out, CalendarObject{
			Href:     path,
			ETag:     string(getETag.ETag),
			ModTime:  time.Time(getLastMod.LastModified),
			ICalData: calData.Data,
		})
	}
	return out, nil
}

// FetchEvent fetches a single event by GET, with the ETag normalized by
// stripping a leading W/ weak-validator marker and surrounding quotes.
func (c *Client) FetchEvent(ctx context.Context, eventURL string) (*CalendarObject, *Error) {
	req, err := c.dc.NewRequest(http.MethodGet, eventURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Accept", "text/calendar")
	c.withHeaders(req)

	resp, herr := c.dc.Do(req.WithContext(ctx))
	if herr != nil {
		return nil, c.wrap(herr)
	}
	defer resp.Body.Close()

	data, rerr := readAll(resp)
	if rerr != nil {
		return nil, c.wrap(rerr)
	}

	return &CalendarObject{
		Href:     eventURL,
		ETag:     normalizeETag(resp.Header.Get("ETag")),
		ModTime:  parseModTime(resp.Header.Get("Last-Modified")),
		ICalData: data,
	}, nil
}

// FetchEtag is the PROPFIND Depth:0 fallback when a PUT response lacks an
// ETag header.
func (c *Client) FetchEtag(ctx context.Context, eventURL string) (string, *Error) {
	return c.GetCtag(ctx, eventURL)
}

func normalizeETag(h string) string {
	h = strings.TrimPrefix(h, "W/")
	if unq, err := strconv.Unquote(h); err == nil {
		return unq
	}
	return strings.Trim(h, `"`)
}

func parseModTime(h string) time.Time {
	if h == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(h)
	if err != nil {
		return time.Time{}
	}
	return t
}

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}

// CreateEvent issues PUT with If-None-Match: * so an existing resource
// with the same href is never silently overwritten.
func (c *Client) CreateEvent(ctx context.Context, calURL, uid string, ical []byte) (eventURL, etag string, cerr *Error) {
	href := strings.TrimRight(calURL, "/") + "/" + uid + ".ics"
	req, err := c.dc.NewRequest(http.MethodPut, href, bytes.NewReader(ical))
	if err != nil {
		return "", "", &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	req.Header.Set("If-None-Match", "*")
	c.withHeaders(req)

	resp, herr := c.dc.Do(req.WithContext(ctx))
	if herr != nil {
		return "", "", c.wrap(herr)
	}
	defer resp.Body.Close()

	loc := resp.Request.URL.Path
	if l := resp.Header.Get("Location"); l != "" {
		if u, err := url.Parse(l); err == nil {
			loc = u.Path
		}
	}

	etag = normalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		if t, ferr := c.FetchEtag(ctx, loc); ferr == nil {
			etag = t
		}
	}
	return loc, etag, nil
}

// UpdateEvent issues PUT with If-Match:"{etag}" for optimistic concurrency.
func (c *Client) UpdateEvent(ctx context.Context, eventURL string, ical []byte, etag string) (newEtag string, cerr *Error) {
	req, err := c.dc.NewRequest(http.MethodPut, eventURL, bytes.NewReader(ical))
	if err != nil {
		return "", &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if etag != "" {
		req.Header.Set("If-Match", fmt.Sprintf("%q", etag))
	}
	c.withHeaders(req)

	resp, herr := c.dc.Do(req.WithContext(ctx))
	if herr != nil {
		return "", c.wrap(herr)
	}
	defer resp.Body.Close()

	newEtag = normalizeETag(resp.Header.Get("ETag"))
	if newEtag == "" {
		if t, ferr := c.FetchEtag(ctx, eventURL); ferr == nil {
			newEtag = t
		}
	}
	return newEtag, nil
}

// DeleteEvent issues DELETE with If-Match:"{etag}". 204/200/404 are all
// success; 412 surfaces as CONFLICT.
func (c *Client) DeleteEvent(ctx context.Context, eventURL, etag string) *Error {
	req, err := c.dc.NewRequest(http.MethodDelete, eventURL, nil)
	if err != nil {
		return &Error{Kind: KindMalformed, Message: err.Error()}
	}
	if etag != "" {
		req.Header.Set("If-Match", fmt.Sprintf("%q", etag))
	}
	c.withHeaders(req)

	resp, herr := c.dc.Do(req.WithContext(ctx))
	if herr != nil {
		if httpErr, ok := asHTTPError(herr); ok && httpErr.Code == http.StatusNotFound {
			return nil
		}
		return c.wrap(herr)
	}
	resp.Body.Close()
	return nil
}

// MoveEvent issues a WebDAV MOVE with Destination + Overwrite:F. A 405
// response means the server doesn't support MOVE across collections; the
// caller (PushStrategy) falls back to CREATE+DELETE.
func (c *Client) MoveEvent(ctx context.Context, srcURL, destCalURL, uid string) (newURL, etag string, cerr *Error) {
	destHref := strings.TrimRight(destCalURL, "/") + "/" + uid + ".ics"
	req, err := c.dc.NewRequest("MOVE", srcURL, nil)
	if err != nil {
		return "", "", &Error{Kind: KindMalformed, Message: err.Error()}
	}
	req.Header.Set("Destination", c.dc.ResolveHref(destHref).String())
	req.Header.Set("Overwrite", "F")
	c.withHeaders(req)

	resp, herr := c.dc.Do(req.WithContext(ctx))
	if herr != nil {
		return "", "", c.wrap(herr)
	}
	defer resp.Body.Close()

	newURL = destHref
	etag = normalizeETag(resp.Header.Get("ETag"))
	if etag == "" {
		if t, ferr := c.FetchEtag(ctx, newURL); ferr == nil {
			etag = t
		}
	}
	return newURL, etag, nil
}

// CheckConnection validates that OPTIONS reports calendar-access support
// (RFC 4791).
func (c *Client) CheckConnection(ctx context.Context, base string) *Error {
	req, err := c.dc.NewRequest(http.MethodOptions, base, nil)
	if err != nil {
		return &Error{Kind: KindMalformed, Message: err.Error()}
	}
	c.withHeaders(req)

	resp, herr := c.dc.Do(req.WithContext(ctx))
	if herr != nil {
		return c.wrap(herr)
	}
	resp.Body.Close()

	dav := resp.Header.Get("DAV")
	if !strings.Contains(dav, "calendar-access") {
		return &Error{Kind: KindOther, Message: "server does not advertise calendar-access"}
	}
	return nil
}
