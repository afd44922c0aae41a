package caldav

import (
	"encoding/xml"
	"time"

	"github.com/kashcal/core/internal/davproto"
)

const ns = "urn:ietf:params:xml:ns:caldav"

var (
	calendarHomeSetName               = xml.Name{Space: ns, Local: "calendar-home-set"}
	calendarDescriptionName           = xml.Name{Space: ns, Local: "calendar-description"}
	maxResourceSizeName               = xml.Name{Space: ns, Local: "max-resource-size"}
	supportedCalendarComponentSetName = xml.Name{Space: ns, Local: "supported-calendar-component-set"}
	calendarName                      = xml.Name{Space: ns, Local: "calendar"}
)

// https://tools.ietf.org/html/rfc4791#section-6.2.1
type calendarHomeSet struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set"`
	Href    davproto.Href  `xml:"DAV: href"`
}

type calendarDescription struct {
	XMLName     xml.Name `xml:"urn:ietf:params:xml:ns:caldav calendar-description"`
	Description string   `xml:",chardata"`
}

type maxResourceSize struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:caldav max-resource-size"`
	Size    int64    `xml:",chardata"`
}

type supportedCalendarComponentSet struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
	Comp    []compDecl `xml:"comp"`
}

type compDecl struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:caldav comp"`
	Name    string   `xml:"name,attr"`
}

// https://tools.ietf.org/html/rfc4791#section-9.5
type calendarQuery struct {
	XMLName xml.Name       `xml:"urn:ietf:params:xml:ns:caldav calendar-query"`
	Prop    *davproto.Prop `xml:"DAV: prop,omitempty"`
	Filter  struct {
		CompFilter compFilter `xml:"comp-filter"`
	} `xml:"urn:ietf:params:xml:ns:caldav filter"`
}

// https://tools.ietf.org/html/rfc4791#section-9.10
type calendarMultiget struct {
	XMLName xml.Name        `xml:"urn:ietf:params:xml:ns:caldav calendar-multiget"`
	Prop    *davproto.Prop  `xml:"DAV: prop,omitempty"`
	Hrefs   []davproto.Href `xml:"DAV: href"`
}

// https://tools.ietf.org/html/rfc6578#section-3.1
type syncCollectionQuery struct {
	XMLName   xml.Name          `xml:"DAV: sync-collection"`
	SyncToken string            `xml:"sync-token"`
	SyncLevel string            `xml:"sync-level"`
	Limit     *davproto.RawXMLValue `xml:"limit,omitempty"`
	Prop      *davproto.Prop    `xml:"prop,omitempty"`
}

type compFilter struct {
	XMLName      xml.Name     `xml:"urn:ietf:params:xml:ns:caldav comp-filter"`
	Name         string       `xml:"name,attr"`
	IsNotDefined *struct{}    `xml:"is-not-defined,omitempty"`
	TimeRange    *timeRange   `xml:"time-range,omitempty"`
	CompFilters  []compFilter `xml:"comp-filter,omitempty"`
	PropFilters  []propFilter `xml:"prop-filter,omitempty"`
}

type propFilter struct {
	XMLName      xml.Name      `xml:"urn:ietf:params:xml:ns:caldav prop-filter"`
	Name         string        `xml:"name,attr"`
	IsNotDefined *struct{}     `xml:"is-not-defined,omitempty"`
	TimeRange    *timeRange    `xml:"time-range,omitempty"`
	TextMatch    *textMatch    `xml:"text-match,omitempty"`
	ParamFilter  []paramFilter `xml:"param-filter,omitempty"`
}

type paramFilter struct {
	XMLName   xml.Name   `xml:"urn:ietf:params:xml:ns:caldav param-filter"`
	Name      string     `xml:"name,attr"`
	TextMatch *textMatch `xml:"text-match,omitempty"`
}

type textMatch struct {
	XMLName         xml.Name `xml:"urn:ietf:params:xml:ns:caldav text-match"`
	Text            string   `xml:",chardata"`
	NegateCondition string   `xml:"negate-condition,attr,omitempty"`
}

type timeRange struct {
	XMLName xml.Name        `xml:"urn:ietf:params:xml:ns:caldav time-range"`
	Start   dateWithUTCTime `xml:"start,attr,omitempty"`
	End     dateWithUTCTime `xml:"end,attr,omitempty"`
}

const dateWithUTCTimeLayout = "20060102T150405Z"

// dateWithUTCTime is the "date with UTC time" format of RFC 5545 page 34,
// used by CalDAV REPORT time-range filters, always emitted in UTC
// regardless of the event's own timezone.
type dateWithUTCTime time.Time

func (t *dateWithUTCTime) UnmarshalText(b []byte) error {
	tt, err := time.Parse(dateWithUTCTimeLayout, string(b))
	if err != nil {
		return err
	}
	*t = dateWithUTCTime(tt)
	return nil
}

func (t dateWithUTCTime) MarshalText() ([]byte, error) {
	return []byte(time.Time(t).UTC().Format(dateWithUTCTimeLayout)), nil
}

type calendarDataReq struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

type calendarDataResp struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	Data    []byte   `xml:",chardata"`
}

var calendarProps = []xml.Name{
	davproto.ResourceTypeName,
	davproto.DisplayNameName,
	calendarDescriptionName,
	maxResourceSizeName,
	supportedCalendarComponentSetName,
}

func encodeCalendarDataReq() (*davproto.Prop, error) {
	getLastModReq := davproto.NewRawXMLElement(davproto.GetLastModifiedName, nil, nil)
	getETagReq := davproto.NewRawXMLElement(davproto.GetETagName, nil, nil)
	return davproto.EncodeProp(&calendarDataReq{}, getLastModReq, getETagReq)
}

func encodeEtagOnlyReq() (*davproto.Prop, error) {
	getETagReq := davproto.NewRawXMLElement(davproto.GetETagName, nil, nil)
	return davproto.EncodeProp(getETagReq)
}

func timeRangeFilter(start, end time.Time) *timeRange {
	if start.IsZero() && end.IsZero() {
		return nil
	}
	return &timeRange{
		Start: dateWithUTCTime(start),
		End:   dateWithUTCTime(end),
	}
}
