// Package davproto implements the WebDAV/CalDAV wire primitives shared by
// the CalDAV client: RFC 4918 XML element marshaling plus a retrying,
// size-limited HTTP transport. It is the low-level layer underneath the
// caldav package's typed operations.
package davproto

import (
	"encoding/xml"
	"fmt"
	"io"
	"reflect"
)

// RawXMLValue is a raw XML value. It implements xml.Unmarshaler and
// xml.Marshaler and can be used to delay XML decoding, precompute an XML
// encoding, or losslessly round-trip properties the caller doesn't
// understand.
type RawXMLValue struct {
	tok      xml.Token // guaranteed not to be xml.EndElement
	children []RawXMLValue
}

// NewRawXMLElement creates a new RawXMLValue for an XML element.
func NewRawXMLElement(name xml.Name, attr []xml.Attr, children []RawXMLValue) *RawXMLValue {
	return &RawXMLValue{
		tok:      xml.StartElement{Name: name, Attr: attr},
		children: children,
	}
}

// UnmarshalXML implements xml.Unmarshaler.
func (val *RawXMLValue) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	val.tok = start
	val.children = nil

	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			child := RawXMLValue{}
			if err := child.UnmarshalXML(d, tok); err != nil {
				return err
			}
			val.children = append(val.children, child)
		case xml.EndElement:
			return nil
		default:
			val.children = append(val.children, RawXMLValue{tok: xml.CopyToken(tok)})
		}
	}
}

// MarshalXML implements xml.Marshaler.
func (val *RawXMLValue) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if val == nil || val.tok == nil {
		return nil
	}
	switch tok := val.tok.(type) {
	case xml.StartElement:
		if err := e.EncodeToken(tok); err != nil {
			return err
		}
		for _, child := range val.children {
			if err := child.MarshalXML(e, xml.StartElement{}); err != nil {
				return err
			}
		}
		return e.EncodeToken(tok.End())
	case xml.EndElement:
		panic("davproto: unexpected end element")
	default:
		return e.EncodeToken(tok)
	}
}

var (
	_ xml.Marshaler   = (*RawXMLValue)(nil)
	_ xml.Unmarshaler = (*RawXMLValue)(nil)
)

// XMLName returns the element's qualified name, if it is an element.
func (val *RawXMLValue) XMLName() (name xml.Name, ok bool) {
	if val == nil {
		return xml.Name{}, false
	}
	start, ok := val.tok.(xml.StartElement)
	if !ok {
		return xml.Name{}, false
	}
	return start.Name, true
}

// TokenReader returns a stream of tokens for the XML value.
func (val *RawXMLValue) TokenReader() xml.TokenReader {
	return &rawXMLValueReader{val: val}
}

// Decode decodes the raw XML value into v.
func (val *RawXMLValue) Decode(v interface{}) error {
	return xml.NewTokenDecoder(val.TokenReader()).Decode(v)
}

type rawXMLValueReader struct {
	val         *RawXMLValue
	start, end  bool
	child       int
	childReader xml.TokenReader
}

func (tr *rawXMLValueReader) Token() (xml.Token, error) {
	if tr.end {
		return nil, io.EOF
	}

	start, ok := tr.val.tok.(xml.StartElement)
	if !ok {
		tr.end = true
		return tr.val.tok, nil
	}

	if !tr.start {
		tr.start = true
		return start, nil
	}

	for tr.child < len(tr.val.children) {
		if tr.childReader == nil {
			tr.childReader = tr.val.children[tr.child].TokenReader()
		}

		tok, err := tr.childReader.Token()
		if err == io.EOF {
			tr.childReader = nil
			tr.child++
		} else {
			return tok, err
		}
	}

	tr.end = true
	return start.End(), nil
}

// EncodeRawXMLElement encodes v as a RawXMLValue.
func EncodeRawXMLElement(v interface{}) (*RawXMLValue, error) {
	if raw, ok := v.(*RawXMLValue); ok {
		return raw, nil
	}

	var buf struct {
		Value RawXMLValue `xml:",any"`
	}
	// Marshal v, then decode it back as a RawXMLValue so unknown/foreign
	// elements are preserved structurally instead of being flattened.
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := xml.Unmarshal(b, &buf); err != nil {
		return nil, fmt.Errorf("davproto: failed to re-decode encoded element: %w", err)
	}
	return &buf.Value, nil
}

func valueXMLName(v interface{}) (xml.Name, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return xml.Name{}, fmt.Errorf("davproto: nil pointer passed to valueXMLName")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return xml.Name{}, fmt.Errorf("davproto: expected a struct, got %T", v)
	}

	field, ok := rv.Type().FieldByName("XMLName")
	if !ok {
		return xml.Name{}, fmt.Errorf("davproto: missing XMLName field in %T", v)
	}

	tag := field.Tag.Get("xml")
	name := strings_SplitTag(tag)
	return name, nil
}

// strings_SplitTag splits a `xml:"namespace local"` or `xml:"local"` struct
// tag into an xml.Name, mirroring how encoding/xml itself interprets the
// leading (pre-comma) portion of the tag.
func strings_SplitTag(tag string) xml.Name {
	// The tag may have trailing options separated by commas (e.g. "prop,omitempty").
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			tag = tag[:i]
			break
		}
	}
	for i := len(tag) - 1; i >= 0; i-- {
		if tag[i] == ' ' {
			return xml.Name{Space: tag[:i], Local: tag[i+1:]}
		}
	}
	return xml.Name{Local: tag}
}
