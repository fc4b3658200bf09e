// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
)

// Namespaces that may be used as the default namespace of a stream.
const (
	NSClient  = "jabber:client"
	NSServer  = "jabber:server"
	NSFraming = "urn:ietf:params:xml:ns:xmpp-framing"
)

// Info contains metadata extracted from a stream start token, a WebSocket
// <open/> element, or a BOSH session creation response.
// Addresses are kept as the raw strings found on the wire.
type Info struct {
	Name    xml.Name
	XMLNS   string
	To      string
	From    string
	ID      string
	Version Version
	Lang    string
}

// FromStartElement sets the data in Info from the provided StartElement.
func (i *Info) FromStartElement(s xml.StartElement) error {
	ws := s.Name.Local == "open"
	switch {
	case ws && (s.Name.Space == "" || s.Name.Space == NSFraming):
	case s.Name.Local == "stream" && (s.Name.Space == NS || s.Name.Space == "stream"):
	default:
		return BadFormat
	}
	i.Name = s.Name
	for _, attr := range s.Attr {
		switch attr.Name {
		case xml.Name{Space: "", Local: "to"}:
			i.To = attr.Value
		case xml.Name{Space: "", Local: "from"}:
			i.From = attr.Value
		case xml.Name{Space: "", Local: "id"}:
			i.ID = attr.Value
		case xml.Name{Space: "", Local: "version"}:
			err := (&i.Version).UnmarshalXMLAttr(attr)
			if err != nil {
				return BadFormat
			}
		case xml.Name{Space: "", Local: "xmlns"}:
			if (ws && attr.Value != NSFraming) || (!ws && attr.Value != NSClient && attr.Value != NSServer) {
				return InvalidNamespace
			}
			i.XMLNS = attr.Value
		case xml.Name{Space: "xmlns", Local: "stream"}:
			// The WebSocket subprotocol never declares the stream prefix, if it
			// shows up anyway it is ignored.
			if !ws && attr.Value != NS {
				return InvalidNamespace
			}
		case xml.Name{Space: "xml", Local: "lang"}, xml.Name{Space: "http://www.w3.org/XML/1998/namespace", Local: "lang"}:
			i.Lang = attr.Value
		}
	}
	return nil
}
