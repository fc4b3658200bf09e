// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package caps implements entity capabilities and a process wide cache of
// verified capability sets.
//
// Peers advertise their capabilities as a hash of their service discovery
// information.
// Many peers running the same software advertise the same hash, so a Cache
// only needs to query one of them and can answer the rest from memory.
package caps // import "mellium.im/koine/caps"

import (
	"context"
	"encoding/xml"
	"errors"

	"mellium.im/xmlstream"

	"mellium.im/koine"
	"mellium.im/koine/crypto"
	"mellium.im/koine/internal/ns"
)

// NS is the namespace used by entity capabilities.
const NS = ns.Caps

// Caps can be included in a presence stanza or in stream features to advertise
// entity capabilities.
// Node is a string that uniquely identifies the software (eg.
// https://example.com/myclient) and Ver is the hash of an Info value.
type Caps struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/caps c"`
	Hash    crypto.Hash `xml:"hash,attr"`
	Node    string      `xml:"node,attr"`
	Ver     string      `xml:"ver,attr"`
}

// TokenReader implements xmlstream.Marshaler.
func (c Caps) TokenReader() xml.TokenReader {
	/* #nosec */
	tr, _ := tokenReader(c)
	return tr
}

func tokenReader(c Caps) (xml.TokenReader, error) {
	hashAttr, err := c.Hash.MarshalXMLAttr(xml.Name{Local: "hash"})
	return xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: NS, Local: "c"},
		Attr: []xml.Attr{
			hashAttr,
			{Name: xml.Name{Local: "node"}, Value: c.Node},
			{Name: xml.Name{Local: "ver"}, Value: c.Ver},
		},
	}), err
}

// WriteXML implements xmlstream.WriterTo.
func (c Caps) WriteXML(w xmlstream.TokenWriter) (int, error) {
	tr, err := tokenReader(c)
	if err != nil {
		return 0, err
	}
	return xmlstream.Copy(w, tr)
}

// MarshalXML implements xml.Marshaler.
func (c Caps) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	_, err := c.WriteXML(e)
	return err
}

// UnmarshalXML implements xml.Unmarshaler
func (c *Caps) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "hash":
			err := (&c.Hash).UnmarshalXMLAttr(attr)
			if err != nil {
				return err
			}
		case "node":
			c.Node = attr.Value
		case "ver":
			c.Ver = attr.Value
		}
	}
	return xmlstream.Skip(d)
}

// StreamFeature is an informational stream feature that saves any entity caps
// information that was published by the server during session negotiation.
// It is never negotiated.
// Capabilities hashed with an unknown algorithm are ignored.
func StreamFeature() koine.StreamFeature {
	return koine.StreamFeature{
		Name: xml.Name{Space: NS, Local: "c"},
		Rank: koine.RankInformational,
		Parse: func(ctx context.Context, el koine.Element) (bool, interface{}, error) {
			c := Caps{}
			err := el.Decode(&c)
			if errors.Is(err, crypto.ErrUnknownAlgo) {
				return false, nil, nil
			}
			return false, c, err
		},
	}
}

// Advertise returns an informational stream feature that lists c in the
// features sent to the other side of a session.
func Advertise(c Caps) koine.StreamFeature {
	sf := StreamFeature()
	sf.List = func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (bool, error) {
		_, err := c.WriteXML(e)
		return false, err
	}
	return sf
}

// FromFeatures returns any entity caps information advertised by the server in
// the most recent feature list.
// If StreamFeature was not enabled or the server did not advertise entity caps
// ok will be false.
func FromFeatures(s *koine.Session) (c Caps, ok bool) {
	for _, f := range s.Features() {
		if f.Name.Space != NS || f.Name.Local != "c" {
			continue
		}
		c, ok = f.Data.(Caps)
		return c, ok
	}
	return c, false
}
