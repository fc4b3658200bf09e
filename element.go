// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"mellium.im/xmlstream"

	"mellium.im/koine/internal/attr"
	"mellium.im/koine/internal/ns"
	"mellium.im/koine/stream"
)

// Kind classifies a top level element by the part of the protocol that
// handles it.
type Kind uint8

// A list of element kinds.
const (
	KindOther Kind = iota
	KindFeatures
	KindNegotiation
	KindStanza
	KindManagement
	KindBody
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFeatures:
		return "features"
	case KindNegotiation:
		return "negotiation"
	case KindStanza:
		return "stanza"
	case KindManagement:
		return "management"
	case KindBody:
		return "body"
	case KindError:
		return "error"
	}
	return "other"
}

// Element is a fully buffered top level element of a stream.
// Elements are immutable once constructed and may be shared between
// goroutines.
// The zero value is an empty element that cannot be sent.
type Element struct {
	start xml.StartElement
	inner []xml.Token
}

// New returns an element with the given start element and inner tokens.
// The tokens are copied.
func New(start xml.StartElement, inner ...xml.Token) Element {
	el := Element{start: stripNS(start)}
	for _, tok := range inner {
		tok = xml.CopyToken(tok)
		if s, ok := tok.(xml.StartElement); ok {
			tok = stripNS(s)
		}
		el.inner = append(el.inner, tok)
	}
	return el
}

// NewText returns an element containing only character data.
func NewText(start xml.StartElement, text string) Element {
	if text == "" {
		return New(start)
	}
	return New(start, xml.CharData(text))
}

// ReadElement reads the next top level element from r.
// Whitespace between elements is skipped.
// If r reaches the end of its enclosing element, io.EOF is returned.
func ReadElement(r xml.TokenReader) (Element, error) {
	for {
		tok, err := r.Token()
		if tok == nil {
			if err == nil {
				continue
			}
			return Element{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return collect(t.Copy(), xmlstream.Inner(r))
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return Element{}, stream.BadFormat
			}
		case xml.EndElement:
			return Element{}, io.EOF
		case xml.Comment:
		default:
			return Element{}, stream.RestrictedXML
		}
		if err != nil {
			return Element{}, err
		}
	}
}

// Marshal encodes v and returns it as an element.
// Values implementing xmlstream.Marshaler are converted without going through
// the encoder.
func Marshal(v interface{}) (Element, error) {
	if m, ok := v.(xmlstream.Marshaler); ok {
		return ReadElement(m.TokenReader())
	}
	var b bytes.Buffer
	if err := xml.NewEncoder(&b).Encode(v); err != nil {
		return Element{}, err
	}
	return ReadElement(xml.NewDecoder(&b))
}

func collect(start xml.StartElement, r xml.TokenReader) (Element, error) {
	el := Element{start: stripNS(start)}
	for {
		tok, err := r.Token()
		if tok != nil {
			tok = xml.CopyToken(tok)
			if s, ok := tok.(xml.StartElement); ok {
				tok = stripNS(s)
			}
			el.inner = append(el.inner, tok)
		}
		switch {
		case errors.Is(err, io.EOF):
			return el, nil
		case err != nil:
			return Element{}, err
		}
	}
}

// stripNS removes namespace declarations from s.
// Names are already resolved, so keeping the declarations would cause them to
// be written twice by the encoder.
func stripNS(s xml.StartElement) xml.StartElement {
	out := xml.StartElement{Name: s.Name}
	for _, a := range s.Attr {
		if attr.IsXMLNS(a) {
			continue
		}
		out.Attr = append(out.Attr, a)
	}
	return out
}

// IsZero reports whether e is the zero element.
func (e Element) IsZero() bool {
	return e.start.Name.Local == ""
}

// Name returns the name of the element.
func (e Element) Name() xml.Name {
	return e.start.Name
}

// Start returns a copy of the start element.
func (e Element) Start() xml.StartElement {
	return e.start.Copy()
}

// Attr returns the value of the first attribute with the given local name.
func (e Element) Attr(local string) string {
	v, _ := attr.Get(e.start.Attr, local)
	return v
}

// Kind classifies the element.
func (e Element) Kind() Kind {
	name := e.start.Name
	switch name.Space {
	case ns.Stream:
		switch name.Local {
		case "features":
			return KindFeatures
		case "error":
			return KindError
		}
	case ns.Client, ns.Server:
		switch name.Local {
		case "iq", "message", "presence":
			return KindStanza
		}
	case ns.SM:
		return KindManagement
	case ns.HTTPBind:
		if name.Local == "body" {
			return KindBody
		}
	case ns.StartTLS, ns.SASL, ns.Compress, ns.Bind, ns.Session:
		return KindNegotiation
	}
	return KindOther
}

// TokenReader returns a new token reader that replays the element.
func (e Element) TokenReader() xml.TokenReader {
	var i int
	inner := xmlstream.ReaderFunc(func() (xml.Token, error) {
		if i >= len(e.inner) {
			return nil, io.EOF
		}
		tok := e.inner[i]
		i++
		return tok, nil
	})
	return xmlstream.Wrap(inner, e.start.Copy())
}

// WriteXML satisfies the xmlstream.WriterTo interface.
func (e Element) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, e.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface.
func (e Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	_, err := e.WriteXML(enc)
	if err != nil {
		return err
	}
	return enc.Flush()
}

// Decode unmarshals the element into v.
func (e Element) Decode(v interface{}) error {
	return xml.NewTokenDecoder(e.TokenReader()).Decode(v)
}

// Text returns the character data contained in the element and its children.
func (e Element) Text() string {
	var b strings.Builder
	for _, tok := range e.inner {
		if cd, ok := tok.(xml.CharData); ok {
			b.Write(cd)
		}
	}
	return b.String()
}

// Children returns the direct child elements in document order.
func (e Element) Children() []Element {
	var out []Element
	var i int
	r := xmlstream.ReaderFunc(func() (xml.Token, error) {
		if i >= len(e.inner) {
			return nil, io.EOF
		}
		tok := e.inner[i]
		i++
		return tok, nil
	})
	for {
		child, err := ReadElement(r)
		if err != nil {
			return out
		}
		out = append(out, child)
	}
}

// Child returns the first direct child with the given name.
func (e Element) Child(name xml.Name) (Element, bool) {
	for _, c := range e.Children() {
		if c.start.Name == name {
			return c, true
		}
	}
	return Element{}, false
}

// Err decodes a stream error element.
// If the element is not a stream error, nil is returned.
func (e Element) Err() error {
	if e.Kind() != KindError {
		return nil
	}
	se := stream.Error{}
	if err := e.Decode(&se); err != nil {
		return err
	}
	if se.Err == "" {
		return stream.UndefinedCondition
	}
	return se
}

// String returns the XML encoding of the element.
func (e Element) String() string {
	var b strings.Builder
	enc := xml.NewEncoder(&b)
	if _, err := e.WriteXML(enc); err != nil {
		return ""
	}
	if err := enc.Flush(); err != nil {
		return ""
	}
	return b.String()
}
