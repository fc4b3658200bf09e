// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains internal stream parsing and handling behavior.
package stream // import "mellium.im/koine/internal/stream"

import (
	"bufio"
	"context"
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"

	"mellium.im/koine/stream"
)

// XMLHeader is an XML header like the one in encoding/xml but without a
// newline at the end.
const XMLHeader = `<?xml version="1.0" encoding="UTF-8"?>`

// CloseTag is the token that ends a stream.
const CloseTag = `</stream:stream>`

// Send writes a stream header for out to w.
// If ws is true the WebSocket <open/> element is written instead of an XML
// declaration and <stream:stream> start element.
// We don't use an xml.Encoder both because Go's standard library xml package
// really doesn't like the namespaced stream:stream attribute and because we can
// guarantee well-formedness of the XML with a print in this case and printing
// is much faster than encoding.
func Send(w io.Writer, out stream.Info, ws bool) error {
	if out.Version == (stream.Version{}) {
		out.Version = stream.DefaultVersion
	}

	b := bufio.NewWriter(w)
	if ws {
		b.WriteString(`<open`)
	} else {
		b.WriteString(XMLHeader + `<stream:stream`)
	}
	writeAttr(b, "id", out.ID)
	writeAttr(b, "to", out.To)
	writeAttr(b, "from", out.From)
	writeAttr(b, "version", out.Version.String())
	writeAttr(b, "xml:lang", out.Lang)
	if ws {
		writeAttr(b, "xmlns", stream.NSFraming)
		b.WriteString(`/>`)
		return b.Flush()
	}
	xmlns := out.XMLNS
	if xmlns == "" {
		xmlns = stream.NSClient
	}
	writeAttr(b, "xmlns", xmlns)
	writeAttr(b, "xmlns:stream", stream.NS)
	b.WriteString(`>`)
	return b.Flush()
}

func writeAttr(b *bufio.Writer, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(` ` + name + `='`)
	// EscapeText only fails if the underlying writer fails, which is reported by
	// the final Flush.
	_ = xml.EscapeText(b, []byte(value))
	b.WriteByte('\'')
}

// Expect reads a token from r and expects that it will be a new stream start
// token (or a WebSocket <open/> element if ws is true).
// If not, an error is returned.
// An XML declaration and leading whitespace are skipped.
// If recv is false the header must carry a stream ID.
func Expect(ctx context.Context, r xml.TokenReader, recv, ws bool) (stream.Info, error) {
	info := stream.Info{}
	r = SkipDecl(r)

	for {
		select {
		case <-ctx.Done():
			return info, ctx.Err()
		default:
		}
		t, err := r.Token()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return info, err
		}
		switch tok := t.(type) {
		case xml.CharData:
			if len(xml.CharData(trimSpace(tok))) != 0 {
				return info, stream.BadFormat
			}
			continue
		case xml.StartElement:
			switch {
			case tok.Name.Local == "error" && tok.Name.Space == stream.NS:
				se := stream.Error{}
				d := xml.NewTokenDecoder(xmlstream.Wrap(xmlstream.Inner(r), tok))
				if err := d.Decode(&se); err != nil {
					return info, err
				}
				return info, se
			case ws && tok.Name.Local != "open":
				return info, stream.BadFormat
			case !ws && tok.Name.Local != "stream":
				return info, stream.BadFormat
			case !ws && tok.Name.Space != stream.NS:
				return info, stream.InvalidNamespace
			}

			err = info.FromStartElement(tok)
			switch {
			case err != nil:
				return info, err
			case info.Version.Major != stream.DefaultVersion.Major:
				return info, stream.UnsupportedVersion
			case !recv && info.ID == "":
				return info, stream.BadFormat
			}

			if ws {
				// The <open/> element must be empty.
				t, err = r.Token()
				if err != nil {
					return info, err
				}
				if _, ok := t.(xml.EndElement); !ok {
					return info, stream.BadFormat
				}
			}
			return info, nil
		case xml.ProcInst:
			return info, stream.RestrictedXML
		case xml.EndElement:
			return info, stream.NotWellFormed
		default:
			return info, stream.RestrictedXML
		}
	}
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 {
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			b = b[1:]
			continue
		}
		break
	}
	return b
}

type skipper struct {
	r       xml.TokenReader
	started bool
}

func (r *skipper) Token() (xml.Token, error) {
	tok, err := r.r.Token()
	if tok != nil && !r.started {
		r.started = true
		if proc, ok := tok.(xml.ProcInst); ok && proc.Target == "xml" {
			if err != nil {
				return nil, err
			}
			return r.r.Token()
		}
	}
	return tok, err
}

// SkipDecl wraps a token reader and skips any XML declaration.
func SkipDecl(r xml.TokenReader) xml.TokenReader {
	return &skipper{r: r}
}
