// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"

	"mellium.im/koine/stream"
)

// Errors related to stream handling
var (
	ErrUnknownStreamElement = errors.New("koine: unknown stream level element")
	ErrUnexpectedRestart    = errors.New("koine: unexpected stream restart")
	errMaxNesting           = errors.New("koine: maximum nesting depth exceeded")
)

type reader struct {
	r     xml.TokenReader
	depth uint64
}

func (r *reader) Token() (xml.Token, error) {
	tok, err := r.r.Token()
	if err != nil {
		return tok, err
	}

	switch t := tok.(type) {
	case xml.StartElement:
		if r.depth > 0 || t.Name.Space != stream.NS {
			return r.push(tok)
		}

		// Handle stream errors and unknown stream namespaced tokens first, before
		// delegating to the normal handler.
		switch t.Name.Local {
		case "features":
			return r.push(tok)
		case "error":
			e := stream.Error{}
			err = xml.NewTokenDecoder(r.r).DecodeElement(&e, &t)
			if err != nil {
				return nil, err
			}
			if e.Err == "" {
				e = stream.UndefinedCondition
			}
			return nil, e
		case "stream":
			// Special case returning a nice error here.
			return nil, ErrUnexpectedRestart
		default:
			return nil, ErrUnknownStreamElement
		}
	case xml.EndElement:
		if r.depth > 0 {
			r.depth--
			return tok, nil
		}

		// If this is a stream end element, we're done.
		if t.Name.Local == "stream" && t.Name.Space == stream.NS {
			return nil, io.EOF
		}

		// An end element at the top level that is not </stream:stream> cannot be
		// balanced.
		return nil, stream.BadFormat
	case xml.CharData:
		// Pass chardata through. We ensure that any chardata at the top level of
		// the stream is only whitespace elsewhere.
		return tok, nil
	}
	if r.depth > 0 {
		return tok, nil
	}
	// Other XML tokens are forbidden.
	return tok, fmt.Errorf("invalid token type: %T", tok)
}

func (r *reader) push(tok xml.Token) (xml.Token, error) {
	if r.depth == math.MaxUint64 {
		return nil, errMaxNesting
	}
	r.depth++
	return tok, nil
}

// Reader returns a token reader that handles stream level tokens on an already
// established stream.
// Stream errors are returned as errors, the closing </stream:stream> tag as
// io.EOF.
func Reader(r xml.TokenReader) xml.TokenReader {
	return &reader{r: r}
}
