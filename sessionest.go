// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"context"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"

	"mellium.im/koine/internal/attr"
	"mellium.im/koine/internal/ns"
)

// SessionEstablishment returns a stream feature that performs the legacy
// session establishment request from RFC 3921.
// Servers that mark the feature <optional/> are skipped without a round trip.
func SessionEstablishment() StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.Session, Local: "session"},
		Rank:       RankSession,
		Necessary:  Bind,
		Prohibited: Ready,
		List: func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (bool, error) {
			if err := e.EncodeToken(start); err != nil {
				return false, err
			}
			optional := xml.StartElement{Name: xml.Name{Local: "optional"}}
			if err := e.EncodeToken(optional); err != nil {
				return false, err
			}
			if err := e.EncodeToken(optional.End()); err != nil {
				return false, err
			}
			return false, e.EncodeToken(start.End())
		},
		Parse: func(ctx context.Context, el Element) (bool, interface{}, error) {
			_, optional := el.Child(xml.Name{Space: ns.Session, Local: "optional"})
			return false, optional, nil
		},
		New: func(s *Session, data interface{}) Negotiator {
			optional, _ := data.(bool)
			return &sessionNegotiator{s: s, optional: optional}
		},
	}
}

type sessionNegotiator struct {
	s        *Session
	optional bool
	id       string
}

func (n *sessionNegotiator) Begin(ctx context.Context) (Result, error) {
	if n.optional {
		return Ignore, nil
	}
	n.id = attr.RandomID()
	sess := xml.StartElement{Name: xml.Name{Space: ns.Session, Local: "session"}}
	err := n.s.Transport().Send(ctx, New(xml.StartElement{
		Name: xml.Name{Space: ns.Client, Local: "iq"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: "set"},
			{Name: xml.Name{Local: "id"}, Value: n.id},
		},
	}, sess, sess.End()))
	if err != nil {
		return Failure, err
	}
	return Incomplete, nil
}

func (n *sessionNegotiator) CanProcess(el Element) bool {
	return el.Name().Local == "iq" && el.Kind() == KindStanza && el.Attr("id") == n.id
}

func (n *sessionNegotiator) Process(ctx context.Context, el Element) (Result, error) {
	if typ := el.Attr("type"); typ != "result" {
		return Failure, fmt.Errorf("koine: session establishment refused: %s", el.String())
	}
	return Success, nil
}

func (n *sessionNegotiator) RestartRequired() bool {
	return false
}
