// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"mellium.im/xmlstream"

	"mellium.im/koine/internal/attr"
	"mellium.im/koine/internal/ns"
)

// ErrBindFailed is returned when the server refuses to bind a resource.
var ErrBindFailed = errors.New("koine: resource binding refused")

// BindResource is a stream feature that can be used for binding a resource.
// If resource is empty the server generates one.
// Once bound, the address assigned by the server is reported by the session's
// LocalAddr method.
func BindResource(resource string) StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Space: ns.Bind, Local: "bind"},
		Rank:       RankBind,
		Necessary:  Authn,
		Prohibited: Bind | Ready,
		Mask:       Bind,
		List: func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (bool, error) {
			if err := e.EncodeToken(start); err != nil {
				return true, err
			}
			return true, e.EncodeToken(start.End())
		},
		Parse: func(ctx context.Context, el Element) (bool, interface{}, error) {
			return true, nil, nil
		},
		New: func(s *Session, _ interface{}) Negotiator {
			return &bindNegotiator{s: s, resource: resource}
		},
	}
}

type bindNegotiator struct {
	s        *Session
	resource string
	id       string
}

func (n *bindNegotiator) Begin(ctx context.Context) (Result, error) {
	n.id = attr.RandomID()
	bind := xml.StartElement{Name: xml.Name{Space: ns.Bind, Local: "bind"}}
	var inner []xml.Token
	if n.resource != "" {
		res := xml.StartElement{Name: xml.Name{Space: ns.Bind, Local: "resource"}}
		inner = append(inner, bind, res, xml.CharData(n.resource), res.End(), bind.End())
	} else {
		inner = append(inner, bind, bind.End())
	}
	err := n.s.Transport().Send(ctx, New(xml.StartElement{
		Name: xml.Name{Space: ns.Client, Local: "iq"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: "set"},
			{Name: xml.Name{Local: "id"}, Value: n.id},
		},
	}, inner...))
	if err != nil {
		return Failure, err
	}
	return Incomplete, nil
}

func (n *bindNegotiator) CanProcess(el Element) bool {
	return el.Name().Local == "iq" && el.Kind() == KindStanza && el.Attr("id") == n.id
}

func (n *bindNegotiator) Process(ctx context.Context, el Element) (Result, error) {
	switch typ := el.Attr("type"); typ {
	case "result":
	case "error":
		return Failure, fmt.Errorf("%w: %s", ErrBindFailed, el.String())
	default:
		return Failure, fmt.Errorf("%w: unexpected iq type %q", ErrBindFailed, typ)
	}
	resp := struct {
		XMLName xml.Name `xml:"iq"`
		Bind    struct {
			JID string `xml:"jid"`
		} `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	}{}
	if err := el.Decode(&resp); err != nil {
		return Failure, err
	}
	if resp.Bind.JID == "" {
		return Failure, fmt.Errorf("%w: no address in response", ErrBindFailed)
	}
	n.s.setLocalAddr(resp.Bind.JID)
	n.s.Logger().Debug("bound resource", zap.String("addr", resp.Bind.JID))
	return Success, nil
}

func (n *bindNegotiator) RestartRequired() bool {
	return false
}
