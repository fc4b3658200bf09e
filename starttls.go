// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"

	"mellium.im/koine/internal/ns"
	"mellium.im/koine/stream"
)

// StartTLS returns a new stream feature that can be used for negotiating TLS.
// If cfg is nil a default config is used with the server name set to the
// domain of the session.
// The advertisement lists the feature as required when required is true.
func StartTLS(required bool, cfg *tls.Config) StreamFeature {
	return StreamFeature{
		Name:       xml.Name{Local: "starttls", Space: ns.StartTLS},
		Rank:       RankStartTLS,
		Prohibited: Secure,
		Mask:       Secure,
		List: func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (req bool, err error) {
			if err = e.EncodeToken(start); err != nil {
				return required, err
			}
			if required {
				startRequired := xml.StartElement{Name: xml.Name{Space: "", Local: "required"}}
				if err = e.EncodeToken(startRequired); err != nil {
					return required, err
				}
				if err = e.EncodeToken(startRequired.End()); err != nil {
					return required, err
				}
			}
			return required, e.EncodeToken(start.End())
		},
		Parse: func(ctx context.Context, el Element) (bool, interface{}, error) {
			_, req := el.Child(xml.Name{Space: ns.StartTLS, Local: "required"})
			return req, nil, nil
		},
		New: func(s *Session, _ interface{}) Negotiator {
			c := cfg
			if c == nil {
				c = &tls.Config{
					ServerName: s.RemoteAddr(),
					MinVersion: tls.VersionTLS12,
				}
			}
			return &startTLS{s: s, cfg: c}
		},
	}
}

type startTLS struct {
	s   *Session
	cfg *tls.Config
}

func (n *startTLS) Begin(ctx context.Context) (Result, error) {
	err := n.s.Transport().Send(ctx, New(xml.StartElement{
		Name: xml.Name{Space: ns.StartTLS, Local: "starttls"},
	}))
	if err != nil {
		return Failure, err
	}
	return Incomplete, nil
}

func (n *startTLS) CanProcess(el Element) bool {
	return el.Name().Space == ns.StartTLS
}

func (n *startTLS) Process(ctx context.Context, el Element) (Result, error) {
	switch el.Name().Local {
	case "proceed":
		if err := n.s.Transport().SecureInPlace(ctx, n.cfg); err != nil {
			return Failure, err
		}
		return Restart, nil
	case "failure":
		return Failure, fmt.Errorf("koine: server refused to start TLS: %w", stream.PolicyViolation)
	}
	return Failure, stream.UnsupportedStanzaType
}

func (n *startTLS) RestartRequired() bool {
	return true
}
