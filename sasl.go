// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"

	"mellium.im/sasl"
	"mellium.im/xmlstream"

	"mellium.im/koine/internal/ns"
	"mellium.im/koine/internal/saslerr"
	"mellium.im/koine/stream"
)

// ErrNoMechanism is returned when none of the configured SASL mechanisms were
// offered by the server.
var ErrNoMechanism = errors.New("koine: no matching SASL mechanisms found")

// SASL returns a stream feature for performing authentication using the Simple
// Authentication and Security Layer (SASL) as defined in RFC 4422.
// It panics if no mechanisms are specified.
// The order in which mechanisms are specified will be the preferred order, so
// stronger mechanisms should be listed first.
//
// Identity is used when a user wants to act on behalf of another user.
// For instance, an admin might want to log in as another user to help them
// troubleshoot an issue.
// Normally it is left blank.
func SASL(identity, username, password string, mechanisms ...sasl.Mechanism) StreamFeature {
	if len(mechanisms) == 0 {
		panic("koine: must specify at least 1 SASL mechanism")
	}
	return StreamFeature{
		Name:       xml.Name{Space: ns.SASL, Local: "mechanisms"},
		Rank:       RankSASL,
		Necessary:  Secure,
		Prohibited: Authn,
		Mask:       Authn,
		List: func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (req bool, err error) {
			if err = e.EncodeToken(start); err != nil {
				return true, err
			}

			startMechanism := xml.StartElement{Name: xml.Name{Space: "", Local: "mechanism"}}
			for _, m := range mechanisms {
				select {
				case <-ctx.Done():
					return true, ctx.Err()
				default:
				}

				if err = e.EncodeToken(startMechanism); err != nil {
					return true, err
				}
				if err = e.EncodeToken(xml.CharData(m.Name)); err != nil {
					return true, err
				}
				if err = e.EncodeToken(startMechanism.End()); err != nil {
					return true, err
				}
			}
			return true, e.EncodeToken(start.End())
		},
		Parse: func(ctx context.Context, el Element) (bool, interface{}, error) {
			parsed := struct {
				XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
				List    []string `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanism"`
			}{}
			err := el.Decode(&parsed)
			return true, parsed.List, err
		},
		New: func(s *Session, data interface{}) Negotiator {
			remote, _ := data.([]string)
			return &saslNegotiator{
				s:          s,
				remote:     remote,
				mechanisms: mechanisms,
				identity:   identity,
				username:   username,
				password:   password,
			}
		},
	}
}

type saslNegotiator struct {
	s          *Session
	remote     []string
	mechanisms []sasl.Mechanism
	identity   string
	username   string
	password   string

	client *sasl.Negotiator
	more   bool
}

func (n *saslNegotiator) Begin(ctx context.Context) (Result, error) {
	// Select a mechanism, preferring the client order.
	var selected sasl.Mechanism
selectmechanism:
	for _, m := range n.mechanisms {
		for _, name := range n.remote {
			if name == m.Name {
				selected = m
				break selectmechanism
			}
		}
	}
	if selected.Name == "" {
		return Failure, ErrNoMechanism
	}

	// Create a new SASL client and give it access to credentials, other
	// mechanisms advertised by the server, and the TLS session state if
	// possible (for channel binding mechanisms).
	opts := []sasl.Option{
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return []byte(n.username), []byte(n.password), []byte(n.identity)
		}),
		sasl.RemoteMechanisms(n.remote...),
	}
	if cs, ok := n.s.Transport().(ConnectionStater); ok {
		if state := cs.ConnectionState(); state.Version != 0 {
			opts = append(opts, sasl.TLSState(state))
		}
	}
	n.client = sasl.NewClient(selected, opts...)

	// Calculate the initial response
	more, resp, err := n.client.Step(nil)
	if err != nil {
		return Failure, err
	}
	n.more = more
	n.s.Logger().Debug("starting SASL")

	start := xml.StartElement{
		Name: xml.Name{Space: ns.SASL, Local: "auth"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "mechanism"}, Value: selected.Name}},
	}
	err = n.s.Transport().Send(ctx, NewText(start, encodeSASL(resp)))
	if err != nil {
		return Failure, err
	}
	return Incomplete, nil
}

// encodeSASL applies the base64 encoding used on the wire.
// RFC6120 §6.4.2:
//
//	If the initiating entity needs to send a zero-length initial
//	response, it MUST transmit the response as a single equals sign
//	character ("="), which indicates that the response is present but
//	contains no data.
func encodeSASL(resp []byte) string {
	if len(resp) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(resp)
}

func decodeSASL(s string) ([]byte, error) {
	if s == "" || s == "=" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, saslerr.Failure{Condition: saslerr.IncorrectEncoding}
	}
	return b, nil
}

func (n *saslNegotiator) CanProcess(el Element) bool {
	if el.Name().Space != ns.SASL {
		return false
	}
	switch el.Name().Local {
	case "challenge", "success", "failure":
		return true
	}
	return false
}

func (n *saslNegotiator) Process(ctx context.Context, el Element) (Result, error) {
	switch el.Name().Local {
	case "failure":
		fail := saslerr.Failure{}
		if err := el.Decode(&fail); err != nil {
			return Failure, err
		}
		return Failure, fail
	case "challenge":
		if !n.more {
			return Failure, stream.UnsupportedStanzaType
		}
		challenge, err := decodeSASL(el.Text())
		if err != nil {
			return Failure, err
		}
		more, resp, err := n.client.Step(challenge)
		if err != nil {
			return Failure, err
		}
		n.more = more
		err = n.s.Transport().Send(ctx, NewText(xml.StartElement{
			Name: xml.Name{Space: ns.SASL, Local: "response"},
		}, encodeSASL(resp)))
		if err != nil {
			return Failure, err
		}
		return Incomplete, nil
	}

	// <success/> may carry additional data, for instance the server signature
	// of SCRAM mechanisms, which must still be verified.
	if n.more {
		additional, err := decodeSASL(el.Text())
		if err != nil {
			return Failure, err
		}
		_, _, err = n.client.Step(additional)
		if err != nil {
			return Failure, err
		}
	}
	n.s.Logger().Debug("authenticated")
	return Success, nil
}

func (n *saslNegotiator) RestartRequired() bool {
	return true
}
