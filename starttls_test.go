// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine_test

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"testing"

	"mellium.im/koine"
	"mellium.im/koine/internal/ns"
	"mellium.im/koine/internal/xmpptest"
	"mellium.im/koine/stream"
)

// There is no room for variation on the starttls feature listing, so step
// through the list process token for token.
func TestStartTLSList(t *testing.T) {
	for _, req := range []bool{true, false} {
		stls := koine.StartTLS(req, nil)
		var b bytes.Buffer
		e := xml.NewEncoder(&b)
		r, err := stls.List(context.Background(), e, xml.StartElement{Name: stls.Name})
		switch {
		case err != nil:
			t.Fatal(err)
		case r != req:
			t.Errorf("expected StartTLS listing required to be %v but got %v", req, r)
		}
		if err = e.Flush(); err != nil {
			t.Fatal(err)
		}

		el := xmpptest.Element(b.String())
		if el.Name() != stls.Name {
			t.Errorf("expected %+v but got %+v", stls.Name, el.Name())
		}
		_, hasRequired := el.Child(xml.Name{Space: ns.StartTLS, Local: "required"})
		if hasRequired != req {
			t.Errorf("wrong required child: want=%t, got=%t", req, hasRequired)
		}
		parsedReq, _, err := stls.Parse(context.Background(), el)
		if err != nil {
			t.Fatal(err)
		}
		if parsedReq != req {
			t.Errorf("parsed wrong required value: want=%t, got=%t", req, parsedReq)
		}
	}
}

var errHandshake = errors.New("handshake failed")

func TestStartTLSNegotiation(t *testing.T) {
	const starttls = `<starttls xmlns="urn:ietf:params:xml:ns:xmpp-tls"></starttls>`
	xmpptest.RunFeatureTests(t, []xmpptest.FeatureTestCase{
		0: {
			Feature: koine.StartTLS(false, nil),
			In:      `<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`,
			Out:     starttls,
			Result:  koine.Restart,
		},
		1: {
			Feature:   koine.StartTLS(true, nil),
			Mandatory: true,
			In:        `<failure xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`,
			Out:       starttls,
			Result:    koine.Failure,
			Err:       stream.PolicyViolation,
		},
	})
}

func TestStartTLSHandshakeError(t *testing.T) {
	tr := xmpptest.NewTransport(func(koine.Element) string {
		return `<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`
	})
	tr.SecureErr = errHandshake
	s := koine.NewSession("example.net", "test@example.net", tr, 0, koine.StreamConfig{})
	feature := koine.StartTLS(true, nil)
	res, err := xmpptest.Negotiate(context.Background(), feature.New(s, nil), tr)
	if !errors.Is(err, errHandshake) {
		t.Errorf("wrong error: want=%v, got=%v", errHandshake, err)
	}
	if res != koine.Failure {
		t.Errorf("wrong result: want=%v, got=%v", koine.Failure, res)
	}
	if tr.Secure() {
		t.Error("transport should not be secure after a failed handshake")
	}
}
