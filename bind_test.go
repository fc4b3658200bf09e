// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine_test

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"strconv"
	"testing"

	"mellium.im/koine"
	"mellium.im/koine/internal/ns"
	"mellium.im/koine/internal/xmpptest"
)

func TestBindList(t *testing.T) {
	buf := &bytes.Buffer{}
	bind := koine.BindResource("")
	e := xml.NewEncoder(buf)
	start := xml.StartElement{Name: xml.Name{Space: ns.Bind, Local: "bind"}}
	req, err := bind.List(context.Background(), e, start)
	if err != nil {
		t.Fatal(err)
	}
	if err = e.Flush(); err != nil {
		t.Fatal(err)
	}
	if !req {
		t.Error("Bind must always be required")
	}
	if out := buf.String(); out != `<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"></bind>` {
		t.Errorf("Unexpected output for bind: %s", out)
	}
}

func TestBindAvailability(t *testing.T) {
	bind := koine.BindResource("")
	for i, tc := range []struct {
		state     koine.SessionState
		available bool
	}{
		0: {state: 0},
		1: {state: koine.Secure},
		2: {state: koine.Secure | koine.Authn, available: true},
		3: {state: koine.Authn | koine.Bind},
		4: {state: koine.Authn | koine.Ready},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			var buf bytes.Buffer
			e := xml.NewEncoder(&buf)
			n, _, err := koine.WriteFeatures(context.Background(), e, tc.state, []koine.StreamFeature{bind})
			if err != nil {
				t.Fatal(err)
			}
			if (n == 1) != tc.available {
				t.Errorf("wrong availability for state %b: want=%t, got=%t", tc.state, tc.available, n == 1)
			}
		})
	}
}

func bindHandler(typ, addr string) func(koine.Element) string {
	return func(el koine.Element) string {
		if el.Name().Local != "iq" {
			return ""
		}
		if typ == "error" {
			return `<iq type='error' id='` + el.Attr("id") + `'><error type='cancel'><not-allowed xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`
		}
		return `<iq type='result' id='` + el.Attr("id") + `'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>` + addr + `</jid></bind></iq>`
	}
}

func TestBindNegotiation(t *testing.T) {
	for i, tc := range []struct {
		resource string
		typ      string
		addr     string
		err      error
	}{
		0: {
			resource: "res",
			typ:      "result",
			addr:     "test@example.net/res",
		},
		1: {
			typ:  "result",
			addr: "test@example.net/generated",
		},
		2: {
			resource: "res",
			typ:      "error",
			addr:     "test@example.net",
			err:      koine.ErrBindFailed,
		},
		3: {
			// A result without an address is refused.
			typ:  "result",
			addr: "",
			err:  koine.ErrBindFailed,
		},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			s, tr := xmpptest.NewSession(koine.Secure|koine.Authn, bindHandler(tc.typ, tc.addr))
			feature := koine.BindResource(tc.resource)
			res, err := xmpptest.Negotiate(context.Background(), feature.New(s, nil), tr)
			if !errors.Is(err, tc.err) {
				t.Fatalf("wrong error: want=%v, got=%v", tc.err, err)
			}
			if tc.err != nil {
				if res != koine.Failure {
					t.Errorf("wrong result: want=%v, got=%v", koine.Failure, res)
				}
				if addr := s.LocalAddr(); addr != "test@example.net" {
					t.Errorf("address should not change on failure, got=%s", addr)
				}
				return
			}
			if res != koine.Success {
				t.Errorf("wrong result: want=%v, got=%v", koine.Success, res)
			}
			if addr := s.LocalAddr(); addr != tc.addr {
				t.Errorf("wrong local address: want=%s, got=%s", tc.addr, addr)
			}
			sent := tr.Sent()
			if len(sent) == 0 {
				t.Fatal("no bind request sent")
			}
			req := struct {
				Bind struct {
					XMLName  xml.Name
					Resource *string `xml:"resource"`
				} `xml:"bind"`
			}{}
			if err := sent[0].Decode(&req); err != nil {
				t.Fatalf("error decoding bind request: %v", err)
			}
			if req.Bind.XMLName.Space != ns.Bind {
				t.Errorf("wrong bind namespace: want=%s, got=%s", ns.Bind, req.Bind.XMLName.Space)
			}
			switch {
			case tc.resource == "" && req.Bind.Resource != nil:
				t.Errorf("did not expect a resource to be requested, got=%q", *req.Bind.Resource)
			case tc.resource != "" && req.Bind.Resource == nil:
				t.Errorf("expected resource %q to be requested", tc.resource)
			case tc.resource != "" && *req.Bind.Resource != tc.resource:
				t.Errorf("wrong resource requested: want=%q, got=%q", tc.resource, *req.Bind.Resource)
			}
		})
	}
}

func TestBindIgnoresOtherIQs(t *testing.T) {
	s, tr := xmpptest.NewSession(koine.Secure|koine.Authn, nil)
	neg := koine.BindResource("").New(s, nil)
	res, err := neg.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res != koine.Incomplete {
		t.Fatalf("wrong result from begin: want=%v, got=%v", koine.Incomplete, res)
	}
	if neg.CanProcess(xmpptest.Element(`<iq type='result' id='other'/>`)) {
		t.Error("bind should not process responses to other requests")
	}
	id := tr.Sent()[0].Attr("id")
	if !neg.CanProcess(xmpptest.Element(`<iq type='result' id='` + id + `'/>`)) {
		t.Error("bind should process the response to its own request")
	}
}
