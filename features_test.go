// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine_test

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"mellium.im/xmlstream"

	"mellium.im/koine"
	"mellium.im/koine/internal/xmpptest"
)

const exampleNS = "urn:example"

// recorder keeps the order in which features were negotiated.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.names, ",")
}

type recordNegotiator struct {
	name    string
	rec     *recorder
	begin   koine.Result
	restart bool
}

func (n recordNegotiator) Begin(context.Context) (koine.Result, error) {
	n.rec.add(n.name)
	return n.begin, nil
}

func (recordNegotiator) CanProcess(koine.Element) bool { return false }

func (recordNegotiator) Process(context.Context, koine.Element) (koine.Result, error) {
	return koine.Failure, errors.New("unexpected element")
}

func (n recordNegotiator) RestartRequired() bool { return n.restart }

func recordFeature(rec *recorder, local string, rank koine.Rank) koine.StreamFeature {
	return koine.StreamFeature{
		Name: xml.Name{Space: exampleNS, Local: local},
		Rank: rank,
		List: func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (bool, error) {
			if err := e.EncodeToken(start); err != nil {
				return false, err
			}
			return false, e.EncodeToken(start.End())
		},
		New: func(*koine.Session, interface{}) koine.Negotiator {
			return recordNegotiator{name: local, rec: rec}
		},
	}
}

func TestNegotiationOrder(t *testing.T) {
	enabled := func(rec *recorder) []koine.StreamFeature {
		return []koine.StreamFeature{
			recordFeature(rec, "session", koine.RankSession),
			recordFeature(rec, "bind", koine.RankBind),
			recordFeature(rec, "compression", koine.RankCompression),
			recordFeature(rec, "sasl", koine.RankSASL),
			recordFeature(rec, "starttls", koine.RankStartTLS),
		}
	}
	for i, advert := range []string{
		`<compression/><starttls/><sasl/><bind/><session/>`,
		`<session/><bind/><compression/><sasl/><starttls/>`,
		`<bind/><starttls/><session/><compression/><sasl/>`,
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			rec := &recorder{}
			tr := xmpptest.NewTransport(nil, `<stream:features xmlns='`+exampleNS+`'>`+advert+`</stream:features>`)
			s, err := koine.NewClientSession(context.Background(), "example.net", "test@example.net", tr, koine.StreamConfig{
				Features: enabled(rec),
			})
			if err != nil {
				t.Fatal(err)
			}
			const want = "starttls,sasl,compression,bind,session"
			if got := rec.String(); got != want {
				t.Errorf("wrong negotiation order: want=%s, got=%s", want, got)
			}
			if s.State()&koine.Ready == 0 {
				t.Error("expected session to be ready")
			}
			features := s.Features()
			for j := 1; j < len(features); j++ {
				if features[j-1].Rank > features[j].Rank {
					t.Errorf("features not reported in rank order: %+v", features)
				}
			}
		})
	}
}

func TestUnknownFeaturesAreInformational(t *testing.T) {
	rec := &recorder{}
	tr := xmpptest.NewTransport(nil, `<stream:features><c xmlns='http://jabber.org/protocol/caps' hash='sha-1' node='n' ver='v'/><bind xmlns='`+exampleNS+`'/></stream:features>`)
	s, err := koine.NewClientSession(context.Background(), "example.net", "test@example.net", tr, koine.StreamConfig{
		Features: []koine.StreamFeature{recordFeature(rec, "bind", koine.RankBind)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.String(); got != "bind" {
		t.Errorf("wrong features negotiated: %s", got)
	}
	features := s.Features()
	if len(features) != 2 {
		t.Fatalf("wrong number of features: want=2, got=%d", len(features))
	}
	if features[0].Rank != koine.RankInformational || features[0].Name.Local != "c" {
		t.Errorf("expected unknown feature to be informational and ordered first, got=%+v", features[0])
	}
}

func TestWriteFeatures(t *testing.T) {
	rec := &recorder{}
	tls := koine.StartTLS(true, nil)
	bind := koine.BindResource("")
	optional := recordFeature(rec, "opt", koine.RankCompression)
	for i, tc := range []struct {
		state koine.SessionState
		n     int
		req   int
		out   []string
	}{
		0: {state: 0, n: 2, req: 1, out: []string{"starttls", "opt"}},
		1: {state: koine.Secure, n: 1, req: 0, out: []string{"opt"}},
		2: {state: koine.Secure | koine.Authn, n: 2, req: 1, out: []string{"bind", "opt"}},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			var buf bytes.Buffer
			e := xml.NewEncoder(&buf)
			n, req, err := koine.WriteFeatures(context.Background(), e, tc.state, []koine.StreamFeature{tls, bind, optional})
			if err != nil {
				t.Fatal(err)
			}
			if n != tc.n || req != tc.req {
				t.Errorf("wrong counts: want=(%d, %d), got=(%d, %d)", tc.n, tc.req, n, req)
			}
			el := xmpptest.Element(buf.String())
			if el.Kind() != koine.KindFeatures {
				t.Fatalf("wrong advertisement: %s", buf.String())
			}
			var names []string
			for _, c := range el.Children() {
				names = append(names, c.Name().Local)
			}
			if strings.Join(names, ",") != strings.Join(tc.out, ",") {
				t.Errorf("wrong features written: want=%v, got=%v", tc.out, names)
			}
		})
	}
}

// tokenSlice is a token writer that cannot be flushed.
type tokenSlice []xml.Token

func (s *tokenSlice) EncodeToken(t xml.Token) error {
	*s = append(*s, xml.CopyToken(t))
	return nil
}

func TestWriteFeaturesNoFlush(t *testing.T) {
	var toks tokenSlice
	n, req, err := koine.WriteFeatures(context.Background(), &toks, koine.Secure|koine.Authn, []koine.StreamFeature{koine.BindResource("")})
	if err != nil {
		t.Fatalf("unexpected error writing to unflushable writer: %v", err)
	}
	if n != 1 || req != 1 {
		t.Errorf("wrong counts: want=(1, 1), got=(%d, %d)", n, req)
	}
	if len(toks) == 0 {
		t.Fatal("nothing written")
	}
	if end, ok := toks[len(toks)-1].(xml.EndElement); !ok || end.Name.Local != "features" {
		t.Errorf("advertisement not closed, last token=%#v", toks[len(toks)-1])
	}
}

func TestInvalidFeatureConfig(t *testing.T) {
	rec := &recorder{}
	noNegotiator := recordFeature(rec, "a", koine.RankBind)
	noNegotiator.New = nil
	for i, features := range [][]koine.StreamFeature{
		{recordFeature(rec, "a", koine.RankBind), recordFeature(rec, "a", koine.RankSession)},
		{{Rank: koine.RankBind}},
		{noNegotiator},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			tr := xmpptest.NewTransport(nil)
			_, err := koine.NewClientSession(context.Background(), "example.net", "test@example.net", tr, koine.StreamConfig{
				Features: features,
			})
			if err == nil {
				t.Fatal("expected invalid configuration to be rejected")
			}
			if n := len(tr.Opens()); n != 0 {
				t.Errorf("no stream should be opened with an invalid configuration, got %d", n)
			}
		})
	}
}
