// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpptest

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"mellium.im/koine"
)

// FeatureTestCase is a data driven test for stream feature negotiation.
type FeatureTestCase struct {
	State   koine.SessionState
	Feature koine.StreamFeature

	// Advert is the advertised feature element.
	// If empty the output of the feature's List function is used.
	Advert string

	// Mandatory is the expected result of parsing the advertisement.
	Mandatory bool

	// In holds the replies of the peer, Out the elements we expect to be sent.
	In  string
	Out string

	Result koine.Result
	Err    error
}

// RunFeatureTests simulates a stream feature negotiation and tests the output.
func RunFeatureTests(t *testing.T, tcs []FeatureTestCase) {
	for i, tc := range tcs {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			advert := tc.Advert
			if advert == "" {
				var buf bytes.Buffer
				e := xml.NewEncoder(&buf)
				_, err := tc.Feature.List(ctx, e, xml.StartElement{Name: tc.Feature.Name})
				if err != nil {
					t.Fatalf("error listing feature: %v", err)
				}
				if err = e.Flush(); err != nil {
					t.Fatalf("error flushing listing: %v", err)
				}
				advert = buf.String()
			}
			req, data, err := tc.Feature.Parse(ctx, Element(advert))
			if err != nil {
				t.Fatalf("error parsing feature: %v", err)
			}
			if req != tc.Mandatory {
				t.Errorf("wrong mandatory value: want=%t, got=%t", tc.Mandatory, req)
			}

			tr := NewTransport(nil)
			tr.Push(tc.In)
			s := koine.NewSession("example.net", "test@example.net", tr, tc.State, koine.StreamConfig{
				Logger: zaptest.NewLogger(t),
			})
			res, err := Negotiate(ctx, tc.Feature.New(s, data), tr)
			switch {
			case tc.Err == nil && err != nil:
				t.Errorf("unexpected error during negotiation: %v", err)
			case tc.Err != nil && !errors.Is(err, tc.Err):
				t.Errorf("wrong error during negotiation: want=%v, got=%v", tc.Err, err)
			}
			if res != tc.Result {
				t.Errorf("wrong result: want=%v, got=%v", tc.Result, res)
			}
			if out := tr.SentXML(); out != tc.Out {
				t.Errorf("wrong output:\nwant=%s,\n got=%s", tc.Out, out)
			}
		})
	}
}

// Negotiate runs a single negotiator to completion against a transport in the
// same way the session does.
func Negotiate(ctx context.Context, neg koine.Negotiator, tr koine.Transport) (koine.Result, error) {
	res, err := neg.Begin(ctx)
	for err == nil && res == koine.Incomplete {
		var el koine.Element
		el, err = tr.Receive(ctx)
		if err != nil {
			return koine.Failure, err
		}
		if !neg.CanProcess(el) {
			continue
		}
		res, err = neg.Process(ctx, el)
		if res == koine.Ignore {
			res = koine.Incomplete
		}
	}
	return res, err
}
