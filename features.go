// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"context"
	"encoding/xml"
	"sort"

	"mellium.im/xmlstream"

	"mellium.im/koine/internal/ns"
)

// Rank orders the features of a single advertisement.
// Lower ranks are always negotiated first.
// Ranks describe a category of feature, they are not comparable with any
// priority value a server may attach to a feature.
type Rank int

// Ranks of the features known to this module.
const (
	RankStartTLS Rank = iota
	RankSASL
	RankCompression
	RankBind
	RankSession
	RankStreamManagement

	// RankResume is used by stream management when resuming a previous session.
	// Resumption takes the place of resource binding, so it is ordered directly
	// after authentication.
	RankResume = RankSASL

	// RankInformational marks features that are parsed from the advertisement
	// but never negotiated (for instance entity capabilities).
	RankInformational Rank = -1
)

// Result is the outcome of a single negotiation step.
type Result uint8

// A list of negotiation results.
const (
	// Success means the feature was negotiated and the driver may move on to the
	// next feature in the advertisement.
	Success Result = iota

	// Failure aborts the session with the error returned by the negotiator.
	Failure

	// Incomplete means the negotiator expects more elements.
	Incomplete

	// Ignore means the element was not relevant to the negotiator.
	// When returned from Begin the feature is skipped.
	Ignore

	// Restart means the stream must be reopened and a new advertisement awaited.
	Restart
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Incomplete:
		return "incomplete"
	case Ignore:
		return "ignore"
	case Restart:
		return "restart"
	}
	return "unknown"
}

// Feature is a single entry of a <stream:features/> advertisement.
type Feature struct {
	Name      xml.Name
	Rank      Rank
	Mandatory bool

	// Data is whatever the feature's Parse function extracted from the
	// advertisement, for example the list of SASL mechanisms.
	Data interface{}
}

// Negotiator drives a single feature for the lifetime of one negotiation
// round.
// Negotiators are created by a StreamFeature and are owned exclusively by the
// negotiation driver; they are never used concurrently.
type Negotiator interface {
	// Begin sends the initiating request, if any.
	Begin(ctx context.Context) (Result, error)

	// CanProcess reports whether el is a response this negotiator understands.
	CanProcess(el Element) bool

	// Process handles a response for which CanProcess returned true.
	Process(ctx context.Context, el Element) (Result, error)

	// RestartRequired reports whether the stream must be restarted once the
	// negotiator has succeeded.
	RestartRequired() bool
}

// A StreamFeature represents a feature that may be selected during stream
// negotiation.
// Features should be stateless and usable from multiple goroutines; all per
// round state belongs to the Negotiator returned by New.
type StreamFeature struct {
	// The XML name of the feature in the <stream:feature/> list.
	// If a start element with this name is seen while the session is reading the
	// features list, it will trigger this StreamFeature's Parse function.
	Name xml.Name

	// Rank determines the order in which the feature is negotiated.
	Rank Rank

	// Bits that are required before this feature is advertised.
	// For instance, if this feature should only be advertised after the user is
	// authenticated we might set this to "Authn" or if it should be advertised
	// only after the feature is authenticated and encrypted we might set this to
	// "Authn|Secure".
	Necessary SessionState

	// Bits that must be off for this feature to be advertised.
	// For instance, if this feature should only be advertised before the
	// connection is authenticated (eg. if the feature performs authentication
	// itself), we might set this to "Authn".
	Prohibited SessionState

	// Mask is set on the session once the feature has been negotiated.
	Mask SessionState

	// Used to send the feature in a features list for server connections.
	List func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (req bool, err error)

	// Used to parse the feature from the advertisement.
	// Returns whether or not the feature is required, and any data that will be
	// needed if the feature is selected for negotiation (eg. the list of
	// mechanisms if the feature was SASL).
	Parse func(ctx context.Context, el Element) (req bool, data interface{}, err error)

	// New returns a negotiator for a single round.
	// Informational features leave New nil.
	New func(s *Session, data interface{}) Negotiator
}

func (f StreamFeature) available(state SessionState) bool {
	return state&f.Necessary == f.Necessary && state&f.Prohibited == 0
}

// WriteFeatures writes a <stream:features/> advertisement containing every
// feature whose Necessary and Prohibited bits match state.
// It returns the number of features written (zero means we've reached the
// end of negotiation), and the number of required features written (zero
// means we've potentially reached the end of negotiation, but the other side
// may negotiate more optional features).
func WriteFeatures(ctx context.Context, e xmlstream.TokenWriter, state SessionState, features []StreamFeature) (n, req int, err error) {
	start := xml.StartElement{Name: xml.Name{Space: ns.Stream, Local: "features"}}
	if err = e.EncodeToken(start); err != nil {
		return n, req, err
	}
	for _, feature := range features {
		if !feature.available(state) || feature.List == nil {
			continue
		}
		r, err := feature.List(ctx, e, xml.StartElement{Name: feature.Name})
		if err != nil {
			return n, req, err
		}
		if r {
			req++
		}
		n++
	}
	err = e.EncodeToken(start.End())
	if err != nil {
		return n, req, err
	}
	if f, ok := e.(xmlstream.Flusher); ok {
		return n, req, f.Flush()
	}
	return n, req, nil
}

// candidate is an advertised feature and the enabled feature that matches it,
// if any.
type candidate struct {
	Feature
	sf *StreamFeature
}

// parseFeatures turns an advertisement into candidates in negotiation order.
// Entries without a matching enabled feature are kept so that mandatory
// entries can be reported.
// Necessary bits are not checked here since an earlier feature of the same
// advertisement may still set them.
func parseFeatures(ctx context.Context, el Element, state SessionState, enabled []StreamFeature) ([]candidate, error) {
	var list []candidate
	for _, child := range el.Children() {
		c := candidate{
			Feature: Feature{Name: child.Name()},
		}
		for j := range enabled {
			sf := &enabled[j]
			if sf.Name != c.Name || state&sf.Prohibited != 0 {
				continue
			}
			c.sf = sf
			c.Rank = sf.Rank
			if sf.Parse != nil {
				req, data, err := sf.Parse(ctx, child)
				if err != nil {
					return nil, err
				}
				c.Mandatory = req
				c.Data = data
			}
			break
		}
		if c.sf == nil {
			_, c.Mandatory = child.Child(xml.Name{Space: child.Name().Space, Local: "required"})
			c.Rank = RankInformational
		}
		list = append(list, c)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Rank < list[j].Rank
	})
	return list, nil
}
