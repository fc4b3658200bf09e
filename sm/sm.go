// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package sm implements stream management as defined by XEP-0198.
//
// Stream management counts the stanzas sent and received on a session so that
// either side can acknowledge what it has handled, and so that a session that
// was interrupted by a network failure can be resumed on a new transport
// without losing stanzas.
//
// A Manager holds the counters and the queue of unacknowledged stanzas.
// Its StreamFeature enables stream management on a new session, or resumes the
// previous session the Manager was restored from.
// The Registry is used by the receiving side to keep detached sessions around
// for a limited amount of time.
package sm // import "mellium.im/koine/sm"

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"

	"mellium.im/koine"
	"mellium.im/koine/internal/ns"
)

// NS is the namespace used by stream management.
const NS = ns.SM

// Errors returned by the sm package.
var (
	// ErrHandledTooHigh is returned when the peer acknowledges more stanzas than
	// were ever sent.
	ErrHandledTooHigh = errors.New("sm: peer acknowledged more stanzas than were sent")

	// ErrUnknownID is returned by the registry for a resumption id it never
	// issued or has already forgotten.
	ErrUnknownID = errors.New("sm: unknown resumption id")

	// ErrExpired is returned by the registry for a session whose resumption
	// window has passed.
	ErrExpired = errors.New("sm: resumption window expired")

	// ErrNotEnabled is returned when acknowledgements are requested before
	// stream management was enabled.
	ErrNotEnabled = errors.New("sm: stream management is not enabled")

	// ErrNotResumable is returned when resumption is attempted on a session
	// that did not enable it.
	ErrNotResumable = errors.New("sm: session is not resumable")
)

// Failed is returned when the peer refuses to enable or resume stream
// management.
// A refused resumption is final: the caller must establish a new session.
type Failed struct {
	// Condition is the stanza error condition sent by the peer, for instance
	// "item-not-found".
	Condition string

	// H is the number of stanzas the peer handled, if it told us.
	H    uint32
	HasH bool
}

func (f Failed) Error() string {
	if f.Condition == "" {
		return "sm: failed"
	}
	return fmt.Sprintf("sm: failed: %s", f.Condition)
}

// Is reports whether target is a Failed error with the same condition.
// A target without a condition matches any Failed error.
func (f Failed) Is(target error) bool {
	t, ok := target.(Failed)
	if !ok {
		return false
	}
	return t.Condition == "" || t.Condition == f.Condition
}

func parseFailed(el koine.Element) Failed {
	f := Failed{}
	if h, err := parseH(el); err == nil {
		f.H = h
		f.HasH = true
	}
	for _, c := range el.Children() {
		if c.Name().Space == ns.Stanza {
			f.Condition = c.Name().Local
			break
		}
	}
	return f
}

func parseH(el koine.Element) (uint32, error) {
	h, err := strconv.ParseUint(el.Attr("h"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("sm: bad h attribute on %s: %w", el.Name().Local, err)
	}
	return uint32(h), nil
}

func hAttr(h uint32) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: "h"}, Value: strconv.FormatUint(uint64(h), 10)}
}

func smElement(local string, attrs ...xml.Attr) koine.Element {
	return koine.New(xml.StartElement{
		Name: xml.Name{Space: NS, Local: local},
		Attr: attrs,
	})
}

// Ack returns an <a/> element acknowledging h handled stanzas.
func Ack(h uint32) koine.Element {
	return smElement("a", hAttr(h))
}

// Request returns an <r/> element asking the peer to acknowledge.
func Request() koine.Element {
	return smElement("r")
}

// FailedElement returns the <failed/> element used to refuse enable or resume
// requests.
func FailedElement(condition string, h uint32, withH bool) koine.Element {
	var attrs []xml.Attr
	if withH {
		attrs = append(attrs, hAttr(h))
	}
	cond := xml.StartElement{Name: xml.Name{Space: ns.Stanza, Local: condition}}
	return koine.New(xml.StartElement{
		Name: xml.Name{Space: NS, Local: "failed"},
		Attr: attrs,
	}, cond, cond.End())
}
