// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides utilities for XMPP testing.
package xmpptest // import "mellium.im/koine/internal/xmpptest"

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"io"
	"strings"
	"sync"

	"mellium.im/koine"
	"mellium.im/koine/internal/ns"
	"mellium.im/koine/stream"
)

// Elements parses a string of concatenated top level elements.
// The stream prefix and the jabber:client namespace are predeclared.
// Elements panics on error for ease of use in testing, where a panic is
// acceptable.
func Elements(s string) []koine.Element {
	d := xml.NewDecoder(strings.NewReader(`<wrap xmlns='` + ns.Client + `' xmlns:stream='` + stream.NS + `'>` + s + `</wrap>`))
	if _, err := d.Token(); err != nil {
		panic(err)
	}
	var out []koine.Element
	for {
		el, err := koine.ReadElement(d)
		if err == io.EOF {
			return out
		}
		if err != nil {
			panic(err)
		}
		out = append(out, el)
	}
}

// Element is like Elements but returns a single element.
func Element(s string) koine.Element {
	els := Elements(s)
	if len(els) != 1 {
		panic("xmpptest: expected exactly one element")
	}
	return els[0]
}

// Transport is an in-memory koine.Transport backed by a scripted peer.
type Transport struct {
	// Features holds the advertisement sent after each stream header.
	// Once exhausted an empty advertisement is sent.
	Features []string

	// Handler is called with every sent element and returns the reply of the
	// peer, if any, as XML.
	Handler func(el koine.Element) string

	// SecureErr is returned from SecureInPlace.
	SecureErr error

	mu      sync.Mutex
	notify  chan struct{}
	pending []koine.Element
	opens   []stream.Info
	sent    []koine.Element
	secure  bool
	closed  bool
}

// NewTransport returns a transport that replies to each sent element with
// the output of handler.
func NewTransport(handler func(koine.Element) string, features ...string) *Transport {
	return &Transport{
		Features: features,
		Handler:  handler,
	}
}

func (t *Transport) signal() {
	t.mu.Lock()
	if t.notify == nil {
		t.notify = make(chan struct{}, 1)
	}
	c := t.notify
	t.mu.Unlock()
	select {
	case c <- struct{}{}:
	default:
	}
}

// Push queues elements as if they were sent by the peer.
func (t *Transport) Push(s string) {
	if s == "" {
		return
	}
	els := Elements(s)
	t.mu.Lock()
	t.pending = append(t.pending, els...)
	t.mu.Unlock()
	t.signal()
}

// Open satisfies koine.Transport.
func (t *Transport) Open(ctx context.Context, hdr stream.Info) (stream.Info, error) {
	t.mu.Lock()
	n := len(t.opens)
	t.opens = append(t.opens, hdr)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return stream.Info{}, io.ErrClosedPipe
	}
	features := `<stream:features/>`
	if n < len(t.Features) {
		features = t.Features[n]
	}
	t.Push(features)
	return stream.Info{
		ID:      "123",
		To:      hdr.From,
		From:    hdr.To,
		XMLNS:   ns.Client,
		Version: stream.DefaultVersion,
	}, nil
}

// Send satisfies koine.Transport.
func (t *Transport) Send(ctx context.Context, el koine.Element) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	t.sent = append(t.sent, el)
	handler := t.Handler
	t.mu.Unlock()
	if handler != nil {
		t.Push(handler(el))
	}
	return nil
}

// Receive satisfies koine.Transport.
func (t *Transport) Receive(ctx context.Context) (koine.Element, error) {
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			el := t.pending[0]
			t.pending = t.pending[1:]
			t.mu.Unlock()
			return el, nil
		}
		if t.closed {
			t.mu.Unlock()
			return koine.Element{}, io.EOF
		}
		if t.notify == nil {
			t.notify = make(chan struct{}, 1)
		}
		c := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return koine.Element{}, ctx.Err()
		case <-c:
		}
	}
}

// Close satisfies koine.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.signal()
	return nil
}

// Secure satisfies koine.Transport.
func (t *Transport) Secure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.secure
}

// SecureInPlace satisfies koine.Transport.
func (t *Transport) SecureInPlace(ctx context.Context, cfg *tls.Config) error {
	if t.SecureErr != nil {
		return t.SecureErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.secure = true
	return nil
}

// Sent returns the elements sent so far.
func (t *Transport) Sent() []koine.Element {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]koine.Element, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentXML returns the concatenated encoding of the elements sent so far.
func (t *Transport) SentXML() string {
	var b strings.Builder
	for _, el := range t.Sent() {
		b.WriteString(el.String())
	}
	return b.String()
}

// Opens returns every stream header that was sent.
func (t *Transport) Opens() []stream.Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]stream.Info, len(t.opens))
	copy(out, t.opens)
	return out
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// NewSession returns a session over a new Transport with the given state
// bits set, the origin set to "test@example.net" and the location set to
// "example.net".
func NewSession(state koine.SessionState, handler func(koine.Element) string) (*koine.Session, *Transport) {
	t := NewTransport(handler)
	return koine.NewSession("example.net", "test@example.net", t, state, koine.StreamConfig{}), t
}
