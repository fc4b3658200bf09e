// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sm_test

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"mellium.im/sasl"

	"mellium.im/koine"
	"mellium.im/koine/internal/xmpptest"
	"mellium.im/koine/sm"
)

func message(id int) koine.Element {
	return xmpptest.Element(`<message id='` + strconv.Itoa(id) + `'/>`)
}

func ids(els []koine.Element) []string {
	var out []string
	for _, el := range els {
		out = append(out, el.Attr("id"))
	}
	return out
}

func TestAckIsIdempotent(t *testing.T) {
	m := sm.New(sm.Config{})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Outbound(ctx, message(i)))
	}
	// Management elements are never counted.
	require.NoError(t, m.Outbound(ctx, sm.Request()))
	require.Equal(t, uint32(5), m.Sent())

	require.NoError(t, m.Ack(3))
	require.Equal(t, []string{"4", "5"}, ids(m.Unacked()))
	require.NoError(t, m.Ack(3))
	require.Equal(t, []string{"4", "5"}, ids(m.Unacked()))

	require.ErrorIs(t, m.Ack(9), sm.ErrHandledTooHigh)
	require.Equal(t, []string{"4", "5"}, ids(m.Unacked()))

	require.NoError(t, m.Ack(5))
	require.Empty(t, m.Unacked())
}

func TestInbound(t *testing.T) {
	ctx := context.Background()
	tr := xmpptest.NewTransport(nil)
	reg := sm.NewRegistry()
	m, _ := reg.Enable(tr)

	handled, err := m.Inbound(ctx, message(1))
	require.NoError(t, err)
	assert.False(t, handled)
	handled, err = m.Inbound(ctx, xmpptest.Element(`<presence/>`))
	require.NoError(t, err)
	assert.False(t, handled)
	require.Equal(t, uint32(2), m.Handled())

	handled, err = m.Inbound(ctx, sm.Request())
	require.NoError(t, err)
	assert.True(t, handled)
	require.Equal(t, `<a xmlns="urn:xmpp:sm:3" h="2"></a>`, tr.SentXML())

	require.NoError(t, m.Outbound(ctx, message(1)))
	handled, err = m.Inbound(ctx, xmpptest.Element(`<a xmlns='urn:xmpp:sm:3' h='1'/>`))
	require.NoError(t, err)
	assert.True(t, handled)
	require.Empty(t, m.Unacked())

	_, err = m.Inbound(ctx, xmpptest.Element(`<a xmlns='urn:xmpp:sm:3' h='nope'/>`))
	require.Error(t, err)
}

func TestRequestBeforeEnable(t *testing.T) {
	m := sm.New(sm.Config{})
	require.ErrorIs(t, m.Request(context.Background()), sm.ErrNotEnabled)
	_, err := m.Resumption()
	require.ErrorIs(t, err, sm.ErrNotResumable)
}

func TestEnableFeature(t *testing.T) {
	m := sm.New(sm.Config{Resume: true, Max: 5 * time.Minute})
	xmpptest.RunFeatureTests(t, []xmpptest.FeatureTestCase{
		0: {
			State:   koine.Authn | koine.Bind,
			Feature: m.StreamFeature(),
			In:      `<enabled xmlns='urn:xmpp:sm:3' id='abc' resume='true' max='60'/>`,
			Out:     `<enable xmlns="urn:xmpp:sm:3" resume="true" max="300"></enable>`,
			Result:  koine.Success,
		},
		1: {
			State:   koine.Authn | koine.Bind,
			Feature: sm.New(sm.Config{}).StreamFeature(),
			In:      `<failed xmlns='urn:xmpp:sm:3'><unexpected-request xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></failed>`,
			Out:     `<enable xmlns="urn:xmpp:sm:3"></enable>`,
			Result:  koine.Failure,
			Err:     sm.Failed{Condition: "unexpected-request"},
		},
	})

	require.True(t, m.Enabled())
	require.Equal(t, "abc", m.ID())
	r, err := m.Resumption()
	require.NoError(t, err)
	require.Equal(t, time.Minute, r.Max)
}

const (
	saslFeatures = `<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	bindFeatures = `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/><sm xmlns='urn:xmpp:sm:3'/></stream:features>`
)

// server answers authentication, binding and stream management requests.
// resume is the reply to <resume/>.
func server(resume string) func(koine.Element) string {
	return func(el koine.Element) string {
		switch el.Name().Local {
		case "auth":
			return `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`
		case "iq":
			return `<iq type='result' id='` + el.Attr("id") + `'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>test@example.net/res</jid></bind></iq>`
		case "enable":
			return `<enabled xmlns='urn:xmpp:sm:3' id='abc' resume='true'/>`
		case "resume":
			return resume
		}
		return ""
	}
}

func newSession(t *testing.T, m *sm.Manager, resume string) (*koine.Session, *xmpptest.Transport, error) {
	tr := xmpptest.NewTransport(server(resume), saslFeatures, bindFeatures)
	require.NoError(t, tr.SecureInPlace(context.Background(), nil))
	s, err := koine.NewClientSession(context.Background(), "example.net", "test@example.net", tr, koine.StreamConfig{
		Logger: zaptest.NewLogger(t),
		Features: []koine.StreamFeature{
			koine.SASL("", "test", "pass", sasl.Plain),
			koine.BindResource("res"),
			m.StreamFeature(),
		},
	})
	return s, tr, err
}

// detached runs a session with stream management enabled, sends three
// messages of which the server acknowledges one and returns the state.
func detached(t *testing.T) sm.Resumption {
	ctx := context.Background()
	m := sm.New(sm.Config{Resume: true})
	s, tr, err := newSession(t, m, "")
	require.NoError(t, err)
	require.True(t, m.Enabled())
	require.Equal(t, "test@example.net/res", s.LocalAddr())

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Send(ctx, message(i)))
	}
	tr.Push(`<a xmlns='urn:xmpp:sm:3' h='1'/><message id='in'/>`)
	el, err := s.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "in", el.Attr("id"))

	r, err := m.Resumption()
	require.NoError(t, err)
	require.Equal(t, "abc", r.ID)
	require.Equal(t, uint32(1), r.In)
	require.Equal(t, uint32(3), r.Out)
	require.Equal(t, []string{"2", "3"}, ids(r.Unacked))
	return r
}

func TestResume(t *testing.T) {
	r := detached(t)

	m := sm.New(sm.Config{Prev: &r})
	s, tr, err := newSession(t, m, `<resumed xmlns='urn:xmpp:sm:3' previd='abc' h='2'/>`)
	require.NoError(t, err)
	require.Equal(t, koine.Secure|koine.Authn|koine.Bind|koine.Ready, s.State())

	var sent []string
	for _, el := range tr.Sent() {
		sent = append(sent, el.Name().Local)
	}
	// Binding is skipped and the unacknowledged message is resent.
	require.Equal(t, []string{"auth", "resume", "message"}, sent)
	resume := tr.Sent()[1].String()
	assert.True(t, strings.Contains(resume, `previd="abc"`), resume)
	assert.True(t, strings.Contains(resume, `h="1"`), resume)
	require.Equal(t, "3", tr.Sent()[2].Attr("id"))

	// Counting continues where the previous session left off.
	require.NoError(t, s.Send(context.Background(), message(4)))
	require.Equal(t, uint32(4), m.Sent())
	require.Equal(t, []string{"3", "4"}, ids(m.Unacked()))
}

func TestResumeFailed(t *testing.T) {
	r := detached(t)

	m := sm.New(sm.Config{Prev: &r})
	s, tr, err := newSession(t, m, `<failed xmlns='urn:xmpp:sm:3' h='2'><item-not-found xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></failed>`)
	require.ErrorIs(t, err, sm.Failed{Condition: "item-not-found"})
	require.Zero(t, s.State()&koine.Ready)
	require.Len(t, tr.Sent(), 2)

	// The stanzas the server did not handle are still available so that they
	// can be sent on a new session.
	require.Equal(t, []string{"3"}, ids(m.Unacked()))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	reg := sm.NewRegistry(sm.WithClock(clock), sm.WithWindow(time.Minute), sm.WithLogger(zaptest.NewLogger(t)))

	m, enabled := reg.Enable(xmpptest.NewTransport(nil))
	require.Equal(t, "enabled", enabled.Name().Local)
	require.Equal(t, m.ID(), enabled.Attr("id"))
	require.Equal(t, "60", enabled.Attr("max"))
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Outbound(ctx, message(i)))
	}
	require.NoError(t, reg.Detach(m.ID()))

	clock.Advance(30 * time.Second)
	resumed, redeliver, err := reg.Resume(m.ID(), 2, xmpptest.NewTransport(nil))
	require.NoError(t, err)
	require.Same(t, m, resumed)
	require.Equal(t, []string{"3", "4", "5"}, ids(redeliver))

	_, _, err = reg.Resume("unknown", 0, xmpptest.NewTransport(nil))
	require.ErrorIs(t, err, sm.ErrUnknownID)

	require.NoError(t, reg.Detach(m.ID()))
	clock.Advance(time.Minute)
	_, _, err = reg.Resume(m.ID(), 2, xmpptest.NewTransport(nil))
	require.ErrorIs(t, err, sm.ErrExpired)
	require.Zero(t, reg.Len())
}

func TestRegistryHandledTooHigh(t *testing.T) {
	ctx := context.Background()
	reg := sm.NewRegistry()
	m, _ := reg.Enable(xmpptest.NewTransport(nil))
	require.NoError(t, m.Outbound(ctx, message(1)))
	require.NoError(t, reg.Detach(m.ID()))
	_, _, err := reg.Resume(m.ID(), 2, xmpptest.NewTransport(nil))
	require.ErrorIs(t, err, sm.ErrHandledTooHigh)
}

func TestRegistryRejectedResumeKeepsWindow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	reg := sm.NewRegistry(sm.WithClock(clock), sm.WithWindow(time.Minute))
	m, _ := reg.Enable(xmpptest.NewTransport(nil))
	require.NoError(t, m.Outbound(ctx, message(1)))
	require.NoError(t, reg.Detach(m.ID()))

	_, _, err := reg.Resume(m.ID(), 7, xmpptest.NewTransport(nil))
	require.ErrorIs(t, err, sm.ErrHandledTooHigh)

	clock.Advance(2 * time.Minute)
	_, _, err = reg.Resume(m.ID(), 1, xmpptest.NewTransport(nil))
	require.ErrorIs(t, err, sm.ErrExpired)
	require.Equal(t, 0, reg.Len())
}

func TestRegistryRejectedResumeSwept(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	reg := sm.NewRegistry(sm.WithClock(clock), sm.WithWindow(time.Minute))
	m, _ := reg.Enable(xmpptest.NewTransport(nil))
	require.NoError(t, m.Outbound(ctx, message(1)))
	require.NoError(t, reg.Detach(m.ID()))

	_, _, err := reg.Resume(m.ID(), 7, xmpptest.NewTransport(nil))
	require.ErrorIs(t, err, sm.ErrHandledTooHigh)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, reg.Sweep())
	require.Equal(t, 0, reg.Len())

	// A valid resume within the window still works after a rejected one.
	m, _ = reg.Enable(xmpptest.NewTransport(nil))
	require.NoError(t, m.Outbound(ctx, message(1)))
	require.NoError(t, reg.Detach(m.ID()))
	_, _, err = reg.Resume(m.ID(), 7, xmpptest.NewTransport(nil))
	require.ErrorIs(t, err, sm.ErrHandledTooHigh)
	_, redeliver, err := reg.Resume(m.ID(), 0, xmpptest.NewTransport(nil))
	require.NoError(t, err)
	require.Len(t, redeliver, 1)
}

func TestRegistrySweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := sm.NewRegistry(sm.WithClock(clock), sm.WithWindow(time.Minute))
	a, _ := reg.Enable(xmpptest.NewTransport(nil))
	b, _ := reg.Enable(xmpptest.NewTransport(nil))
	reg.Enable(xmpptest.NewTransport(nil))
	require.NoError(t, reg.Detach(a.ID()))
	clock.Advance(30 * time.Second)
	require.NoError(t, reg.Detach(b.ID()))
	clock.Advance(30 * time.Second)

	require.Equal(t, 1, reg.Sweep())
	require.Equal(t, 2, reg.Len())
	require.ErrorIs(t, reg.Detach("unknown"), sm.ErrUnknownID)
}

func TestFailedElement(t *testing.T) {
	el := sm.FailedElement("item-not-found", 3, true)
	require.Equal(t, `<failed xmlns="urn:xmpp:sm:3" h="3"><item-not-found xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"></item-not-found></failed>`, el.String())
	r := sm.Resumed("abc", 7)
	require.Equal(t, "abc", r.Attr("previd"))
	require.Equal(t, "7", r.Attr("h"))
}
