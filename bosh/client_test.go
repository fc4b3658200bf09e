// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh_test

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mellium.im/koine"
	"mellium.im/koine/bosh"
	"mellium.im/koine/internal/xmpptest"
	"mellium.im/koine/stream"
)

const features = `<stream:features xmlns:stream='http://etherx.jabber.org/streams'><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`

type request struct {
	rid uint64
	raw []byte
	el  koine.Element
}

// connManager is a minimal connection manager.
// Bodies carrying elements are echoed back in their response, empty bodies are
// held until an element is pushed or a short timeout expires.
// A pushed string that starts with <body is sent as the entire response.
type connManager struct {
	t      *testing.T
	status int
	// fail is the number of 503 responses to return for the next body carrying
	// elements.
	fail int

	mu       sync.Mutex
	requests []request
	push     chan string
}

func newConnManager(t *testing.T) *connManager {
	return &connManager{t: t, push: make(chan string, 10)}
}

func (cm *connManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	el, err := koine.ReadElement(xml.NewDecoder(bytes.NewReader(raw)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rid, _ := strconv.ParseUint(el.Attr("rid"), 10, 64)

	cm.mu.Lock()
	cm.requests = append(cm.requests, request{rid: rid, raw: raw, el: el})
	status := cm.status
	fail := cm.fail > 0 && len(el.Children()) > 0
	if fail {
		cm.fail--
	}
	cm.mu.Unlock()

	switch {
	case status != 0:
		w.WriteHeader(status)
		return
	case fail:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	const open = `<body xmlns='http://jabber.org/protocol/httpbind' xmlns:xmpp='urn:xmpp:xbosh' xmlns:stream='http://etherx.jabber.org/streams'`
	switch {
	case el.Attr("sid") == "":
		fmt.Fprintf(w, open+` sid='sid1' authid='stream1' from='example.net' wait='60' requests='2' hold='1' inactivity='30' polling='5' ver='1.6' xmpp:version='1.0' ack='%d'>%s</body>`, rid, features)
	case el.Attr("type") == "terminate":
		fmt.Fprint(w, open+` type='terminate'/>`)
	case el.Attr("restart") == "true":
		fmt.Fprint(w, open+`><stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></stream:features></body>`)
	case len(el.Children()) > 0:
		var b strings.Builder
		for _, child := range el.Children() {
			b.WriteString(child.String())
		}
		fmt.Fprintf(w, open+`>%s</body>`, b.String())
	default:
		select {
		case s := <-cm.push:
			if strings.HasPrefix(s, "<body") {
				fmt.Fprint(w, s)
				return
			}
			fmt.Fprint(w, open+`>`+s+`</body>`)
		case <-time.After(10 * time.Millisecond):
			fmt.Fprint(w, open+`/>`)
		case <-r.Context().Done():
		}
	}
}

func (cm *connManager) Requests() []request {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return append([]request(nil), cm.requests...)
}

func (cm *connManager) setStatus(code int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.status = code
}

func startClient(t *testing.T, cm *connManager, cfg bosh.Config) (*bosh.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(cm)
	t.Cleanup(srv.Close)

	cfg.URL = srv.URL
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = 5 * time.Millisecond
	c, err := bosh.NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		/* #nosec */
		c.Close()
	})
	return c, srv
}

func receive(t *testing.T, c *bosh.Client) koine.Element {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	el, err := c.Receive(ctx)
	require.NoError(t, err)
	return el
}

func TestSessionCreation(t *testing.T) {
	cm := newConnManager(t)
	c, _ := startClient(t, cm, bosh.Config{To: "example.net", Lang: "en", MaxRequests: 5, Wait: 30 * time.Second})
	require.False(t, c.Secure())

	info, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	require.Equal(t, "stream1", info.ID)
	require.Equal(t, "example.net", info.From)
	require.Equal(t, "sid1", c.SID())
	require.Equal(t, 2, c.Params().Requests)
	require.True(t, c.Params().Ack)

	first := cm.Requests()[0].el
	require.Equal(t, "example.net", first.Attr("to"))
	require.Equal(t, "en", first.Attr("lang"))
	require.Equal(t, bosh.Version, first.Attr("ver"))
	require.Equal(t, bosh.XMPPVersion, first.Attr("version"))
	require.Equal(t, "30", first.Attr("wait"))
	require.Equal(t, "1", first.Attr("hold"))
	require.Equal(t, "1", first.Attr("ack"))
	require.NotEmpty(t, first.Attr("rid"))

	el := receive(t, c)
	require.Equal(t, koine.KindFeatures, el.Kind())
}

func TestRestart(t *testing.T) {
	cm := newConnManager(t)
	c, _ := startClient(t, cm, bosh.Config{To: "example.net"})
	_, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	receive(t, c)

	info, err := c.Open(context.Background(), stream.Info{To: "example.net"})
	require.NoError(t, err)
	require.Equal(t, "stream1", info.ID)
	el := receive(t, c)
	require.Equal(t, koine.KindFeatures, el.Kind())
	_, ok := el.Child(xml.Name{Space: "urn:ietf:params:xml:ns:xmpp-bind", Local: "bind"})
	require.True(t, ok)

	var restarts int
	for _, req := range cm.Requests() {
		if req.el.Attr("restart") == "true" {
			restarts++
			require.Equal(t, "sid1", req.el.Attr("sid"))
		}
	}
	require.Equal(t, 1, restarts)
}

func TestSendReceiveOrder(t *testing.T) {
	cm := newConnManager(t)
	c, _ := startClient(t, cm, bosh.Config{To: "example.net"})
	_, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	receive(t, c)

	for i := 0; i < 5; i++ {
		el := xmpptest.Element(fmt.Sprintf(`<message xmlns='jabber:client' id='%d'/>`, i))
		require.NoError(t, c.Send(context.Background(), el))
	}
	for i := 0; i < 5; i++ {
		el := receive(t, c)
		require.Equal(t, strconv.Itoa(i), el.Attr("id"))
	}

	// Rids are strictly increasing in the order requests were built.
	reqs := cm.Requests()
	seen := map[uint64]bool{}
	for _, req := range reqs {
		require.False(t, seen[req.rid], "rid %d reused", req.rid)
		seen[req.rid] = true
	}
}

func TestPushedElements(t *testing.T) {
	cm := newConnManager(t)
	c, _ := startClient(t, cm, bosh.Config{To: "example.net"})
	_, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	receive(t, c)

	cm.push <- `<message xmlns='jabber:client' id='pushed'/>`
	el := receive(t, c)
	require.Equal(t, "pushed", el.Attr("id"))
}

func TestRetransmitIdenticalBytes(t *testing.T) {
	cm := newConnManager(t)
	cm.fail = 2
	reg := prometheus.NewPedanticRegistry()
	c, _ := startClient(t, cm, bosh.Config{To: "example.net", Metrics: bosh.NewMetrics(reg)})
	_, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	receive(t, c)

	require.NoError(t, c.Send(context.Background(), xmpptest.Element(`<message xmlns='jabber:client' id='retry'/>`)))
	el := receive(t, c)
	require.Equal(t, "retry", el.Attr("id"))

	var attempts []request
	for _, req := range cm.Requests() {
		if len(req.el.Children()) > 0 {
			attempts = append(attempts, req)
		}
	}
	require.Len(t, attempts, 3)
	for _, a := range attempts[1:] {
		require.Equal(t, attempts[0].rid, a.rid)
		require.Equal(t, attempts[0].raw, a.raw)
	}
	require.Equal(t, 2.0, counterValue(t, reg, "koine_bosh_retries_total"))
}

func counterValue(t *testing.T, reg prometheus.Gatherer, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

var statusTests = [...]struct {
	status int
	cond   string
}{
	0: {status: http.StatusBadRequest, cond: bosh.BadRequest},
	1: {status: http.StatusForbidden, cond: bosh.PolicyViolation},
	2: {status: http.StatusNotFound, cond: bosh.ItemNotFound},
}

func TestHTTPErrorsAreTerminal(t *testing.T) {
	for i, tc := range statusTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			cm := newConnManager(t)
			cm.setStatus(tc.status)
			c, srv := startClient(t, cm, bosh.Config{To: "example.net"})
			_, err := c.Open(context.Background(), stream.Info{})
			var e *bosh.Error
			require.ErrorAs(t, err, &e)
			require.Equal(t, tc.cond, e.Condition)
			require.Equal(t, tc.status, e.StatusCode)
			require.Equal(t, srv.URL, e.URI)
			// Terminal statuses are never retried.
			require.Len(t, cm.Requests(), 1)

			_, err = c.Receive(context.Background())
			require.ErrorIs(t, err, &bosh.Error{Condition: tc.cond})
		})
	}
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	cm := newConnManager(t)
	cm.setStatus(http.StatusServiceUnavailable)
	c, _ := startClient(t, cm, bosh.Config{To: "example.net", MaxRetries: 2})
	_, err := c.Open(context.Background(), stream.Info{})
	require.ErrorIs(t, err, &bosh.Error{StatusCode: http.StatusServiceUnavailable})

	reqs := cm.Requests()
	require.Len(t, reqs, 3)
	require.Equal(t, reqs[0].raw, reqs[2].raw)
}

func TestTerminatedByServer(t *testing.T) {
	cm := newConnManager(t)
	c, _ := startClient(t, cm, bosh.Config{To: "example.net"})
	_, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	receive(t, c)

	cm.push <- `<message xmlns='jabber:client' id='last'/>`
	cm.push <- `<body xmlns='http://jabber.org/protocol/httpbind' type='terminate' condition='system-shutdown'/>`
	el := receive(t, c)
	require.Equal(t, "last", el.Attr("id"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Receive(ctx)
	require.ErrorIs(t, err, &bosh.Error{Condition: bosh.SystemShutdown})
	require.ErrorIs(t, c.Send(ctx, xmpptest.Element(`<presence/>`)), &bosh.Error{Condition: bosh.SystemShutdown})
}

func TestDetachAttach(t *testing.T) {
	cm := newConnManager(t)
	c, srv := startClient(t, cm, bosh.Config{To: "example.net"})
	_, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	receive(t, c)

	res, err := c.Detach()
	require.NoError(t, err)
	require.Equal(t, "sid1", res.SID)
	require.Equal(t, "stream1", res.StreamID)
	require.Equal(t, srv.URL, res.URL)
	_, err = c.Receive(context.Background())
	require.ErrorIs(t, err, bosh.ErrDetached)
	require.ErrorIs(t, c.Send(context.Background(), xmpptest.Element(`<presence/>`)), bosh.ErrDetached)

	before := len(cm.Requests())
	for _, req := range cm.Requests() {
		require.LessOrEqual(t, req.rid, res.RID)
	}

	attached, err := bosh.Attach(bosh.Config{Logger: zaptest.NewLogger(t)}, res)
	require.NoError(t, err)
	defer attached.Close()
	require.NoError(t, attached.Send(context.Background(), xmpptest.Element(`<message xmlns='jabber:client' id='after'/>`)))
	el := receive(t, attached)
	require.Equal(t, "after", el.Attr("id"))

	reqs := cm.Requests()
	require.Greater(t, len(reqs), before)
	next := uint64(0)
	for _, req := range reqs {
		if req.rid <= res.RID {
			continue
		}
		require.Equal(t, "sid1", req.el.Attr("sid"))
		if next == 0 || req.rid < next {
			next = req.rid
		}
	}
	require.Equal(t, res.RID+1, next)
}

func (cm *connManager) setFail(n int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.fail = n
}

func TestDetachDuringRetry(t *testing.T) {
	cm := newConnManager(t)
	c, _ := startClient(t, cm, bosh.Config{To: "example.net", MaxRetries: 1000})
	_, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	receive(t, c)

	attempts := func() []request {
		var out []request
		for _, req := range cm.Requests() {
			if len(req.el.Children()) > 0 {
				out = append(out, req)
			}
		}
		return out
	}

	cm.setFail(1 << 20)
	require.NoError(t, c.Send(context.Background(), xmpptest.Element(`<message xmlns='jabber:client' id='kept'/>`)))
	require.Eventually(t, func() bool { return len(attempts()) >= 2 }, 5*time.Second, time.Millisecond)

	res, err := c.Detach()
	require.NoError(t, err)
	cm.setFail(0)
	first := attempts()[0]
	var carried bool
	for _, req := range res.Unacked {
		if req.RID == first.rid {
			carried = true
			require.Equal(t, first.raw, req.Body)
		}
	}
	require.True(t, carried, "request %d not carried in the resumption", first.rid)

	attached, err := bosh.Attach(bosh.Config{Logger: zaptest.NewLogger(t)}, res)
	require.NoError(t, err)
	defer attached.Close()
	el := receive(t, attached)
	require.Equal(t, "kept", el.Attr("id"))

	// Every attempt reused the original rid and bytes.
	for _, a := range attempts() {
		require.Equal(t, first.rid, a.rid)
		require.Equal(t, first.raw, a.raw)
	}

	// The connection manager never sees a gap in rids.
	seen := map[uint64]bool{}
	lo, hi := ^uint64(0), uint64(0)
	for _, req := range cm.Requests() {
		seen[req.rid] = true
		lo = min(lo, req.rid)
		hi = max(hi, req.rid)
	}
	for rid := lo; rid <= hi; rid++ {
		require.True(t, seen[rid], "rid %d never sent", rid)
	}
}

func TestAttachRetransmitsInOrder(t *testing.T) {
	cm := newConnManager(t)
	srv := httptest.NewServer(cm)
	defer srv.Close()

	const base = 1000
	body := func(rid uint64, id string) []byte {
		return []byte(fmt.Sprintf(`<body xmlns="http://jabber.org/protocol/httpbind" rid="%d" sid="sid1"><message xmlns="jabber:client" id="%s"></message></body>`, rid, id))
	}
	res := bosh.Resumption{
		URL:     srv.URL,
		SID:     "sid1",
		RID:     base + 2,
		Applied: base,
		Unacked: []bosh.PendingRequest{
			{RID: base + 1, Body: body(base+1, "one")},
			{RID: base + 2, Body: body(base+2, "two")},
		},
	}
	c, err := bosh.Attach(bosh.Config{Logger: zaptest.NewLogger(t)}, res)
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, "one", receive(t, c).Attr("id"))
	require.Equal(t, "two", receive(t, c).Attr("id"))

	var resent []request
	for _, req := range cm.Requests() {
		if req.rid <= res.RID {
			resent = append(resent, req)
		}
	}
	require.Len(t, resent, 2)
	for _, req := range resent {
		require.Equal(t, body(req.rid, req.el.Children()[0].Attr("id")), req.raw)
	}
}

func TestCloseTerminates(t *testing.T) {
	cm := newConnManager(t)
	c, _ := startClient(t, cm, bosh.Config{To: "example.net"})
	_, err := c.Open(context.Background(), stream.Info{})
	require.NoError(t, err)
	receive(t, c)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	reqs := cm.Requests()
	last := reqs[len(reqs)-1]
	require.Equal(t, "terminate", last.el.Attr("type"))
	require.Equal(t, "sid1", last.el.Attr("sid"))

	_, err = c.Receive(context.Background())
	require.ErrorIs(t, err, bosh.ErrClosed)
	require.ErrorIs(t, c.Send(context.Background(), xmpptest.Element(`<presence/>`)), bosh.ErrClosed)
}

func TestSendBeforeOpen(t *testing.T) {
	c, err := bosh.NewClient(bosh.Config{URL: "http://example.net/bosh"})
	require.NoError(t, err)
	require.ErrorIs(t, c.Send(context.Background(), xmpptest.Element(`<presence/>`)), bosh.ErrNotStarted)
	require.ErrorIs(t, c.SecureInPlace(context.Background(), nil), koine.ErrSecureUnsupported)
	require.NoError(t, c.Close())
}

func TestInvalidURL(t *testing.T) {
	_, err := bosh.NewClient(bosh.Config{URL: "ftp://example.net/bosh"})
	require.Error(t, err)
}
