// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mellium.im/koine"
	"mellium.im/koine/internal/ackqueue"
	"mellium.im/koine/internal/discover"
	"mellium.im/koine/internal/ns"
	"mellium.im/koine/stream"
)

// maxResponse bounds the size of a single response body.
const maxResponse = 10 << 20

// Client is a stream transported over BOSH.
// It implements koine.Transport.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	http    *retryablehttp.Client
	metrics *Metrics
	url     string
	secure  bool

	// ctx bounds all requests made by the dispatcher.
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
	kick   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	info     stream.Info
	sid      string
	params   Params
	rid      uint64
	applied  uint64
	unacked  ackqueue.Queue[uint64, []byte]
	pending  map[uint64]koine.Element
	resend   []uint64
	outbox   []koine.Element
	restart  bool
	inflight int
	inbox    []koine.Element
	changed  chan struct{}
	err      error
	started  bool
	detached bool
	closed   bool
}

var _ koine.Transport = (*Client)(nil)

// Dial returns a client for the connection manager at cfg.URL.
// If cfg.URL is empty the endpoint is looked up from the Web Host Metadata of
// the domain of cfg.To and the first https endpoint is used.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		domain := discover.Domain(cfg.To)
		urls, err := discover.LookupBOSH(ctx, cfg.HTTPClient, domain)
		if err != nil {
			return nil, fmt.Errorf("bosh: looking up endpoint for %s: %w", domain, err)
		}
		for _, u := range urls {
			if pu, err := url.Parse(u); err == nil && pu.Scheme == "https" {
				cfg.URL = u
				break
			}
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("bosh: no https endpoint found for %s", domain)
		}
	}
	return NewClient(cfg)
}

// NewClient returns a client for the connection manager at cfg.URL.
// No request is made until Open is called.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bosh: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bosh: unsupported URL scheme %q", u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("url", cfg.URL)),
		metrics: cfg.Metrics,
		url:     cfg.URL,
		secure:  u.Scheme == "https",
		ctx:     ctx,
		cancel:  cancel,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[uint64]koine.Element),
		changed: make(chan struct{}),
	}
	c.rid = initialRID()
	c.applied = c.rid

	rc := retryablehttp.NewClient()
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	} else {
		rc.HTTPClient.Timeout = cfg.Wait + 15*time.Second
	}
	rc.Logger = retryableHTTPLogger{inner: c.logger}
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Backoff = retryablehttp.LinearJitterBackoff
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			c.metrics.retry()
			c.logger.Warn("retransmitting request", zap.Int("attempt", attempt))
		}
	}
	c.http = rc
	return c, nil
}

// checkRetry retries transient failures but never the HTTP statuses that
// terminate a session.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && terminalStatus(resp.StatusCode) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// nextRID must be called with mu held.
func (c *Client) nextRID() uint64 {
	c.rid++
	return c.rid
}

// broadcast wakes every goroutine waiting in Receive.
// It must be called with mu held.
func (c *Client) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// fail records the first terminal error and aborts outstanding requests.
// It must be called with mu held.
func (c *Client) fail(err error) {
	if c.err != nil {
		return
	}
	c.logger.Debug("session ended", zap.String("sid", c.sid), zap.Error(err))
	c.err = err
	c.cancel()
	c.broadcast()
}

// roundTrip posts body and returns the <body/> wrapper of the response.
// A terminate response without a condition is returned as io.EOF.
func (c *Client) roundTrip(ctx context.Context, body []byte) (koine.Element, error) {
	c.metrics.started()
	defer c.metrics.finished()
	start := time.Now()
	el, err := c.post(ctx, body)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.request(outcome, time.Since(start))
	return el, err
}

func (c *Client) post(ctx context.Context, body []byte) (koine.Element, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return koine.Element{}, fmt.Errorf("bosh: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return koine.Element{}, ctxErr
		}
		return koine.Element{}, fmt.Errorf("bosh: request failed: %w", err)
	}
	/* #nosec */
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("connection manager returned an error", zap.String("status", resp.Status))
		return koine.Element{}, statusError(resp.StatusCode, c.url)
	}

	el, err := koine.ReadElement(xml.NewDecoder(io.LimitReader(resp.Body, maxResponse)))
	if err != nil {
		return koine.Element{}, fmt.Errorf("bosh: decoding response: %w", err)
	}
	if el.Name() != (xml.Name{Space: ns.HTTPBind, Local: "body"}) {
		return koine.Element{}, fmt.Errorf("bosh: response is not a body: %w", stream.BadFormat)
	}
	switch el.Attr("type") {
	case "terminate", "error":
		if err := terminateError(el, c.url); err != nil {
			return el, err
		}
		return el, io.EOF
	}
	return el, nil
}

// Open creates the session on the first call and requests a stream restart on
// later calls.
// The header of the connection manager is returned in both cases, stream
// features are received with Receive.
func (c *Client) Open(ctx context.Context, hdr stream.Info) (stream.Info, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return stream.Info{}, ErrClosed
	case c.err != nil:
		err := c.err
		c.mu.Unlock()
		return stream.Info{}, err
	case c.started:
		c.restart = true
		info := c.info
		c.mu.Unlock()
		c.logger.Debug("requesting stream restart", zap.String("sid", info.ID))
		c.signal()
		return info, nil
	}

	rid := c.nextRID()
	to := hdr.To
	if to == "" {
		to = c.cfg.To
	}
	lang := hdr.Lang
	if lang == "" {
		lang = c.cfg.Lang
	}
	var b bytes.Buffer
	err := writeBody(&b, []bodyAttr{
		{"ack", "1"},
		{"content", "text/xml; charset=utf-8"},
		{"from", hdr.From},
		{"hold", strconv.Itoa(c.cfg.Hold)},
		{"rid", formatRID(rid)},
		{"to", to},
		{"ver", Version},
		{"wait", seconds(c.cfg.Wait)},
		{"xml:lang", lang},
		{"xmpp:version", XMPPVersion},
	}, nil)
	if err != nil {
		c.mu.Unlock()
		return stream.Info{}, err
	}
	c.unacked.Push(rid, b.Bytes())
	c.inflight++
	c.mu.Unlock()

	c.logger.Debug("creating session", zap.Uint64("rid", rid), zap.String("to", to))
	resp, err := c.roundTrip(ctx, b.Bytes())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if err == nil && resp.Attr("sid") == "" {
		err = fmt.Errorf("bosh: session creation response has no sid: %w", stream.BadFormat)
	}
	if err != nil {
		if err == io.EOF {
			err = &Error{Condition: UndefinedCondition, URI: c.url}
		}
		c.fail(err)
		return stream.Info{}, err
	}

	c.sid = resp.Attr("sid")
	c.params = parseParams(resp)
	c.info = infoOf(resp)
	c.start()
	c.receive(rid, resp)
	c.logger.Debug("session created",
		zap.String("sid", c.sid),
		zap.Int("requests", c.params.Requests),
		zap.Duration("wait", c.params.Wait))
	return c.info, nil
}

// infoOf builds the stream header implied by a session creation response.
func infoOf(resp koine.Element) stream.Info {
	info := stream.Info{
		Name:  resp.Name(),
		XMLNS: stream.NSClient,
		From:  resp.Attr("from"),
		ID:    resp.Attr("authid"),
		Lang:  resp.Attr("lang"),
	}
	if info.ID == "" {
		info.ID = resp.Attr("sid")
	}
	info.Version = stream.DefaultVersion
	if v, err := stream.ParseVersion(resp.Attr("version")); err == nil {
		info.Version = v
	}
	return info
}

// start launches the dispatcher.
// It must be called with mu held once the session parameters are known.
func (c *Client) start() {
	requests := c.cfg.MaxRequests
	if c.params.Requests > 0 && c.params.Requests < requests {
		requests = c.params.Requests
	}
	c.params.Requests = requests
	c.g.SetLimit(requests)
	c.started = true
	go c.dispatch()
	c.signal()
}

// dispatch is the only goroutine that starts requests.
// It sends queued elements, restarts, and retransmissions as soon as a request
// slot is free and keeps an empty request outstanding so that the connection
// manager can push elements at any time.
func (c *Client) dispatch() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		}
		for {
			c.mu.Lock()
			rid, body, ok := c.nextBody()
			c.mu.Unlock()
			if !ok {
				break
			}
			c.g.Go(func() error {
				c.exchange(rid, body)
				return nil
			})
		}
	}
}

// nextBody returns the next request to send, if any.
// It must be called with mu held.
func (c *Client) nextBody() (uint64, []byte, bool) {
	if c.err != nil || c.detached || c.closed || c.ctx.Err() != nil {
		return 0, nil, false
	}
	for len(c.resend) > 0 {
		rid := c.resend[0]
		c.resend = c.resend[1:]
		if body, ok := c.unacked.Get(rid); ok {
			c.inflight++
			return rid, body, true
		}
	}

	var attrs []bodyAttr
	var els []koine.Element
	switch {
	case len(c.outbox) > 0:
		els = c.outbox
		c.outbox = nil
	case c.restart:
		c.restart = false
		attrs = []bodyAttr{
			{"to", c.cfg.To},
			{"xml:lang", c.cfg.Lang},
			{"xmpp:restart", "true"},
		}
	case c.inflight == 0:
		// Poll.
	default:
		return 0, nil, false
	}

	rid := c.nextRID()
	var b bytes.Buffer
	attrs = append([]bodyAttr{{"rid", formatRID(rid)}, {"sid", c.sid}}, attrs...)
	if err := writeBody(&b, attrs, els); err != nil {
		c.fail(err)
		return 0, nil, false
	}
	c.unacked.Push(rid, b.Bytes())
	c.inflight++
	return rid, b.Bytes(), true
}

// exchange sends a request and applies its response.
func (c *Client) exchange(rid uint64, body []byte) {
	c.logger.Debug("sending request", zap.Uint64("rid", rid), zap.Int("size", len(body)))
	resp, err := c.roundTrip(c.ctx, body)

	c.mu.Lock()
	defer c.signal()
	defer c.mu.Unlock()
	c.inflight--
	switch {
	case err == io.EOF:
		c.receive(rid, resp)
		c.fail(io.EOF)
	case err != nil:
		if c.ctx.Err() == nil {
			c.fail(err)
		}
	default:
		c.receive(rid, resp)
	}
}

// receive buffers the response to rid and applies every buffered response that
// is next in rid order.
// It must be called with mu held.
func (c *Client) receive(rid uint64, resp koine.Element) {
	if rid <= c.applied {
		// A retransmission of a request whose response was already applied.
		c.ack(rid, resp)
		return
	}
	c.pending[rid] = resp
	for {
		next, ok := c.pending[c.applied+1]
		if !ok {
			return
		}
		delete(c.pending, c.applied+1)
		c.applied++
		c.apply(c.applied, next)
	}
}

// ack removes acknowledged requests from the unacknowledged queue.
// A response without an ack attribute acknowledges the request it answers.
// Bodies are kept until their own response has been applied so that a
// detached session can request it again.
// It must be called with mu held.
func (c *Client) ack(rid uint64, resp koine.Element) {
	a, ok := ackOf(resp)
	if !ok {
		a = rid
	}
	a = min(a, c.applied)
	c.unacked.RemoveWhile(func(k uint64) bool { return k <= a })
}

// apply handles a response in rid order.
// It must be called with mu held.
func (c *Client) apply(rid uint64, resp koine.Element) {
	c.ack(rid, resp)
	if v := resp.Attr("report"); v != "" {
		if report, err := strconv.ParseUint(v, 10, 64); err == nil {
			if _, ok := c.unacked.Get(report); ok {
				c.logger.Warn("connection manager reported a missing request", zap.Uint64("rid", report))
				c.resend = append(c.resend, report)
			}
		}
	}
	children := resp.Children()
	for _, child := range children {
		if err := child.Err(); err != nil {
			c.fail(err)
			return
		}
		c.inbox = append(c.inbox, child)
	}
	if len(children) > 0 {
		c.broadcast()
	}
}

// Send queues el to be sent with the next request.
// Elements queued by consecutive calls may share a request.
// Send does not wait for the connection manager to respond, transport errors
// are reported by later calls to Send or Receive.
func (c *Client) Send(_ context.Context, el koine.Element) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.err != nil:
		return c.err
	case !c.started:
		return ErrNotStarted
	}
	c.outbox = append(c.outbox, el)
	c.signal()
	return nil
}

// Receive returns the next element sent by the connection manager.
// Elements are returned in the order they were sent, even if the responses
// that carried them arrived out of order.
func (c *Client) Receive(ctx context.Context) (koine.Element, error) {
	for {
		c.mu.Lock()
		if len(c.inbox) > 0 {
			el := c.inbox[0]
			c.inbox[0] = koine.Element{}
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			return el, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return koine.Element{}, err
		}
		if !c.started {
			c.mu.Unlock()
			return koine.Element{}, ErrNotStarted
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return koine.Element{}, ctx.Err()
		case <-changed:
		}
	}
}

// stop waits for the dispatcher and all requests to finish after the context
// has been canceled.
func (c *Client) stop() {
	c.cancel()
	<-c.done
	/* #nosec */
	_ = c.g.Wait()
}

// Detach stops making requests without terminating the session.
// The returned resumption can be passed to Attach, possibly in another
// process, to continue the session.
// Requests that were canceled or never answered, and elements that were queued
// but not yet sent, are carried in the resumption.
func (c *Client) Detach() (Resumption, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return Resumption{}, ErrClosed
	case !c.started:
		c.mu.Unlock()
		return Resumption{}, ErrNotStarted
	case c.err != nil:
		err := c.err
		c.mu.Unlock()
		return Resumption{}, err
	}
	c.detached = true
	if len(c.outbox) > 0 {
		rid := c.nextRID()
		var b bytes.Buffer
		err := writeBody(&b, []bodyAttr{{"rid", formatRID(rid)}, {"sid", c.sid}}, c.outbox)
		if err != nil {
			c.fail(err)
			c.mu.Unlock()
			return Resumption{}, err
		}
		c.unacked.Push(rid, b.Bytes())
		c.outbox = nil
	}
	c.mu.Unlock()

	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	res := Resumption{
		URL:      c.url,
		SID:      c.sid,
		StreamID: c.info.ID,
		From:     c.info.From,
		RID:      c.rid,
		Params:   c.params,
		Applied:  c.applied,
	}
	c.unacked.Range(func(rid uint64, body []byte) bool {
		if rid > c.applied {
			res.Unacked = append(res.Unacked, PendingRequest{RID: rid, Body: body})
		}
		return true
	})
	c.fail(ErrDetached)
	c.logger.Debug("session detached",
		zap.String("sid", res.SID),
		zap.Uint64("rid", res.RID),
		zap.Int("unacked", len(res.Unacked)))
	return res, nil
}

// Attach continues a session that was detached.
// Unacknowledged requests from res are retransmitted first, then new requests
// use the rid after res.RID.
func Attach(cfg Config, res Resumption) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = res.URL
	}
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sid = res.SID
	c.rid = res.RID
	c.applied = res.RID
	if res.Applied != 0 {
		c.applied = res.Applied
	}
	for _, req := range res.Unacked {
		c.unacked.Push(req.RID, req.Body)
		c.resend = append(c.resend, req.RID)
	}
	c.params = res.Params
	c.info = stream.Info{
		Name:    xml.Name{Space: ns.HTTPBind, Local: "body"},
		XMLNS:   stream.NSClient,
		ID:      res.StreamID,
		From:    res.From,
		Version: stream.DefaultVersion,
	}
	c.start()
	c.logger.Debug("session attached",
		zap.String("sid", res.SID),
		zap.Uint64("rid", res.RID),
		zap.Int("resend", len(c.resend)))
	return c, nil
}

// Close terminates the session.
// Queued elements are sent with the terminate request.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	var body []byte
	if started && c.err == nil {
		rid := c.nextRID()
		var b bytes.Buffer
		err := writeBody(&b, []bodyAttr{
			{"rid", formatRID(rid)},
			{"sid", c.sid},
			{"type", "terminate"},
		}, c.outbox)
		if err == nil {
			body = b.Bytes()
		}
		c.outbox = nil
	}
	c.mu.Unlock()

	if started {
		c.stop()
	}
	var err error
	if body != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Wait)
		_, err = c.roundTrip(ctx, body)
		cancel()
		if err == io.EOF {
			err = nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil || c.err == io.EOF {
		c.err = ErrClosed
		c.broadcast()
	}
	c.cancel()
	return err
}

// Params returns the session parameters.
func (c *Client) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// SID returns the session ID issued by the connection manager.
func (c *Client) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Secure reports whether the connection manager is reached over https.
func (c *Client) Secure() bool {
	return c.secure
}

// SecureInPlace always returns koine.ErrSecureUnsupported.
func (c *Client) SecureInPlace(context.Context, *tls.Config) error {
	return koine.ErrSecureUnsupported
}

