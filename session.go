// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"mellium.im/koine/internal/ns"
	"mellium.im/koine/stream"
)

// Errors returned by the koine package.
var (
	ErrInputStreamClosed  = errors.New("koine: attempted to read element from closed stream")
	ErrOutputStreamClosed = errors.New("koine: attempted to write element to closed stream")
	ErrNotReady           = errors.New("koine: session negotiation has not completed")
)

// DefaultTimeout is the per step timeout used when StreamConfig.Timeout is
// zero.
const DefaultTimeout = 30 * time.Second

// SessionState is a bitmask that represents the current state of an XMPP
// session. For a description of each bit, see the various SessionState typed
// constants.
type SessionState uint8

const (
	// Secure indicates that the underlying connection has been secured. For
	// instance, after STARTTLS has been performed or if a pre-secured connection
	// is being used such as websockets over HTTPS.
	Secure SessionState = 1 << iota

	// Authn indicates that the session has been authenticated (probably with
	// SASL).
	Authn

	// Bind indicates that a resource has been bound (or an existing binding was
	// restored by resuming a previous session).
	Bind

	// Ready indicates that the session is fully negotiated and that XMPP stanzas
	// may be sent and received.
	Ready

	// OutputStreamClosed indicates that the output stream has been closed.
	// When set all write operations will return an error even if the underlying
	// transport is still open.
	OutputStreamClosed

	// InputStreamClosed indicates that the input stream has been closed with a
	// stream end tag. When set all read operations will return an error.
	InputStreamClosed
)

// StreamConfig configures the negotiation of a session.
type StreamConfig struct {
	// The default language for any streams constructed using this config.
	Lang string

	// The enabled stream features, in order of preference.
	// An advertised feature with no matching entry is skipped, unless it is
	// mandatory in which case negotiation fails with ErrMissingNegotiator.
	Features []StreamFeature

	// Timeout bounds every network round trip during negotiation.
	// If zero, DefaultTimeout is used.
	Timeout time.Duration

	// Logger receives debug output about negotiation.
	// If nil, nothing is logged.
	Logger *zap.Logger
}

func (c StreamConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Interceptor observes application traffic once a session is ready.
// It is used by stream management to count and acknowledge stanzas.
type Interceptor interface {
	// Outbound is called before el is handed to the transport.
	Outbound(ctx context.Context, el Element) error

	// Inbound is called for every received element.
	// If handled is true the element is not returned to the caller of Receive.
	Inbound(ctx context.Context, el Element) (handled bool, err error)
}

// Sender writes top level elements to a stream.
type Sender interface {
	Send(ctx context.Context, el Element) error
}

// A Session represents an XMPP session comprising an input and an output XML
// stream carried by a Transport.
type Session struct {
	transport Transport
	config    StreamConfig
	logger    *zap.Logger

	slock     sync.RWMutex
	state     SessionState
	in, out   stream.Info
	localAddr string
	features  []Feature
	intercept Interceptor

	sendLock sync.Mutex
	recvLock sync.Mutex
}

// NewSession wraps a transport whose stream has already been negotiated, for
// instance a reattached HTTP binding, without performing any I/O.
func NewSession(location, origin string, t Transport, state SessionState, cfg StreamConfig) *Session {
	s := newSession(location, origin, t, cfg)
	s.state = state
	return s
}

// NewClientSession opens a stream on t and negotiates the features enabled in
// cfg until the session is ready.
// location is the domain of the server and origin the address of the user.
//
// If negotiation fails the first fatal condition is returned.
// Progress that was already made, for instance a secured transport, is kept
// and the transport is left open except on timeouts.
func NewClientSession(ctx context.Context, location, origin string, t Transport, cfg StreamConfig) (*Session, error) {
	s := newSession(location, origin, t, cfg)
	if err := validateFeatures(cfg.Features); err != nil {
		return s, err
	}
	if t.Secure() {
		s.state |= Secure
	}
	err := s.negotiate(ctx)
	if err != nil {
		return s, err
	}
	return s, nil
}

func newSession(location, origin string, t Transport, cfg StreamConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		transport: t,
		config:    cfg,
		logger:    logger,
		localAddr: origin,
		out: stream.Info{
			To:      location,
			From:    origin,
			Lang:    cfg.Lang,
			XMLNS:   ns.Client,
			Version: stream.DefaultVersion,
		},
	}
}

func validateFeatures(features []StreamFeature) error {
	seen := make(map[xml.Name]struct{}, len(features))
	for _, f := range features {
		if f.Name.Local == "" {
			return fmt.Errorf("koine: stream feature has no name")
		}
		if f.New == nil && f.Rank != RankInformational {
			return fmt.Errorf("koine: stream feature %s has no negotiator", f.Name.Local)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("koine: stream feature %s enabled twice", f.Name.Local)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// negotiate runs negotiation rounds until an advertisement is exhausted
// without requiring a restart.
func (s *Session) negotiate(ctx context.Context) error {
	for {
		restart, err := s.round(ctx)
		if err != nil {
			return err
		}
		if !restart {
			s.setState(Ready)
			s.logger.Debug("session ready", zap.String("location", s.out.To))
			return nil
		}
		s.logger.Debug("restarting stream")
	}
}

// round opens (or reopens) the stream, reads the advertisement and negotiates
// its features in rank order.
func (s *Session) round(ctx context.Context) (restart bool, err error) {
	err = s.step(ctx, func(ctx context.Context) error {
		in, err := s.transport.Open(ctx, s.out)
		if err != nil {
			return err
		}
		s.slock.Lock()
		s.in = in
		s.slock.Unlock()
		return nil
	})
	if err != nil {
		return false, err
	}

	advert, err := s.receiveStep(ctx)
	if err != nil {
		return false, err
	}
	if advert.Kind() != KindFeatures {
		return false, fmt.Errorf("koine: expected stream features, got %s: %w", advert.Name().Local, stream.BadFormat)
	}
	list, err := parseFeatures(ctx, advert, s.State(), s.config.Features)
	if err != nil {
		return false, err
	}

	features := make([]Feature, 0, len(list))
	for _, c := range list {
		features = append(features, c.Feature)
	}
	s.slock.Lock()
	s.features = features
	s.slock.Unlock()

	// A mandatory feature we cannot negotiate is a configuration error and must
	// be reported before anything is sent.
	for _, c := range list {
		if c.Mandatory && (c.sf == nil || c.sf.New == nil) {
			return false, &NegotiationError{Feature: c.Name, Err: ErrMissingNegotiator}
		}
	}

	for _, c := range list {
		if c.sf == nil || c.sf.New == nil || c.Rank == RankInformational {
			continue
		}
		// An earlier feature in this round may have made this one obsolete, for
		// instance resumption restores the bound resource.
		state := s.State()
		if state&c.sf.Prohibited != 0 {
			continue
		}
		if state&c.sf.Necessary != c.sf.Necessary {
			if c.Mandatory {
				return false, &NegotiationError{Feature: c.Name, Err: ErrUnsatisfied}
			}
			continue
		}
		restart, err := s.negotiateFeature(ctx, c)
		if err != nil {
			return false, err
		}
		if restart {
			return true, nil
		}
	}
	return false, nil
}

func (s *Session) negotiateFeature(ctx context.Context, c candidate) (restart bool, err error) {
	logger := s.logger.With(zap.String("feature", c.Name.Local), zap.String("ns", c.Name.Space))
	logger.Debug("negotiating feature", zap.Int("rank", int(c.Rank)), zap.Bool("mandatory", c.Mandatory))

	neg := c.sf.New(s, c.Data)
	var res Result
	err = s.step(ctx, func(ctx context.Context) error {
		var err error
		res, err = neg.Begin(ctx)
		return err
	})
	if err == nil && res == Ignore {
		if c.Mandatory {
			return false, &NegotiationError{Feature: c.Name, Err: ErrMissingNegotiator}
		}
		logger.Debug("feature skipped")
		return false, nil
	}
	for err == nil && res == Incomplete {
		var el Element
		el, err = s.receiveStep(ctx)
		if err != nil {
			break
		}
		if !neg.CanProcess(el) {
			logger.Debug("ignoring element", zap.String("element", el.Name().Local))
			continue
		}
		err = s.step(ctx, func(ctx context.Context) error {
			var err error
			res, err = neg.Process(ctx, el)
			return err
		})
		if res == Ignore {
			res = Incomplete
		}
	}
	if err == nil && res == Failure {
		err = errors.New("koine: negotiation failed")
	}
	if err != nil {
		logger.Debug("feature failed", zap.Error(err))
		return false, &NegotiationError{Feature: c.Name, Err: err}
	}

	s.setState(c.sf.Mask)
	logger.Debug("feature negotiated", zap.Stringer("result", res))
	return res == Restart || neg.RestartRequired(), nil
}

// receiveStep reads the next element with the step timeout.
// Stream errors are returned as errors.
func (s *Session) receiveStep(ctx context.Context) (Element, error) {
	var el Element
	err := s.step(ctx, func(ctx context.Context) error {
		var err error
		el, err = s.transport.Receive(ctx)
		if err != nil {
			return err
		}
		return el.Err()
	})
	return el, err
}

// step runs f with the per step timeout.
// If the timeout expires before the parent context is done the transport is
// closed and stream.ConnectionTimeout is returned.
func (s *Session) step(ctx context.Context, f func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, s.config.timeout())
	defer cancel()
	err := f(stepCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || stepCtx.Err() == context.DeadlineExceeded) {
		s.logger.Debug("negotiation step timed out", zap.Duration("timeout", s.config.timeout()))
		/* #nosec */
		s.transport.Close()
		s.setState(InputStreamClosed | OutputStreamClosed)
		return fmt.Errorf("koine: step timed out: %w", stream.ConnectionTimeout)
	}
	return err
}

func (s *Session) setState(mask SessionState) {
	s.slock.Lock()
	defer s.slock.Unlock()
	s.state |= mask
}

// State returns the current state of the session.
func (s *Session) State() SessionState {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.state
}

// In returns information about the input stream.
func (s *Session) In() stream.Info {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.in
}

// Out returns information about the output stream.
func (s *Session) Out() stream.Info {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.out
}

// LocalAddr returns the address of the local side of the session.
// After resource binding this is the full address assigned by the server.
func (s *Session) LocalAddr() string {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.localAddr
}

func (s *Session) setLocalAddr(addr string) {
	s.slock.Lock()
	defer s.slock.Unlock()
	s.localAddr = addr
}

// RemoteAddr returns the address of the server.
func (s *Session) RemoteAddr() string {
	return s.out.To
}

// Features returns the features of the most recent advertisement in the order
// they were negotiated.
func (s *Session) Features() []Feature {
	s.slock.RLock()
	defer s.slock.RUnlock()
	out := make([]Feature, len(s.features))
	copy(out, s.features)
	return out
}

// Transport returns the transport carrying the session.
// Negotiators use it to exchange elements while the session is not yet ready.
func (s *Session) Transport() Transport {
	return s.transport
}

// Direct returns a Sender that writes to the transport under the same lock as
// Send but skips the ready check and the interceptor.
// Interceptors use it to answer the peer from Inbound.
func (s *Session) Direct() Sender {
	return directSender{s: s}
}

type directSender struct {
	s *Session
}

func (d directSender) Send(ctx context.Context, el Element) error {
	d.s.sendLock.Lock()
	defer d.s.sendLock.Unlock()
	return d.s.transport.Send(ctx, el)
}

// Logger returns the logger the session was configured with.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// SetInterceptor installs i to observe application traffic.
func (s *Session) SetInterceptor(i Interceptor) {
	s.slock.Lock()
	defer s.slock.Unlock()
	s.intercept = i
}

func (s *Session) interceptor() Interceptor {
	s.slock.RLock()
	defer s.slock.RUnlock()
	return s.intercept
}

// Send transmits el once the session is ready.
// Ownership of el passes to the transport.
func (s *Session) Send(ctx context.Context, el Element) error {
	state := s.State()
	switch {
	case state&OutputStreamClosed == OutputStreamClosed:
		return ErrOutputStreamClosed
	case state&Ready == 0:
		return ErrNotReady
	}

	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	if i := s.interceptor(); i != nil {
		if err := i.Outbound(ctx, el); err != nil {
			return err
		}
	}
	return s.transport.Send(ctx, el)
}

// Receive returns the next element that is not consumed by the installed
// interceptor.
// Elements are returned in the order they were received.
// A stream error from the peer is returned as an error and closes the input
// stream.
func (s *Session) Receive(ctx context.Context) (Element, error) {
	if s.State()&InputStreamClosed == InputStreamClosed {
		return Element{}, ErrInputStreamClosed
	}

	s.recvLock.Lock()
	defer s.recvLock.Unlock()
	for {
		el, err := s.transport.Receive(ctx)
		if err == nil {
			err = el.Err()
		}
		if err != nil {
			var se stream.Error
			if errors.Is(err, io.EOF) || errors.As(err, &se) {
				s.setState(InputStreamClosed)
			}
			return Element{}, err
		}
		if i := s.interceptor(); i != nil {
			handled, err := i.Inbound(ctx, el)
			if err != nil {
				return Element{}, err
			}
			if handled {
				continue
			}
		}
		return el, nil
	}
}

// Close ends the output stream and closes the transport.
// Calling Close more than once has no effect.
func (s *Session) Close() error {
	s.slock.Lock()
	if s.state&OutputStreamClosed == OutputStreamClosed {
		s.slock.Unlock()
		return nil
	}
	s.state |= OutputStreamClosed
	s.slock.Unlock()
	return s.transport.Close()
}
