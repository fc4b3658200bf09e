// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package transport implements the raw socket binding of XML streams.
//
// A Conn carries a stream over any net.Conn, typically a TCP connection
// returned by the dial package.
// It can be upgraded to TLS in place after a STARTTLS exchange and can have its
// byte stream wrapped, for instance by stream compression.
package transport // import "mellium.im/koine/transport"

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mellium.im/koine"
	"mellium.im/koine/internal/attr"
	"mellium.im/koine/internal/deadline"
	intstream "mellium.im/koine/internal/stream"
	"mellium.im/koine/stream"
)

// Errors returned by Conn.
var (
	// ErrBufferedPlaintext is returned by SecureInPlace when the peer sent data
	// after the element that triggered the upgrade.
	// That data would otherwise be read as if it had been encrypted.
	ErrBufferedPlaintext = errors.New("transport: received plaintext after TLS negotiation")

	// ErrAlreadySecure is returned when upgrading a connection that already uses
	// TLS.
	ErrAlreadySecure = errors.New("transport: connection is already secure")

	// ErrLayered is returned when upgrading a connection whose byte stream has
	// already been wrapped.
	ErrLayered = errors.New("transport: cannot start TLS inside another layer")

	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("transport: use of closed connection")
)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used by the connection.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Receiving marks the connection as the receiving side of the stream.
// The receiving entity waits for the peer's header before sending its own and
// acts as the TLS server when the connection is upgraded.
func Receiving() Option {
	return func(c *Conn) {
		c.recv = true
	}
}

// Conn is a stream transported over a net.Conn.
type Conn struct {
	logger *zap.Logger
	recv   bool

	mu      sync.Mutex
	conn    net.Conn
	w       io.Writer
	br      *bufio.Reader
	r       xml.TokenReader
	secure  bool
	layered bool
	closed  bool

	wmu sync.Mutex
}

var (
	_ koine.Transport        = (*Conn)(nil)
	_ koine.Layerer          = (*Conn)(nil)
	_ koine.ConnectionStater = (*Conn)(nil)
)

// New returns a stream transport over c.
// If c is a *tls.Conn the transport is considered secure.
func New(c net.Conn, opts ...Option) *Conn {
	conn := &Conn{
		logger: zap.NewNop(),
		conn:   c,
		w:      c,
		br:     bufio.NewReader(c),
	}
	_, conn.secure = c.(*tls.Conn)
	for _, opt := range opts {
		opt(conn)
	}
	conn.reset()
	return conn
}

// reset starts a new XML document on the current byte stream.
// It must be called with mu held or before the Conn is shared.
func (c *Conn) reset() {
	c.r = xml.NewDecoder(c.br)
}

// NetConn returns the underlying connection.
// After an upgrade this is the *tls.Conn.
func (c *Conn) NetConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Open sends a stream header and waits for the peer's header.
// A receiving connection reads the peer's header first and generates a stream
// ID if hdr does not have one.
func (c *Conn) Open(ctx context.Context, hdr stream.Info) (stream.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stream.Info{}, ErrClosed
	}
	stop := deadline.Watch(ctx, c.conn.SetDeadline)
	in, err := c.open(ctx, hdr)
	err = deadline.Finish(stop, err)
	if err != nil {
		return in, err
	}
	c.logger.Debug("stream opened", zap.String("id", in.ID), zap.String("from", in.From))
	return in, nil
}

func (c *Conn) open(ctx context.Context, hdr stream.Info) (stream.Info, error) {
	c.reset()
	if c.recv {
		in, err := intstream.Expect(ctx, c.r, true, false)
		if err != nil {
			return in, err
		}
		if hdr.ID == "" {
			hdr.ID = attr.RandomID()
		}
		return in, c.sendHeader(hdr)
	}
	if err := c.sendHeader(hdr); err != nil {
		return stream.Info{}, err
	}
	return intstream.Expect(ctx, c.r, false, false)
}

func (c *Conn) sendHeader(hdr stream.Info) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return intstream.Send(c.w, hdr, false)
}

// Send writes el to the stream.
func (c *Conn) Send(ctx context.Context, el koine.Element) error {
	c.mu.Lock()
	w, conn, closed := c.w, c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	stop := deadline.Watch(ctx, conn.SetWriteDeadline)
	e := xml.NewEncoder(w)
	_, err := el.WriteXML(e)
	if err == nil {
		err = e.Flush()
	}
	return deadline.Finish(stop, err)
}

// Receive reads the next top level element.
// If the peer closes the stream io.EOF is returned, stream errors are returned
// as a stream.Error.
// If ctx is done before an element arrives the stream cannot be used again.
func (c *Conn) Receive(ctx context.Context) (koine.Element, error) {
	c.mu.Lock()
	r, conn, closed := c.r, c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return koine.Element{}, ErrClosed
	}

	stop := deadline.Watch(ctx, conn.SetReadDeadline)
	el, err := koine.ReadElement(intstream.Reader(r))
	err = deadline.Finish(stop, err)
	if err == intstream.ErrUnexpectedRestart {
		err = stream.BadFormat
	}
	return el, err
}

// Close ends the stream and closes the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.wmu.Lock()
	/* #nosec */
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := io.WriteString(c.w, intstream.CloseTag)
	c.wmu.Unlock()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Secure reports whether the connection uses TLS.
func (c *Conn) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

// ConnectionState returns the state of the TLS connection.
// If the connection is not secure the zero value is returned.
func (c *Conn) ConnectionState() tls.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok := c.conn.(*tls.Conn); ok {
		return tc.ConnectionState()
	}
	return tls.ConnectionState{}
}

// SecureInPlace performs a TLS handshake on the connection.
// It must be called after the element that triggered the upgrade was read and
// before the stream is restarted.
// If the peer already sent anything after that element ErrBufferedPlaintext is
// returned and the connection must be closed.
func (c *Conn) SecureInPlace(ctx context.Context, cfg *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.secure:
		return ErrAlreadySecure
	case c.layered:
		return ErrLayered
	case c.br.Buffered() > 0:
		return fmt.Errorf("%w: %d bytes", ErrBufferedPlaintext, c.br.Buffered())
	}

	var tc *tls.Conn
	if c.recv {
		tc = tls.Server(c.conn, cfg)
	} else {
		tc = tls.Client(c.conn, cfg)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}
	c.conn = tc
	c.w = tc
	c.br = bufio.NewReader(tc)
	c.secure = true
	c.reset()
	c.logger.Debug("connection secured", zap.Uint16("version", tc.ConnectionState().Version))
	return nil
}

// Layer wraps the byte stream of the connection.
// Data already received but not yet decoded is passed through the new layer.
// Layer must be called between reading the element that triggered it and the
// stream restart.
func (c *Conn) Layer(wrap func(io.ReadWriter) (io.ReadWriter, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	rw, err := wrap(struct {
		io.Reader
		io.Writer
	}{Reader: c.br, Writer: c.w})
	if err != nil {
		return err
	}
	c.w = rw
	c.br = bufio.NewReader(rw)
	c.layered = true
	c.reset()
	return nil
}
