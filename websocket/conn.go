// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package websocket

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"mellium.im/koine"
	"mellium.im/koine/internal/attr"
	"mellium.im/koine/internal/deadline"
	intstream "mellium.im/koine/internal/stream"
	"mellium.im/koine/stream"
)

// ErrClosed is returned when using a connection after Close.
var ErrClosed = errors.New("websocket: use of closed connection")

// DefaultMaxMessage is the largest message accepted from the peer unless
// WithMaxMessage is used.
const DefaultMaxMessage = 1 << 20

// frames is the codec used for all messages.
// Every message is a single text frame.
var frames = websocket.Codec{
	Marshal: func(v interface{}) ([]byte, byte, error) {
		return v.([]byte), websocket.TextFrame, nil
	},
	Unmarshal: func(data []byte, payloadType byte, v interface{}) error {
		if payloadType != websocket.TextFrame {
			return stream.UnsupportedEncoding
		}
		*v.(*[]byte) = data
		return nil
	},
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used by the connection.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithMaxMessage limits the size of messages received from the peer.
func WithMaxMessage(n int) Option {
	return func(c *Conn) {
		c.ws.MaxPayloadBytes = n
	}
}

// Conn is a stream transported over a WebSocket.
type Conn struct {
	logger *zap.Logger
	ws     *websocket.Conn
	recv   bool
	secure bool

	mu     sync.Mutex
	closed bool

	wmu sync.Mutex
}

var _ koine.Transport = (*Conn)(nil)

// New returns a stream transport over an established WebSocket.
// Connections accepted by a websocket.Server are treated as the receiving side
// of the stream.
func New(ws *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		logger: zap.NewNop(),
		ws:     ws,
		recv:   ws.IsServerConn(),
	}
	ws.MaxPayloadBytes = DefaultMaxMessage
	if c.recv {
		c.secure = ws.Request() != nil && ws.Request().TLS != nil
	} else {
		c.secure = ws.Config().Location.Scheme == "wss"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) send(ctx context.Context, msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	stop := deadline.Watch(ctx, c.ws.SetWriteDeadline)
	err := frames.Send(c.ws, msg)
	return deadline.Finish(stop, err)
}

func (c *Conn) receive(ctx context.Context) ([]byte, error) {
	var msg []byte
	stop := deadline.Watch(ctx, c.ws.SetReadDeadline)
	err := frames.Receive(c.ws, &msg)
	return msg, deadline.Finish(stop, err)
}

// Open sends an <open/> element and waits for the peer's <open/>.
// The receiving side reads the peer's element first and generates a stream ID
// if hdr does not have one.
func (c *Conn) Open(ctx context.Context, hdr stream.Info) (stream.Info, error) {
	if c.isClosed() {
		return stream.Info{}, ErrClosed
	}
	var in stream.Info
	var err error
	if c.recv {
		in, err = c.expect(ctx)
		if err != nil {
			return in, err
		}
		if hdr.ID == "" {
			hdr.ID = attr.RandomID()
		}
		err = c.sendOpen(ctx, hdr)
	} else {
		if err = c.sendOpen(ctx, hdr); err != nil {
			return in, err
		}
		in, err = c.expect(ctx)
	}
	if err != nil {
		return in, err
	}
	c.logger.Debug("stream opened", zap.String("id", in.ID), zap.String("from", in.From))
	return in, nil
}

func (c *Conn) sendOpen(ctx context.Context, hdr stream.Info) error {
	var b bytes.Buffer
	if err := intstream.Send(&b, hdr, true); err != nil {
		return err
	}
	return c.send(ctx, b.Bytes())
}

func (c *Conn) expect(ctx context.Context) (stream.Info, error) {
	msg, err := c.receive(ctx)
	if err != nil {
		return stream.Info{}, err
	}
	return intstream.Expect(ctx, xml.NewDecoder(bytes.NewReader(msg)), c.recv, true)
}

// Send writes el as a single message.
func (c *Conn) Send(ctx context.Context, el koine.Element) error {
	if c.isClosed() {
		return ErrClosed
	}
	var b bytes.Buffer
	e := xml.NewEncoder(&b)
	if _, err := el.WriteXML(e); err != nil {
		return err
	}
	if err := e.Flush(); err != nil {
		return err
	}
	return c.send(ctx, b.Bytes())
}

// Receive reads the next message and returns the element it contains.
// If the peer sends <close/> io.EOF is returned, or a *RedirectError if it
// names another endpoint.
// Stream errors are returned as a stream.Error.
func (c *Conn) Receive(ctx context.Context) (koine.Element, error) {
	if c.isClosed() {
		return koine.Element{}, ErrClosed
	}
	msg, err := c.receive(ctx)
	if err != nil {
		return koine.Element{}, err
	}
	return parseMessage(msg)
}

// parseMessage decodes a message that must hold exactly one element.
func parseMessage(msg []byte) (koine.Element, error) {
	r := intstream.Reader(xml.NewDecoder(bytes.NewReader(msg)))
	el, err := koine.ReadElement(r)
	switch {
	case err == io.EOF:
		return koine.Element{}, stream.BadFormat
	case err == intstream.ErrUnexpectedRestart:
		return koine.Element{}, stream.BadFormat
	case err != nil:
		return koine.Element{}, err
	}
	if _, err := koine.ReadElement(r); err != io.EOF {
		return koine.Element{}, stream.BadFormat
	}

	if el.Name().Space == NS {
		switch el.Name().Local {
		case "close":
			cf := closeFrame{}
			if err := el.Decode(&cf); err != nil {
				return koine.Element{}, err
			}
			if cf.SeeOtherURI != "" {
				return koine.Element{}, &RedirectError{URI: cf.SeeOtherURI}
			}
			return koine.Element{}, io.EOF
		case "open":
			return koine.Element{}, stream.BadFormat
		}
	}
	return el, nil
}

// Close sends <close/> and closes the WebSocket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	b, err := xml.Marshal(closeFrame{})
	if err != nil {
		return err
	}
	c.wmu.Lock()
	/* #nosec */
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	err = frames.Send(c.ws, b)
	c.wmu.Unlock()
	if err != nil {
		c.logger.Debug("close frame not sent", zap.Error(err))
	}
	err = c.ws.Close()
	if peerGone(err) {
		c.logger.Debug("peer closed before us", zap.Error(err))
		return nil
	}
	return err
}

// peerGone reports whether err means the other side already hung up.
func peerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Secure reports whether the WebSocket uses TLS.
func (c *Conn) Secure() bool {
	return c.secure
}

// SecureInPlace always returns koine.ErrSecureUnsupported.
func (c *Conn) SecureInPlace(context.Context, *tls.Config) error {
	return koine.ErrSecureUnsupported
}
