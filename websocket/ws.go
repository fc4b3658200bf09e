// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"mellium.im/koine/internal/discover"
)

// ErrNoProtocol is returned by the handshake of a Server when the client does
// not offer the xmpp subprotocol.
var ErrNoProtocol = errors.New("websocket: client did not request the xmpp subprotocol")

// Dial discovers WebSocket endpoints associated with the domain of addr and
// attempts to make a connection to one of them.
//
// Calling Dial is the equivalent of creating a Dialer type with only the Origin
// option set and calling its Dial method.
func Dial(ctx context.Context, origin, addr string) (*Conn, error) {
	d := Dialer{
		Origin: origin,
	}
	return d.Dial(ctx, addr)
}

// DialDirect dials the provided WebSocket endpoint without performing any
// Web Host Metadata lookup.
func DialDirect(ctx context.Context, origin, location string) (*Conn, error) {
	d := Dialer{
		Origin: origin,
	}
	return d.DialDirect(ctx, location)
}

// Dialer discovers and connects to the WebSocket endpoint of a domain.
// The zero value for each field is equivalent to dialing without that option
// with the exception of Origin (which is required).
type Dialer struct {
	// A WebSocket client origin.
	Origin string

	// TLS config for secure WebSocket (wss).
	// If TLSConfig is nil a default config is used.
	TLSConfig *tls.Config

	// Allow falling back to insecure WebSocket connections without TLS.
	// If a secure WebSocket endpoint is available it will still be prioritized.
	//
	// The WebSocket binding does not support StartTLS so this should never be
	// used outside of tests.
	InsecureNoTLS bool

	// Additional header fields to be sent in WebSocket opening handshake.
	Header http.Header

	// Dialer used when opening websocket connections.
	Dialer *net.Dialer

	// HTTP Client to use when looking up Web Host Metadata files.
	Client *http.Client

	// Logger is passed to the connections created by the dialer.
	Logger *zap.Logger
}

// rank orders endpoint URLs, lower is preferred.
func rank(u string) int {
	switch {
	case strings.HasPrefix(u, "wss:"):
		return 0
	case strings.HasPrefix(u, "ws:"):
		return 1
	}
	return 2
}

// Dial looks up the Web Host Metadata of the domain of addr and connects to the
// first WebSocket endpoint that accepts the connection.
// Secure endpoints are tried first and insecure ones are skipped unless
// InsecureNoTLS is set.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	domain := discover.Domain(addr)
	urls, err := discover.LookupWebSocket(ctx, d.Client, domain)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(urls, func(i, j int) bool {
		return rank(urls[i]) < rank(urls[j])
	})

	err = fmt.Errorf("websocket: no XMPP websocket endpoint found on %s", domain)
	for _, u := range urls {
		if rank(u) > 1 || (!d.InsecureNoTLS && rank(u) == 1) {
			continue
		}
		var conn *Conn
		conn, err = d.DialDirect(ctx, u)
		if err == nil {
			return conn, nil
		}
		d.logger().Debug("dialing websocket endpoint failed", zap.String("url", u), zap.Error(err))
	}
	return nil, err
}

// DialDirect dials the websocket endpoint at location without performing any
// lookup.
func (d *Dialer) DialDirect(ctx context.Context, location string) (*Conn, error) {
	cfg, err := d.config(location)
	if err != nil {
		return nil, err
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return New(ws, WithLogger(d.logger())), nil
}

func (d *Dialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dialer) config(location string) (*websocket.Config, error) {
	cfg, err := websocket.NewConfig(location, d.Origin)
	if err != nil {
		return nil, err
	}
	cfg.Protocol = []string{WSProtocol}
	cfg.TlsConfig = d.TLSConfig
	if cfg.TlsConfig == nil {
		cfg.TlsConfig = &tls.Config{
			ServerName: cfg.Location.Hostname(),
			MinVersion: tls.VersionTLS12,
		}
	}
	for k, v := range d.Header {
		cfg.Header[k] = v
	}
	cfg.Dialer = d.Dialer
	return cfg, nil
}

// Server returns an HTTP handler that accepts WebSocket connections offering
// the xmpp subprotocol and calls handler with each of them.
// The connection is closed when handler returns.
func Server(handler func(*Conn), opts ...Option) http.Handler {
	return websocket.Server{
		Handshake: func(cfg *websocket.Config, _ *http.Request) error {
			for _, p := range cfg.Protocol {
				if p == WSProtocol {
					cfg.Protocol = []string{WSProtocol}
					return nil
				}
			}
			return ErrNoProtocol
		},
		Handler: func(ws *websocket.Conn) {
			c := New(ws, opts...)
			defer c.Close()
			handler(c)
		},
	}
}
