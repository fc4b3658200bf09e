// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dial discovers and connects to XMPP services over TCP.
//
// The connections it returns carry the raw socket binding and are ready to be
// passed to koine.NewClientSession.
package dial // import "mellium.im/koine/dial"

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mellium.im/koine/internal/discover"
	"mellium.im/koine/transport"
)

// ErrNoService is returned when the domain has announced that it does not offer
// the XMPP service.
var ErrNoService = errors.New("dial: no xmpp service found")

// Client discovers and connects to the domain of addr with a client-to-server
// (c2s) connection.
//
// For more information see the Dialer type.
func Client(ctx context.Context, network, addr string) (*transport.Conn, error) {
	var d Dialer
	return d.Dial(ctx, network, addr)
}

// Server discovers and connects to the domain of addr with a server-to-server
// (s2s) connection.
//
// For more info see the Dialer type.
func Server(ctx context.Context, network, addr string) (*transport.Conn, error) {
	d := Dialer{
		S2S: true,
	}
	return d.Dial(ctx, network, addr)
}

// A Dialer contains options for connecting to an XMPP address.
// After a connection is established the Dial method does not attempt to create
// a session on the connection.
//
// The zero value for each field is equivalent to dialing without that option.
// Dialing with the zero value of Dialer is equivalent to calling the Client
// function.
type Dialer struct {
	net.Dialer

	// NoLookup stops the dialer from looking up SRV records for the given domain.
	// Instead, it will try to connect to the default ports of the domain.
	NoLookup bool

	// S2S causes the dialer to look for server-to-server services.
	S2S bool

	// Disable implicit TLS entirely (eg. when using opportunistic TLS on a server
	// that does not support implicit TLS).
	NoTLS bool

	// The configuration to use when dialing with implicit TLS.
	// Setting TLSConfig has no effect if NoTLS is true.
	// The default is a tls.Config with the server name set to the domain of the
	// address.
	TLSConfig *tls.Config

	// Logger is passed to the returned connection.
	Logger *zap.Logger
}

// Dial discovers and connects to the domain of addr on the named network.
// addr may be a bare domain, a full address of the form
// [user@]domain[/resource], or a host and port which is dialed directly.
// If the context expires before the connection is complete, an error is
// returned. Once successfully connected, any expiration of the context will not
// affect the connection.
//
// Network may be any of the stream network types supported by net.Dial, but you
// most likely want to use one of the tcp types ("tcp", "tcp4", or "tcp6").
func (d *Dialer) Dial(ctx context.Context, network, addr string) (*transport.Conn, error) {
	domain := discover.Domain(addr)
	return d.DialServer(ctx, network, addr, domain)
}

// DialServer behaves exactly the same as Dial, besides that the server it tries
// to connect to is given as argument instead of using the domain of addr.
//
// Changing the server does not affect the server name expected by the default
// TLSConfig which remains the domain of addr.
func (d *Dialer) DialServer(ctx context.Context, network, addr, server string) (*transport.Conn, error) {
	c, err := d.dial(ctx, network, discover.Domain(addr), server)
	if err != nil {
		return nil, err
	}
	var opts []transport.Option
	if d.Logger != nil {
		opts = append(opts, transport.WithLogger(d.Logger))
	}
	return transport.New(c, opts...), nil
}

func (d *Dialer) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dialer) tlsConfig(domain string) *tls.Config {
	if d.TLSConfig != nil {
		return d.TLSConfig
	}
	cfg := &tls.Config{
		ServerName: domain,
		MinVersion: tls.VersionTLS12,
	}
	// XEP-0368
	if d.S2S {
		cfg.NextProtos = []string{"xmpp-server"}
	} else {
		cfg.NextProtos = []string{"xmpp-client"}
	}
	return cfg
}

func (d *Dialer) dial(ctx context.Context, network, domain, server string) (net.Conn, error) {
	cfg := d.tlsConfig(domain)

	// An explicit port or an IP address leaves nothing to discover.
	if _, _, err := net.SplitHostPort(server); err == nil {
		return d.Dialer.DialContext(ctx, network, server)
	}
	server = strings.TrimSuffix(strings.TrimPrefix(server, "["), "]")
	if d.NoLookup || net.ParseIP(server) != nil {
		return d.legacy(ctx, network, server, cfg)
	}

	var xmppAddrs, xmppsAddrs []*net.SRV
	g, gctx := errgroup.WithContext(ctx)
	var xmppsErr error
	if !d.NoTLS {
		g.Go(func() error {
			addrs, err := discover.LookupService(gctx, d.Resolver, connType(true, d.S2S), server)
			if err != nil {
				// Implicit TLS is optional, failing to find it is not fatal.
				xmppsErr = err
				return nil
			}
			xmppsAddrs = addrs
			return nil
		})
	}
	g.Go(func() error {
		addrs, err := discover.LookupService(gctx, d.Resolver, connType(false, d.S2S), server)
		if err != nil {
			return err
		}
		xmppAddrs = addrs
		return nil
	})
	if err := g.Wait(); err != nil {
		if xmppsErr == nil && len(xmppsAddrs) > 0 {
			d.logger().Debug("lookup failed, using implicit TLS records only", zap.Error(err))
		} else {
			return nil, err
		}
	}

	addrs := make([]*net.SRV, 0, len(xmppAddrs)+len(xmppsAddrs))
	addrs = append(addrs, xmppsAddrs...)
	addrs = append(addrs, xmppAddrs...)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w at %s", ErrNoService, server)
	}

	// Try dialing all of the SRV records we know about, breaking as soon as the
	// connection is established.
	var err error
	for i, addr := range addrs {
		hostport := net.JoinHostPort(addr.Target, strconv.FormatUint(uint64(addr.Port), 10))
		var c net.Conn
		if i < len(xmppsAddrs) {
			c, err = d.dialTLS(ctx, network, hostport, cfg)
		} else {
			c, err = d.Dialer.DialContext(ctx, network, hostport)
		}
		if err != nil {
			d.logger().Debug("dial failed", zap.String("addr", hostport), zap.Error(err))
			continue
		}
		d.logger().Debug("connected", zap.String("addr", hostport), zap.Bool("tls", i < len(xmppsAddrs)))
		return c, nil
	}
	return nil, err
}

func (d *Dialer) dialTLS(ctx context.Context, network, hostport string, cfg *tls.Config) (net.Conn, error) {
	tlsDialer := &tls.Dialer{
		NetDialer: &d.Dialer,
		Config:    cfg,
	}
	return tlsDialer.DialContext(ctx, network, hostport)
}

// legacy dials the default ports of the domain without any lookups.
func (d *Dialer) legacy(ctx context.Context, network string, domain string, cfg *tls.Config) (net.Conn, error) {
	if !d.NoTLS {
		fallback := discover.FallbackRecords(connType(true, d.S2S), domain)[0]
		conn, err := d.dialTLS(ctx, network, net.JoinHostPort(domain, strconv.Itoa(int(fallback.Port))), cfg)
		if err == nil {
			return conn, nil
		}
		d.logger().Debug("implicit TLS failed", zap.Error(err))
	}
	fallback := discover.FallbackRecords(connType(false, d.S2S), domain)[0]
	return d.Dialer.DialContext(ctx, network, net.JoinHostPort(domain, strconv.Itoa(int(fallback.Port))))
}

func connType(useTLS, s2s bool) string {
	switch {
	case useTLS && s2s:
		return "xmpps-server"
	case !useTLS && s2s:
		return "xmpp-server"
	case useTLS && !s2s:
		return "xmpps-client"
	}
	return "xmpp-client"
}
