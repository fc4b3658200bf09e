// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"context"
	"crypto/tls"
	"errors"
	"io"

	"mellium.im/koine/stream"
)

// ErrSecureUnsupported is returned by transports that cannot be upgraded to
// TLS after they have been opened.
var ErrSecureUnsupported = errors.New("koine: transport cannot be secured in place")

// Transport carries the elements of a stream.
// Raw sockets, the HTTP long-poll binding, and WebSockets all implement it so
// that negotiation does not depend on the binding in use.
//
// Receive must return elements in the order the peer sent them.
// Send and Receive may be called concurrently with each other but not with
// themselves.
type Transport interface {
	// Open sends a stream header built from hdr and waits for the peer's
	// header.
	// Calling Open again restarts the stream.
	Open(ctx context.Context, hdr stream.Info) (stream.Info, error)

	// Send transmits a single top level element.
	Send(ctx context.Context, el Element) error

	// Receive returns the next top level element.
	// When the peer closes the stream io.EOF is returned, stream errors are
	// returned as a stream.Error.
	Receive(ctx context.Context) (Element, error)

	// Close ends the stream and releases the underlying connection.
	Close() error

	// Secure reports whether the transport is encrypted.
	Secure() bool

	// SecureInPlace upgrades the transport to TLS.
	// No byte received after the element that triggered the upgrade may be
	// read as plaintext.
	SecureInPlace(ctx context.Context, cfg *tls.Config) error
}

// Layerer is implemented by transports that can wrap their byte stream, for
// instance to add compression.
// The wrapper takes effect for all data sent or read after Layer returns.
type Layerer interface {
	Layer(wrap func(io.ReadWriter) (io.ReadWriter, error)) error
}

// ConnectionStater is implemented by transports that are secured with TLS.
type ConnectionStater interface {
	ConnectionState() tls.ConnectionState
}
