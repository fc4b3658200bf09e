// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package websocket implements the WebSocket binding of XML streams as
// described by RFC 7395.
//
// Each WebSocket text message carries exactly one complete element.
// Streams are opened with <open/> and closed with <close/> instead of the
// <stream:stream> wrapper used on raw sockets.
// A WebSocket stream cannot be upgraded to TLS after it is opened, use a wss
// URL instead.
package websocket // import "mellium.im/koine/websocket"

// Various constants used by this package, provided as a convenience.
const (
	// NS is the XML namespace used by the XMPP subprotocol framing.
	NS = "urn:ietf:params:xml:ns:xmpp-framing"

	// WSProtocol is the protocol string used during the WebSocket handshake.
	WSProtocol = "xmpp"
)
