// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the koine package
// and other internal packages.
package ns // import "mellium.im/koine/internal/ns"

// List of commonly used namespaces.
const (
	Bind        = "urn:ietf:params:xml:ns:xmpp-bind"
	Caps        = "http://jabber.org/protocol/caps"
	Client      = "jabber:client"
	Compress    = "http://jabber.org/protocol/compress"
	CompressFea = "http://jabber.org/features/compress"
	DiscoInfo   = "http://jabber.org/protocol/disco#info"
	Framing     = "urn:ietf:params:xml:ns:xmpp-framing"
	HTTPBind    = "http://jabber.org/protocol/httpbind"
	SASL        = "urn:ietf:params:xml:ns:xmpp-sasl"
	Server      = "jabber:server"
	Session     = "urn:ietf:params:xml:ns:xmpp-session"
	SM          = "urn:xmpp:sm:3"
	StartTLS    = "urn:ietf:params:xml:ns:xmpp-tls"
	Stanza      = "urn:ietf:params:xml:ns:xmpp-stanzas"
	Stream      = "http://etherx.jabber.org/streams"
	Streams     = "urn:ietf:params:xml:ns:xmpp-streams"
	XBOSH       = "urn:xmpp:xbosh"
	XML         = "http://www.w3.org/XML/1998/namespace"
)
