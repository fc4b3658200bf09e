// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package bosh implements the HTTP long-poll binding of XML streams as defined
// by XEP-0124 and XEP-0206.
//
// A Client emulates a bidirectional stream using a series of HTTP requests.
// Each request carries a <body/> wrapper with a request ID (rid) that is one
// higher than the last.
// Several requests may be outstanding at the same time, but responses are
// applied in rid order so elements are received in the order the connection
// manager sent them.
//
// Requests that fail because of network errors or server errors are retried
// with exactly the same bytes and the same rid.
// Bodies stay queued until the connection manager acknowledges them.
package bosh // import "mellium.im/koine/bosh"

// Protocol versions implemented by this package.
const (
	// Version is the version of XEP-0124 advertised in session requests.
	Version = "1.6"

	// XMPPVersion is the version of XMPP advertised in session requests.
	XMPPVersion = "1.0"
)
