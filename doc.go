// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package koine establishes XMPP client sessions.
//
// Be advised: This API is still unstable and is subject to change.
//
// # Sessions
//
// A Session is an input and output XML stream carried by a Transport.
// Transports exist for raw TCP sockets (package transport), the HTTP binding
// (package bosh) and WebSockets (package websocket); all of them carry whole
// top level elements, so the negotiation logic in this package never touches
// bytes.
//
// To establish a session dial the server and call NewClientSession with the
// features that should be negotiated:
//
//	conn, err := dial.Client(ctx, "tcp", "me@example.net")
//	…
//	s, err := koine.NewClientSession(ctx, "example.net", "me@example.net", conn, koine.StreamConfig{
//		Features: []koine.StreamFeature{
//			koine.StartTLS(true, nil),
//			koine.SASL("", "me", pass, scram.Mechanism(crypto.SHA256), scram.Mechanism(crypto.SHA1)),
//			koine.BindResource(""),
//			koine.SessionEstablishment(),
//		},
//	})
//
// # Stream Features
//
// After a stream is opened the server advertises a list of features.
// Each advertised feature that matches an enabled StreamFeature is negotiated
// in order of its Rank, regardless of the order of the advertisement.
// A feature that is mandatory but has no matching StreamFeature aborts the
// negotiation with ErrMissingNegotiator before anything is sent.
// Negotiators signal with the Restart result that the stream must be reopened
// (for instance after TLS or authentication) at which point a new
// advertisement is read and the process repeats.
// Once an advertisement is exhausted without a restart the session is Ready
// and Send and Receive may be used.
//
// Additional features are provided by other packages: package compress
// implements stream compression, package sm implements stream management and
// package caps parses entity capabilities.
package koine // import "mellium.im/koine"
