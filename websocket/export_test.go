// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package websocket

import "golang.org/x/net/websocket"

// RawConn exposes the underlying WebSocket so that tests can send arbitrary
// messages.
func RawConn(c *Conn) *websocket.Conn {
	return c.ws
}
