// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package websocket

import (
	"encoding/xml"
	"fmt"
)

// closeFrame ends a stream.
// A server may set SeeOtherURI to redirect the client to another endpoint.
type closeFrame struct {
	XMLName     xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
	SeeOtherURI string   `xml:"see-other-uri,attr,omitempty"`
}

// RedirectError is returned by Receive when the server closes the stream and
// asks the client to reconnect to another endpoint.
type RedirectError struct {
	URI string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("websocket: stream closed, see other URI %q", e.URI)
}
