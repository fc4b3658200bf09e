// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Terminal binding conditions as defined by XEP-0124 §17.
const (
	BadRequest             = "bad-request"
	HostGone               = "host-gone"
	HostUnknown            = "host-unknown"
	ImproperAddressing     = "improper-addressing"
	InternalServerError    = "internal-server-error"
	ItemNotFound           = "item-not-found"
	OtherRequest           = "other-request"
	PolicyViolation        = "policy-violation"
	RemoteConnectionFailed = "remote-connection-failed"
	RemoteStreamError      = "remote-stream-error"
	SeeOtherURI            = "see-other-uri"
	SystemShutdown         = "system-shutdown"
	UndefinedCondition     = "undefined-condition"
)

// Errors returned by Client.
var (
	ErrClosed     = errors.New("bosh: use of closed session")
	ErrDetached   = errors.New("bosh: session was detached")
	ErrNotStarted = errors.New("bosh: session has not been created")
)

// Error is a terminal failure of the session reported by the connection
// manager, either as a terminate body or as an HTTP error status.
type Error struct {
	// Condition is the binding condition, it may be empty if the server only
	// returned an HTTP status.
	Condition string

	// URI is the endpoint that returned the error, or the new endpoint for the
	// see-other-uri condition.
	URI string

	// StatusCode is the HTTP status code if the error was reported at the HTTP
	// layer.
	StatusCode int
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("bosh: session terminated")
	if e.Condition != "" {
		b.WriteString(": " + e.Condition)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d %s)", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.URI != "" {
		b.WriteString(" uri=" + e.URI)
	}
	return b.String()
}

// Is reports whether target is an *Error with the same condition.
// If target has a status code it must match as well.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Condition == e.Condition && (t.StatusCode == 0 || t.StatusCode == e.StatusCode)
}

// statusError maps an HTTP status returned by the connection manager to an
// error.
// The statuses defined by XEP-0124 §17.2 are terminal.
func statusError(code int, uri string) error {
	e := &Error{URI: uri, StatusCode: code}
	switch code {
	case http.StatusBadRequest:
		e.Condition = BadRequest
	case http.StatusForbidden:
		e.Condition = PolicyViolation
	case http.StatusNotFound:
		e.Condition = ItemNotFound
	}
	return e
}

// terminalStatus reports whether a request that received code must not be
// retried.
func terminalStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
