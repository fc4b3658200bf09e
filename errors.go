// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package koine

import (
	"encoding/xml"
	"errors"
)

// ErrMissingNegotiator is returned when the peer advertises a mandatory
// feature that has no enabled negotiator.
// It is a configuration error and is reported before any further data is sent.
var ErrMissingNegotiator = errors.New("koine: mandatory feature has no enabled negotiator")

// ErrUnsatisfied is returned when a mandatory feature is reached before the
// state it depends on was negotiated, for instance when authentication is
// required before the stream was secured.
var ErrUnsatisfied = errors.New("koine: mandatory feature cannot be negotiated in the current state")

// NegotiationError is returned when a feature could not be negotiated.
// Err is the condition reported by the negotiator, for instance a
// saslerr.Failure, a stream.Error, or ErrMissingNegotiator.
type NegotiationError struct {
	Feature xml.Name
	Err     error
}

func (e *NegotiationError) Error() string {
	return "koine: negotiating " + e.Feature.Local + ": " + e.Err.Error()
}

// Unwrap returns the underlying condition.
func (e *NegotiationError) Unwrap() error {
	return e.Err
}
