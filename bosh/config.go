// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Defaults used for the zero values of Config.
const (
	DefaultWait         = 60 * time.Second
	DefaultHold         = 1
	DefaultMaxRequests  = 2
	DefaultMaxRetries   = 3
	DefaultRetryWaitMin = 500 * time.Millisecond
	DefaultRetryWaitMax = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	// URL is the address of the connection manager.
	// If it is empty Dial looks it up from the Web Host Metadata of the domain
	// of To.
	URL string

	// To is the domain of the service to connect to.
	// It is used on session creation if the stream header has no to address.
	To string

	// Lang is the default language of the session.
	Lang string

	// Wait is the longest time the connection manager may hold a request.
	Wait time.Duration

	// Hold is the number of requests the connection manager may hold at once.
	Hold int

	// MaxRequests bounds the number of concurrent HTTP requests.
	// The connection manager may lower it.
	MaxRequests int

	// MaxRetries bounds how often a failed request is retransmitted.
	// A negative value disables retries.
	MaxRetries int

	// RetryWaitMin and RetryWaitMax bound the delay between retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// HTTPClient is used to make requests.
	// If nil a pooled client with a timeout slightly longer than Wait is used.
	HTTPClient *http.Client

	// Logger receives protocol and retry logs.
	Logger *zap.Logger

	// Metrics enables prometheus metrics.
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.Wait <= 0 {
		c.Wait = DefaultWait
	}
	if c.Hold <= 0 {
		c.Hold = DefaultHold
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = DefaultRetryWaitMin
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = DefaultRetryWaitMax
		if c.RetryWaitMax < c.RetryWaitMin {
			c.RetryWaitMax = c.RetryWaitMin
		}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Params are the session parameters chosen by the connection manager.
type Params struct {
	Wait       time.Duration
	Hold       int
	Requests   int
	Inactivity time.Duration
	Polling    time.Duration
	MaxPause   time.Duration
	// Ack reports whether the connection manager acknowledges requests.
	Ack bool
}

// Resumption is the state needed to attach to a detached session.
// It should be treated as opaque.
type Resumption struct {
	URL      string
	SID      string
	StreamID string
	From     string
	RID      uint64
	Params   Params

	// Applied is the last rid whose response was handled.
	Applied uint64
	// Unacked holds every request after Applied in rid order.
	// Attach retransmits them before any new request.
	Unacked []PendingRequest
}

// PendingRequest is a request body that must be sent again unchanged.
type PendingRequest struct {
	RID  uint64
	Body []byte
}
