// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mellium.im/koine/internal/metrics"
)

const subsystem = "bosh"

// Metrics holds the collectors updated by clients.
// A single Metrics may be shared by many clients.
type Metrics struct {
	requests *prometheus.CounterVec
	retries  prometheus.Counter
	inflight prometheus.Gauge
	latency  prometheus.Observer
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: metrics.NewCounter(reg, "requests_total", subsystem,
			"HTTP requests by outcome", []string{"outcome"}),
		retries: metrics.NewCounter(reg, "retries_total", subsystem,
			"retransmitted requests", []string{}).WithLabelValues(),
		inflight: metrics.NewGauge(reg, "requests_in_flight", subsystem,
			"outstanding HTTP requests", []string{}).WithLabelValues(),
		latency: metrics.NewHistogramWithBuckets(reg, "request_duration_seconds", subsystem,
			"time until the connection manager responded, including retries", []string{},
			prometheus.ExponentialBuckets(0.01, 4, 8)).WithLabelValues(),
	}
}

func (m *Metrics) request(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.latency.Observe(d.Seconds())
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) started() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *Metrics) finished() {
	if m != nil {
		m.inflight.Dec()
	}
}
