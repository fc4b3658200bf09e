// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package metrics creates the prometheus collectors used by other packages.
package metrics // import "mellium.im/koine/internal/metrics"

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the namespace all metrics are defined under.
const Namespace = "koine"

// NewCounter creates a counter vector registered with reg.
// If reg is nil the counter is created but not registered.
func NewCounter(reg prometheus.Registerer, name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewGauge creates a gauge vector registered with reg.
func NewGauge(reg prometheus.Registerer, name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewHistogramWithBuckets creates a histogram vector with custom buckets.
func NewHistogramWithBuckets(reg prometheus.Registerer, name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}
