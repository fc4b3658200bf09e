// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mellium.im/koine/internal/metrics"
)

func TestRegistered(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := metrics.NewCounter(reg, "things_total", "test", "things seen", []string{"kind"})
	c.WithLabelValues("a").Add(2)
	g := metrics.NewGauge(reg, "level", "test", "current level", nil)
	g.WithLabelValues().Set(3)
	h := metrics.NewHistogramWithBuckets(reg, "latency_seconds", "test", "latency", nil, prometheus.LinearBuckets(0, 1, 3))
	h.WithLabelValues().Observe(1)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 2.0, testutil.ToFloat64(c.WithLabelValues("a")))
}

func TestNilRegisterer(t *testing.T) {
	c := metrics.NewCounter(nil, "things_total", "test", "things seen", nil)
	c.WithLabelValues().Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(c.WithLabelValues()))
}
