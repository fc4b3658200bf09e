// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package caps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mellium.im/koine/crypto"
	"mellium.im/koine/internal/metrics"
)

// ErrVerification is returned when the information returned by a peer does not
// hash to the verification string it advertised.
// Such information is never cached.
var ErrVerification = errors.New("caps: verification string mismatch")

// DefaultTimeout bounds a single discovery request.
const DefaultTimeout = 30 * time.Second

// Discoverer queries a peer for its identities and features.
type Discoverer interface {
	DiscoInfo(ctx context.Context, peer, node string) (Info, error)
}

// DiscovererFunc is an adapter to allow the use of ordinary functions as
// Discoverers.
type DiscovererFunc func(ctx context.Context, peer, node string) (Info, error)

// DiscoInfo calls f(ctx, peer, node).
func (f DiscovererFunc) DiscoInfo(ctx context.Context, peer, node string) (Info, error) {
	return f(ctx, peer, node)
}

// Metrics counts cache activity.
type Metrics struct {
	hits     prometheus.Counter
	lookups  prometheus.Counter
	failures prometheus.Counter
}

// NewMetrics creates the cache counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const subsystem = "caps"
	return &Metrics{
		hits: metrics.NewCounter(reg, "hits_total", subsystem,
			"lookups answered from the cache", []string{}).WithLabelValues(),
		lookups: metrics.NewCounter(reg, "discovery_requests_total", subsystem,
			"discovery requests sent to peers", []string{}).WithLabelValues(),
		failures: metrics.NewCounter(reg, "verification_failures_total", subsystem,
			"discovery results rejected because they did not match the advertised hash", []string{}).WithLabelValues(),
	}
}

func (m *Metrics) hit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *Metrics) lookup() {
	if m != nil {
		m.lookups.Inc()
	}
}

func (m *Metrics) failure() {
	if m != nil {
		m.failures.Inc()
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used by the cache.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTimeout bounds each discovery request.
// The request is not bound to the context of any single caller, since other
// callers may be waiting on the same result.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.timeout = d
	}
}

// WithMetrics enables prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache memoizes verified capability sets by hash.
// At most one discovery request is in flight for any verification string, no
// matter how many peers advertise it.
// Entries are never evicted.
//
// A Cache is safe for concurrent use and is meant to be shared by every
// session in the process.
type Cache struct {
	d       Discoverer
	logger  *zap.Logger
	timeout time.Duration
	metrics *Metrics

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]Info
}

// New returns an empty cache that resolves unknown hashes with d.
func New(d Discoverer, opts ...Option) *Cache {
	c := &Cache{
		d:       d,
		logger:  zap.NewNop(),
		timeout: DefaultTimeout,
		entries: make(map[string]Info),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(h crypto.Hash, ver string) string {
	return h.String() + "\x00" + ver
}

// Get returns the cached information for a verification string without
// making any requests.
func (c *Cache) Get(h crypto.Hash, ver string) (Info, bool) {
	return c.get(key(h, ver))
}

func (c *Cache) get(k string) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[k]
	return info, ok
}

// Len returns the number of cached capability sets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Lookup returns the identities and features advertised as caps by peer.
// If the hash is not cached, and no other lookup for it is in progress, peer
// is queried and the response is verified before it is cached.
// Callers that arrive while a query is in progress wait for its result.
//
// Canceling ctx only stops this caller from waiting.
func (c *Cache) Lookup(ctx context.Context, peer string, caps Caps) (Info, error) {
	if !caps.Hash.Available() {
		return Info{}, fmt.Errorf("caps: %w %v", crypto.ErrUnknownAlgo, caps.Hash)
	}
	if caps.Ver == "" {
		return Info{}, fmt.Errorf("%w: empty verification string", ErrVerification)
	}
	k := key(caps.Hash, caps.Ver)
	if info, ok := c.get(k); ok {
		c.metrics.hit()
		return info, nil
	}

	ch := c.group.DoChan(k, func() (interface{}, error) {
		// A previous flight may have finished between our check and joining the
		// group.
		if info, ok := c.get(k); ok {
			return info, nil
		}
		return c.discover(context.WithoutCancel(ctx), peer, caps, k)
	})
	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Info{}, res.Err
		}
		return res.Val.(Info), nil
	}
}

func (c *Cache) discover(ctx context.Context, peer string, caps Caps, k string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logger := c.logger.With(zap.String("peer", peer), zap.Stringer("hash", caps.Hash), zap.String("ver", caps.Ver))
	logger.Debug("querying peer for capabilities")
	c.metrics.lookup()
	info, err := c.d.DiscoInfo(ctx, peer, caps.Node+"#"+caps.Ver)
	if err != nil {
		logger.Debug("capabilities query failed", zap.Error(err))
		return Info{}, err
	}
	if err := verify(info, caps); err != nil {
		c.metrics.failure()
		logger.Warn("peer advertised capabilities that do not match its hash", zap.Error(err))
		return Info{}, err
	}

	c.mu.Lock()
	c.entries[k] = info
	c.mu.Unlock()
	return info, nil
}
