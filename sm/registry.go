// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sm

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"mellium.im/koine"
)

// DefaultWindow is the resumption window used by a Registry when none is
// configured.
const DefaultWindow = 5 * time.Minute

// RegistryOpt configures a Registry.
type RegistryOpt func(*Registry)

// WithWindow sets how long detached sessions are kept.
func WithWindow(d time.Duration) RegistryOpt {
	return func(r *Registry) {
		r.window = d
	}
}

// WithClock sets the clock used to expire detached sessions.
func WithClock(clock clockwork.Clock) RegistryOpt {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithLogger sets the logger of the registry.
func WithLogger(logger *zap.Logger) RegistryOpt {
	return func(r *Registry) {
		r.logger = logger
	}
}

type registration struct {
	m        *Manager
	detached bool
	expires  time.Time
}

// Registry keeps the managers of resumable sessions on the receiving side of
// a stream.
// Detached sessions are kept until their resumption window expires.
// A Registry is safe for concurrent use.
type Registry struct {
	window time.Duration
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOpt) *Registry {
	r := &Registry{
		window:   DefaultWindow,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		sessions: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Window returns the resumption window granted to sessions.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Enable creates a resumable manager for a new session and returns the
// <enabled/> element that should be sent to the peer.
// Outbound stanzas must be passed to the manager's Outbound method and
// inbound ones to Inbound.
// Acknowledgements are written to tr concurrently with other traffic, so tr
// must serialize them with the caller's own sends, as Session.Direct does.
func (r *Registry) Enable(tr koine.Sender) (*Manager, koine.Element) {
	id := uuid.NewString()
	m := New(Config{Resume: true, Max: r.window, Logger: r.logger.With(zap.String("id", id))})
	m.id = id
	m.max = r.window
	m.resumable = true
	m.attach(tr)

	r.mu.Lock()
	r.sessions[id] = &registration{m: m}
	r.mu.Unlock()

	r.logger.Debug("session registered", zap.String("id", id))
	return m, smElement("enabled",
		xml.Attr{Name: xml.Name{Local: "id"}, Value: id},
		xml.Attr{Name: xml.Name{Local: "resume"}, Value: "true"},
		xml.Attr{Name: xml.Name{Local: "max"}, Value: strconv.Itoa(int(r.window / time.Second))},
	)
}

// Detach marks the session as disconnected.
// It can be resumed until the resumption window expires.
func (r *Registry) Detach(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessions[id]
	if !ok {
		return ErrUnknownID
	}
	reg.detached = true
	reg.expires = r.clock.Now().Add(r.window)
	reg.m.mu.Lock()
	reg.m.tr = nil
	reg.m.mu.Unlock()
	r.logger.Debug("session detached", zap.String("id", id), zap.Time("expires", reg.expires))
	return nil
}

// Resume hands a detached session to a new transport.
// h is the number of our stanzas the peer says it handled.
// The stanzas the peer did not handle are returned in the order they were
// originally sent and must be redelivered before any new traffic.
//
// Unknown ids fail with ErrUnknownID and sessions outside of their window
// with ErrExpired; in both cases the peer must start a new session.
// A rejected resumption leaves the session detached and its window running.
func (r *Registry) Resume(id string, h uint32, tr koine.Sender) (*Manager, []koine.Element, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessions[id]
	if !ok {
		return nil, nil, ErrUnknownID
	}
	if reg.detached && !r.clock.Now().Before(reg.expires) {
		delete(r.sessions, id)
		return nil, nil, ErrExpired
	}

	m := reg.m
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := Diff(m.out.Value(), h)
	if err := m.ack(h); err != nil {
		return nil, nil, err
	}
	redeliver := m.unacked()
	if uint32(len(redeliver)) != pending {
		return nil, nil, fmt.Errorf("sm: %d stanzas pending but %d queued", pending, len(redeliver))
	}
	reg.detached = false
	m.tr = tr
	m.enabled = true
	r.logger.Debug("session resumed", zap.String("id", id), zap.Uint32("h", h), zap.Int("redeliver", len(redeliver)))
	return m, redeliver, nil
}

// Resumed returns the <resumed/> element confirming the resumption of id.
// h is the number of stanzas we handled.
func Resumed(id string, h uint32) koine.Element {
	return smElement("resumed",
		xml.Attr{Name: xml.Name{Local: "previd"}, Value: id},
		hAttr(h),
	)
}

// Remove forgets a session, for instance because it was closed cleanly.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Sweep forgets all detached sessions whose window has expired and returns
// how many were removed.
func (r *Registry) Sweep() int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for id, reg := range r.sessions {
		if reg.detached && !now.Before(reg.expires) {
			delete(r.sessions, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("expired sessions removed", zap.Int("count", n))
	}
	return n
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
