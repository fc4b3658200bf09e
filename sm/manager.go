// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mellium.im/koine"
	"mellium.im/koine/internal/ackqueue"
)

// Config configures a Manager.
type Config struct {
	// Resume requests that the peer keeps the session around so that it can be
	// resumed after the transport is lost.
	Resume bool

	// Max is the preferred resumption window.
	// The peer may choose a different value.
	Max time.Duration

	// Prev is the state of a previous session.
	// If set the Manager's stream feature resumes that session instead of
	// enabling stream management on a new one.
	Prev *Resumption

	// Logger receives debug output.
	// If nil, nothing is logged.
	Logger *zap.Logger
}

// Resumption is the state needed to resume a session.
// It is treated as opaque by everything except the Manager that created it.
type Resumption struct {
	// ID is the resumption id assigned by the peer.
	ID string

	// Location is the address the peer asked us to reconnect to, if any.
	Location string

	// Max is the resumption window granted by the peer.
	Max time.Duration

	// In is the number of stanzas we handled, Out the number we sent, and Acked
	// the last outbound count acknowledged by the peer.
	In, Out, Acked uint32

	// Unacked holds the stanzas sent but not yet acknowledged in send order.
	Unacked []koine.Element
}

// Manager counts stanzas and keeps the ones that have not yet been
// acknowledged.
// It implements koine.Interceptor and is installed on a session by the
// Manager's stream feature.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	in, out   Counter
	lastAcked uint32
	queue     ackqueue.Queue[uint32, koine.Element]
	id        string
	location  string
	max       time.Duration
	resumable bool
	enabled   bool
	tr        koine.Sender
}

// New returns a manager for a session.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		logger: logger,
	}
	if prev := cfg.Prev; prev != nil {
		m.restore(*prev)
	}
	return m
}

func (m *Manager) restore(r Resumption) {
	m.id = r.ID
	m.location = r.Location
	m.max = r.Max
	m.resumable = r.ID != ""
	m.in = Counter{v: r.In}
	m.out = Counter{v: r.Out}
	m.lastAcked = r.Acked
	// Unacked stanzas are numbered backwards from the outbound count so that
	// their keys stay the values they were first sent with.
	first := r.Out - uint32(len(r.Unacked)) + 1
	for i, el := range r.Unacked {
		m.queue.Push(first+uint32(i), el)
	}
}

// reset starts counting from zero.
// It is called when stream management is enabled on a new session.
func (m *Manager) reset() {
	m.in = Counter{}
	m.out = Counter{}
	m.lastAcked = 0
	m.queue.Shift(m.queue.Len())
}

func (m *Manager) attach(tr koine.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tr = tr
	m.enabled = true
}

// Enabled reports whether stream management is active.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// ID returns the resumption id, or the empty string if the session cannot be
// resumed.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Handled returns the number of inbound stanzas handled modulo 2^32.
func (m *Manager) Handled() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in.Value()
}

// Sent returns the number of outbound stanzas sent modulo 2^32.
func (m *Manager) Sent() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.Value()
}

// Unacked returns the outbound stanzas that have not been acknowledged in the
// order they were sent.
func (m *Manager) Unacked() []koine.Element {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unacked()
}

func (m *Manager) unacked() []koine.Element {
	out := make([]koine.Element, 0, m.queue.Len())
	m.queue.Range(func(_ uint32, el koine.Element) bool {
		out = append(out, el)
		return true
	})
	return out
}

// Resumption returns the state needed to resume the session later.
// If the peer did not allow resumption ErrNotResumable is returned.
func (m *Manager) Resumption() (Resumption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resumable {
		return Resumption{}, ErrNotResumable
	}
	return Resumption{
		ID:       m.id,
		Location: m.location,
		Max:      m.max,
		In:       m.in.Value(),
		Out:      m.out.Value(),
		Acked:    m.lastAcked,
		Unacked:  m.unacked(),
	}, nil
}

// Ack applies an acknowledgement of h handled stanzas from the peer.
// Acknowledgements are cumulative, so acknowledging the same value twice has
// no further effect.
func (m *Manager) Ack(h uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ack(h)
}

func (m *Manager) ack(h uint32) error {
	d := Diff(h, m.lastAcked)
	if uint64(d) > uint64(m.queue.Len()) {
		return fmt.Errorf("%w: h=%d, last=%d, unacked=%d", ErrHandledTooHigh, h, m.lastAcked, m.queue.Len())
	}
	m.queue.Shift(int(d))
	m.lastAcked = h
	m.logger.Debug("stanzas acknowledged", zap.Uint32("h", h), zap.Int("unacked", m.queue.Len()))
	return nil
}

// Request asks the peer to acknowledge the stanzas it has handled.
func (m *Manager) Request(ctx context.Context) error {
	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	if tr == nil {
		return ErrNotEnabled
	}
	return tr.Send(ctx, Request())
}

// Outbound counts stanzas before they are sent and keeps them until they are
// acknowledged.
// Other elements are not counted.
func (m *Manager) Outbound(_ context.Context, el koine.Element) error {
	if el.Kind() != koine.KindStanza {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.out.Increment()
	m.queue.Push(n, el)
	return nil
}

// Inbound counts received stanzas and handles acknowledgements and
// acknowledgement requests from the peer.
// It reports true for the management elements it consumed.
func (m *Manager) Inbound(ctx context.Context, el koine.Element) (bool, error) {
	switch el.Kind() {
	case koine.KindStanza:
		m.mu.Lock()
		m.in.Increment()
		m.mu.Unlock()
		return false, nil
	case koine.KindManagement:
	default:
		return false, nil
	}

	switch el.Name().Local {
	case "r":
		m.mu.Lock()
		h := m.in.Value()
		tr := m.tr
		m.mu.Unlock()
		if tr == nil {
			return true, ErrNotEnabled
		}
		return true, tr.Send(ctx, Ack(h))
	case "a":
		h, err := parseH(el)
		if err != nil {
			return true, err
		}
		return true, m.Ack(h)
	}
	return false, nil
}
