// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sm

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmlstream"

	"mellium.im/koine"
)

// StreamFeature returns a stream feature that enables stream management, or
// resumes the previous session if the manager was created from one.
//
// Resumption takes the place of resource binding: it is negotiated right
// after authentication and restores the Bind and Ready state of the session.
// If the peer refuses to resume, negotiation fails with a Failed error and the
// caller must start over with a new manager.
func (m *Manager) StreamFeature() koine.StreamFeature {
	f := koine.StreamFeature{
		Name: xml.Name{Space: NS, Local: "sm"},
		List: func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (bool, error) {
			if err := e.EncodeToken(start); err != nil {
				return false, err
			}
			return false, e.EncodeToken(start.End())
		},
		Parse: func(ctx context.Context, el koine.Element) (bool, interface{}, error) {
			return false, nil, nil
		},
		New: func(s *koine.Session, _ interface{}) koine.Negotiator {
			return &negotiator{m: m, s: s}
		},
	}
	if m.cfg.Prev != nil {
		f.Rank = koine.RankResume
		f.Necessary = koine.Authn
		f.Prohibited = koine.Bind | koine.Ready
		f.Mask = koine.Bind | koine.Ready
	} else {
		f.Rank = koine.RankStreamManagement
		f.Necessary = koine.Authn | koine.Bind
		f.Prohibited = koine.Ready
	}
	return f
}

type negotiator struct {
	m *Manager
	s *koine.Session
}

func (n *negotiator) Begin(ctx context.Context) (koine.Result, error) {
	m := n.m
	var el koine.Element
	if m.cfg.Prev != nil {
		m.mu.Lock()
		id, h := m.id, m.in.Value()
		m.mu.Unlock()
		if id == "" {
			return koine.Failure, ErrNotResumable
		}
		el = smElement("resume",
			xml.Attr{Name: xml.Name{Local: "previd"}, Value: id},
			hAttr(h),
		)
	} else {
		var attrs []xml.Attr
		if m.cfg.Resume {
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "resume"}, Value: "true"})
			if m.cfg.Max > 0 {
				attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "max"}, Value: strconv.Itoa(int(m.cfg.Max / time.Second))})
			}
		}
		el = smElement("enable", attrs...)
	}
	if err := n.s.Transport().Send(ctx, el); err != nil {
		return koine.Failure, err
	}
	return koine.Incomplete, nil
}

func (n *negotiator) CanProcess(el koine.Element) bool {
	if el.Name().Space != NS {
		return false
	}
	switch el.Name().Local {
	case "enabled", "resumed", "failed":
		return true
	}
	return false
}

func (n *negotiator) Process(ctx context.Context, el koine.Element) (koine.Result, error) {
	m := n.m
	switch el.Name().Local {
	case "failed":
		f := parseFailed(el)
		if f.HasH {
			// The peer tells us what it handled so that the caller can resend the
			// rest on a new session.
			if err := m.Ack(f.H); err != nil {
				m.logger.Debug("ignoring bad h on failure", zap.Error(err))
			}
		}
		return koine.Failure, f
	case "enabled":
		if m.cfg.Prev != nil {
			return koine.Failure, fmt.Errorf("sm: peer enabled a new session instead of resuming")
		}
		resume := el.Attr("resume")
		m.mu.Lock()
		m.reset()
		m.id = el.Attr("id")
		m.resumable = (resume == "true" || resume == "1") && m.id != ""
		m.location = el.Attr("location")
		m.max = m.cfg.Max
		if secs, err := strconv.ParseUint(el.Attr("max"), 10, 32); err == nil {
			m.max = time.Duration(secs) * time.Second
		}
		id, window := m.id, m.max
		m.mu.Unlock()
		m.attach(n.s.Direct())
		n.s.SetInterceptor(m)
		m.logger.Debug("stream management enabled", zap.String("id", id), zap.Duration("max", window))
		return koine.Success, nil
	}

	// <resumed/>
	if m.cfg.Prev == nil || el.Attr("previd") != m.ID() {
		return koine.Failure, fmt.Errorf("sm: unexpected resumption of %q", el.Attr("previd"))
	}
	h, err := parseH(el)
	if err != nil {
		return koine.Failure, err
	}
	if err = m.Ack(h); err != nil {
		return koine.Failure, err
	}
	tr := n.s.Transport()
	resend := m.Unacked()
	for _, st := range resend {
		if err = tr.Send(ctx, st); err != nil {
			return koine.Failure, err
		}
	}
	m.attach(n.s.Direct())
	n.s.SetInterceptor(m)
	m.logger.Debug("session resumed", zap.String("id", m.ID()), zap.Uint32("h", h), zap.Int("resent", len(resend)))
	return koine.Success, nil
}

func (n *negotiator) RestartRequired() bool {
	return false
}
