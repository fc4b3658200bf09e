// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package compress implements XEP-0138: Stream Compression.
//
// Be advised: stream compression has many of the same security considerations
// as TLS compression (see RFC3749 §6) and may be difficult to implement safely
// without special expertise.
package compress // import "mellium.im/koine/compress"

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"mellium.im/xmlstream"

	"mellium.im/koine"
	"mellium.im/koine/internal/ns"
	"mellium.im/koine/stream"
)

// Namespaces used by stream compression.
const (
	NSFeatures = ns.CompressFea
	NSProtocol = ns.Compress
)

// ErrNoLayer is returned when compression is negotiated on a transport that
// cannot wrap its byte stream.
var ErrNoLayer = errors.New("compress: transport does not support stream layers")

// New returns a stream feature that negotiates stream compression.
// ZLIB is always supported, other methods are tried in the order given after
// it.
// Transports that do not implement koine.Layerer, such as BOSH and WebSocket,
// skip the feature.
func New(methods ...Method) koine.StreamFeature {
	methods = append([]Method{Zlib}, methods...)
	return koine.StreamFeature{
		Name:       xml.Name{Space: NSFeatures, Local: "compression"},
		Rank:       koine.RankCompression,
		Prohibited: koine.Bind | koine.Ready,
		List: func(ctx context.Context, e xmlstream.TokenWriter, start xml.StartElement) (bool, error) {
			if err := e.EncodeToken(start); err != nil {
				return false, err
			}
			for _, m := range methods {
				methodStart := xml.StartElement{Name: xml.Name{Local: "method"}}
				if err := e.EncodeToken(methodStart); err != nil {
					return false, err
				}
				if err := e.EncodeToken(xml.CharData(m.Name)); err != nil {
					return false, err
				}
				if err := e.EncodeToken(methodStart.End()); err != nil {
					return false, err
				}
			}
			return false, e.EncodeToken(start.End())
		},
		Parse: func(ctx context.Context, el koine.Element) (bool, interface{}, error) {
			var offered []string
			for _, child := range el.Children() {
				if child.Name().Local == "method" {
					offered = append(offered, child.Text())
				}
			}
			return false, offered, nil
		},
		New: func(s *koine.Session, data interface{}) koine.Negotiator {
			offered, _ := data.([]string)
			return &negotiator{s: s, method: choose(methods, offered)}
		},
	}
}

// choose picks the first of our methods that the peer offered.
func choose(methods []Method, offered []string) *Method {
	for _, m := range methods {
		for _, o := range offered {
			if m.Name == o {
				m := m
				return &m
			}
		}
	}
	return nil
}

type negotiator struct {
	s      *koine.Session
	method *Method
}

func (n *negotiator) Begin(ctx context.Context) (koine.Result, error) {
	if n.method == nil {
		n.s.Logger().Debug("no common compression method")
		return koine.Ignore, nil
	}
	if _, ok := n.s.Transport().(koine.Layerer); !ok {
		n.s.Logger().Debug("transport cannot be compressed")
		return koine.Ignore, nil
	}

	methodStart := xml.StartElement{Name: xml.Name{Local: "method"}}
	el := koine.New(
		xml.StartElement{Name: xml.Name{Space: NSProtocol, Local: "compress"}},
		methodStart, xml.CharData(n.method.Name), methodStart.End(),
	)
	if err := n.s.Transport().Send(ctx, el); err != nil {
		return koine.Failure, err
	}
	return koine.Incomplete, nil
}

func (n *negotiator) CanProcess(el koine.Element) bool {
	return el.Name().Space == NSProtocol
}

func (n *negotiator) Process(ctx context.Context, el koine.Element) (koine.Result, error) {
	switch el.Name().Local {
	case "compressed":
		layerer, ok := n.s.Transport().(koine.Layerer)
		if !ok {
			return koine.Failure, ErrNoLayer
		}
		if err := layerer.Layer(n.method.Wrapper); err != nil {
			return koine.Failure, err
		}
		n.s.Logger().Debug("stream compressed", zap.String("method", n.method.Name))
		return koine.Restart, nil
	case "failure":
		// Compression is optional, the stream continues uncompressed.
		cond := ""
		if children := el.Children(); len(children) > 0 {
			cond = children[0].Name().Local
		}
		n.s.Logger().Debug("compression refused", zap.String("condition", cond))
		return koine.Success, nil
	}
	return koine.Failure, fmt.Errorf("compress: unexpected element %s: %w", el.Name().Local, stream.UnsupportedStanzaType)
}

func (n *negotiator) RestartRequired() bool {
	return false
}
