// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package caps

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"

	"mellium.im/xmlstream"

	"mellium.im/koine"
	"mellium.im/koine/crypto"
	"mellium.im/koine/internal/attr"
	"mellium.im/koine/internal/ns"
)

// Identity is the type and category of a node on the network.
type Identity struct {
	XMLName  xml.Name `xml:"http://jabber.org/protocol/disco#info identity"`
	Category string   `xml:"category,attr"`
	Type     string   `xml:"type,attr"`
	Name     string   `xml:"name,attr,omitempty"`
	Lang     string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
}

// TokenReader implements xmlstream.Marshaler.
func (i Identity) TokenReader() xml.TokenReader {
	start := xml.StartElement{
		Name: xml.Name{Space: ns.DiscoInfo, Local: "identity"},
		Attr: []xml.Attr{{
			Name:  xml.Name{Local: "category"},
			Value: i.Category,
		}, {
			Name:  xml.Name{Local: "type"},
			Value: i.Type,
		}},
	}
	if i.Name != "" {
		start.Attr = append(start.Attr, xml.Attr{
			Name: xml.Name{Local: "name"}, Value: i.Name,
		})
	}
	if i.Lang != "" {
		start.Attr = append(start.Attr, xml.Attr{
			Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: i.Lang,
		})
	}
	return xmlstream.Wrap(nil, start)
}

// Feature represents a feature supported by an entity on the network.
type Feature struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info feature"`
	Var     string   `xml:"var,attr"`
}

// TokenReader implements xmlstream.Marshaler.
func (f Feature) TokenReader() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: ns.DiscoInfo, Local: "feature"},
		Attr: []xml.Attr{{
			Name:  xml.Name{Local: "var"},
			Value: f.Var,
		}},
	})
}

// Info is the result of a service discovery info query.
// Values returned by a Cache are shared and must not be modified.
type Info struct {
	XMLName    xml.Name   `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string     `xml:"node,attr,omitempty"`
	Identities []Identity `xml:"http://jabber.org/protocol/disco#info identity"`
	Features   []Feature  `xml:"http://jabber.org/protocol/disco#info feature"`
}

// TokenReader implements xmlstream.Marshaler.
func (info Info) TokenReader() xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: ns.DiscoInfo, Local: "query"}}
	if info.Node != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "node"}, Value: info.Node})
	}
	var inner []xml.TokenReader
	for _, i := range info.Identities {
		inner = append(inner, i.TokenReader())
	}
	for _, f := range info.Features {
		inner = append(inner, f.TokenReader())
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// WriteXML implements xmlstream.WriterTo.
func (info Info) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, info.TokenReader())
}

// HasFeature reports whether the feature var is listed.
func (info Info) HasFeature(v string) bool {
	for _, f := range info.Features {
		if f.Var == v {
			return true
		}
	}
	return false
}

// Ver returns the verification string for info calculated with h.
func (info Info) Ver(h crypto.Hash) (string, error) {
	if !h.Available() {
		return "", fmt.Errorf("caps: %w %v", crypto.ErrUnknownAlgo, h)
	}
	identities := make([]string, 0, len(info.Identities))
	for _, i := range info.Identities {
		identities = append(identities, i.Category+"/"+i.Type+"/"+i.Lang+"/"+i.Name+"<")
	}
	sort.Strings(identities)
	features := make([]string, 0, len(info.Features))
	for _, f := range info.Features {
		features = append(features, f.Var+"<")
	}
	sort.Strings(features)

	hash := h.New()
	for _, s := range identities {
		fmt.Fprint(hash, s)
	}
	for _, s := range features {
		fmt.Fprint(hash, s)
	}
	return base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}

// verify checks that info is well formed and hashes to c.Ver.
func verify(info Info, c Caps) error {
	seenIdent := make(map[string]struct{}, len(info.Identities))
	for _, i := range info.Identities {
		k := i.Category + "/" + i.Type + "/" + i.Lang
		if _, ok := seenIdent[k]; ok {
			return fmt.Errorf("%w: duplicate identity %s", ErrVerification, k)
		}
		seenIdent[k] = struct{}{}
	}
	seenFeat := make(map[string]struct{}, len(info.Features))
	for _, f := range info.Features {
		if _, ok := seenFeat[f.Var]; ok {
			return fmt.Errorf("%w: duplicate feature %s", ErrVerification, f.Var)
		}
		seenFeat[f.Var] = struct{}{}
	}
	ver, err := info.Ver(c.Hash)
	if err != nil {
		return err
	}
	if ver != c.Ver {
		return fmt.Errorf("%w: advertised %s, calculated %s", ErrVerification, c.Ver, ver)
	}
	return nil
}

// ParseInfo decodes a disco#info query payload.
func ParseInfo(el koine.Element) (Info, error) {
	if el.Name().Space != ns.DiscoInfo || el.Name().Local != "query" {
		return Info{}, fmt.Errorf("caps: unexpected payload %s", el.Name().Local)
	}
	info := Info{}
	err := el.Decode(&info)
	return info, err
}

// Query returns an IQ requesting the identities and features of node from
// peer.
func Query(peer, node string) koine.Element {
	start := xml.StartElement{Name: xml.Name{Space: ns.DiscoInfo, Local: "query"}}
	if node != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "node"}, Value: node})
	}
	return koine.New(xml.StartElement{
		Name: xml.Name{Space: ns.Client, Local: "iq"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: "get"},
			{Name: xml.Name{Local: "id"}, Value: attr.RandomID()},
			{Name: xml.Name{Local: "to"}, Value: peer},
		},
	}, start, start.End())
}

// ErrQueryFailed is returned by an IQ discoverer when the peer answers with an
// error.
var ErrQueryFailed = errors.New("caps: disco#info query failed")

// RoundTripFunc sends an IQ and returns the response with the same id.
type RoundTripFunc func(ctx context.Context, iq koine.Element) (koine.Element, error)

// IQDiscoverer returns a Discoverer that sends disco#info queries with rt.
func IQDiscoverer(rt RoundTripFunc) Discoverer {
	return DiscovererFunc(func(ctx context.Context, peer, node string) (Info, error) {
		resp, err := rt(ctx, Query(peer, node))
		if err != nil {
			return Info{}, err
		}
		switch typ := resp.Attr("type"); typ {
		case "result":
		case "error":
			return Info{}, ErrQueryFailed
		default:
			return Info{}, fmt.Errorf("caps: unexpected IQ type %q", typ)
		}
		for _, child := range resp.Children() {
			if child.Name().Space == ns.DiscoInfo {
				return ParseInfo(child)
			}
		}
		return Info{}, errors.New("caps: IQ result has no disco#info payload")
	})
}
