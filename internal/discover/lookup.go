// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover is used to look up the endpoints of XMPP services.
package discover // import "mellium.im/koine/internal/discover"

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

const (
	wsRel       = "urn:xmpp:alt-connections:websocket"
	boshRel     = "urn:xmpp:alt-connections:xbosh"
	hostMetaXML = "/.well-known/host-meta"
)

// XRD represents an Extensible Resource Descriptor document of the form:
//
//	<?xml version='1.0' encoding=utf-8'?>
//	<XRD xmlns='http://docs.oasis-open.org/ns/xri/xrd-1.0'>
//	  …
//	  <Link rel="urn:xmpp:alt-connections:xbosh"
//	        href="https://web.example.com:5280/bosh" />
//	  <Link rel="urn:xmpp:alt-connections:websocket"
//	        href="wss://web.example.com:443/ws" />
//	  …
//	</XRD>
//
// as defined by RFC 6415 and OASIS.XRD-1.0.
type XRD struct {
	XMLName xml.Name `xml:"http://docs.oasis-open.org/ns/xri/xrd-1.0 XRD"`
	Links   []Link   `xml:"Link"`
}

// Link is an individual hyperlink in an XRD document.
type Link struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// Errors returned by this package.
var (
	ErrInvalidService = errors.New("discover: service must be one of xmpp[s]-client or xmpp[s]-server")
)

// Domain returns the domain of an address of the form [user@]domain[/resource].
func Domain(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		addr = addr[i+1:]
	}
	return strings.TrimSuffix(addr, ".")
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// FallbackRecords returns fake SRV records that can be used if no actual SRV
// records exist but we believe that an XMPP service exists at the domain.
func FallbackRecords(service, domain string) []*net.SRV {
	var port uint16
	switch service {
	case "xmpp-client":
		port = 5222
	case "xmpps-client":
		port = 5223
	case "xmpp-server":
		port = 5269
	case "xmpps-server":
		port = 5270
	default:
		return nil
	}
	return []*net.SRV{{Target: domain, Port: port}}
}

// LookupService looks for an XMPP service hosted at domain.
// It returns addresses from SRV records and if none are found returns a
// fallback record using the domain and the default port of the service.
// If the only record has a target of "." the service is decidedly not
// available and an empty list is returned.
// Service should be one of "xmpp[s]-client" or "xmpp[s]-server".
func LookupService(ctx context.Context, resolver *net.Resolver, service, domain string) ([]*net.SRV, error) {
	switch service {
	case "xmpp-client", "xmpp-server", "xmpps-client", "xmpps-server":
	default:
		return nil, ErrInvalidService
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, addrs, err := resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		return FallbackRecords(service, domain), nil
	}
	if len(addrs) == 1 && addrs[0].Target == "." {
		return nil, nil
	}
	return addrs, nil
}

// LookupWebSocket discovers WebSocket endpoints of domain using Web Host
// Metadata as described in RFC 7395.
func LookupWebSocket(ctx context.Context, client *http.Client, domain string) ([]string, error) {
	return lookupHostMeta(ctx, client, domain, wsRel)
}

// LookupBOSH discovers BOSH endpoints of domain using Web Host Metadata as
// described in XEP-0156.
func LookupBOSH(ctx context.Context, client *http.Client, domain string) ([]string, error) {
	return lookupHostMeta(ctx, client, domain, boshRel)
}

func lookupHostMeta(ctx context.Context, client *http.Client, domain, rel string) ([]string, error) {
	xrd, err := getHostMetaXML(ctx, client, "https://"+domain+hostMetaXML)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, link := range xrd.Links {
		if link.Rel == rel {
			urls = append(urls, link.Href)
		}
	}
	return urls, nil
}

func getHostMetaXML(ctx context.Context, client *http.Client, u string) (xrd XRD, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return xrd, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return xrd, err
	}
	/* #nosec */
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xrd, fmt.Errorf("discover: fetching host-meta: %s", resp.Status)
	}
	// If the server sends us a lot of data it's probably good to just error out.
	body := io.LimitReader(resp.Body, http.DefaultMaxHeaderBytes)
	err = xml.NewDecoder(body).Decode(&xrd)
	return xrd, err
}
