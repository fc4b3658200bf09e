// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package dial_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

// Server answers DNS queries with canned records and records the questions
// that were asked and the addresses that were dialed.
type Server struct {
	mu        sync.Mutex
	questions []dnsmessage.Question
	dialed    string

	// SRV maps a service name such as "_xmpp-client._tcp.example.net." to
	// its records.
	// A service that is not listed does not exist.
	SRV map[string][]dnsmessage.SRVResource

	// A maps host names to IPv4 addresses.
	A map[string][4]byte
}

func newServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		SRV: make(map[string][]dnsmessage.SRVResource),
		A:   make(map[string][4]byte),
	}
}

// Asked reports whether a question was asked for name with the given type.
func (s *Server) Asked(name string, typ dnsmessage.Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.questions {
		if strings.EqualFold(q.Name.String(), name) && q.Type == typ {
			return true
		}
	}
	return false
}

// Dialed returns the last address a dialer created by BlockingDialer tried.
func (s *Server) Dialed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialed
}

// Resolver returns a pure Go resolver whose queries are answered by s.
func (s *Server) Resolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			c1, c2 := net.Pipe()
			go s.serve(c2)
			return c1, nil
		},
	}
}

// Dialer returns a dialer that resolves names with s.
func (s *Server) Dialer() net.Dialer {
	return net.Dialer{
		Resolver: s.Resolver(),
		Timeout:  5 * time.Second,
	}
}

// BlockingDialer returns a dialer that records the address it was asked to
// connect to and then fails.
func (s *Server) BlockingDialer() net.Dialer {
	return net.Dialer{
		Resolver: s.Resolver(),
		Control: func(network, address string, c syscall.RawConn) error {
			s.mu.Lock()
			s.dialed = address
			s.mu.Unlock()
			return errors.New("dial_test: expected error: preventing dial")
		},
	}
}

// serve speaks DNS over a stream connection, which the resolver uses for any
// connection that is not a net.PacketConn.
func (s *Server) serve(c net.Conn) {
	defer c.Close()
	for {
		var l [2]byte
		if _, err := io.ReadFull(c, l[:]); err != nil {
			return
		}
		msg := make([]byte, binary.BigEndian.Uint16(l[:]))
		if _, err := io.ReadFull(c, msg); err != nil {
			return
		}
		resp, err := s.answer(msg)
		if err != nil {
			return
		}
		binary.BigEndian.PutUint16(l[:], uint16(len(resp)))
		if _, err = c.Write(append(l[:], resp...)); err != nil {
			return
		}
	}
}

func (s *Server) answer(msg []byte) ([]byte, error) {
	var p dnsmessage.Parser
	h, err := p.Start(msg)
	if err != nil {
		return nil, err
	}
	q, err := p.Question()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.questions = append(s.questions, q)
	s.mu.Unlock()

	name := strings.ToLower(q.Name.String())
	rh := dnsmessage.Header{
		ID:                 h.ID,
		Response:           true,
		Authoritative:      true,
		RecursionAvailable: true,
	}
	srvs, hasSRV := s.SRV[name]
	addr, hasA := s.A[name]
	if !hasSRV && !hasA {
		rh.RCode = dnsmessage.RCodeNameError
	}

	b := dnsmessage.NewBuilder(nil, rh)
	b.EnableCompression()
	if err = b.StartQuestions(); err != nil {
		return nil, err
	}
	if err = b.Question(q); err != nil {
		return nil, err
	}
	if err = b.StartAnswers(); err != nil {
		return nil, err
	}
	hdr := dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 60}
	switch {
	case q.Type == dnsmessage.TypeSRV && hasSRV:
		for _, srv := range srvs {
			if err = b.SRVResource(hdr, srv); err != nil {
				return nil, err
			}
		}
	case q.Type == dnsmessage.TypeA && hasA:
		if err = b.AResource(hdr, dnsmessage.AResource{A: addr}); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

// Listen accepts connections on the loopback interface until the test ends.
// If cfg is not nil the connections use TLS.
func Listen(t *testing.T, cfg *tls.Config) (port uint16, accepted <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ln.Close()
	})
	conns := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() {
			c.Close()
		})
		if cfg != nil {
			tc := tls.Server(c, cfg)
			if err := tc.Handshake(); err != nil {
				return
			}
			c = tc
		}
		conns <- c
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port), conns
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.net"},
		DNSNames:     []string{"example.net"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
