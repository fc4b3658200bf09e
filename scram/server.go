// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package scram

import (
	"crypto/hmac"
	"encoding/base64"
	"strconv"
	"strings"

	"golang.org/x/text/secure/precis"

	"mellium.im/koine/crypto"
)

// Credentials are the values a server stores instead of the password.
type Credentials struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// NewCredentials derives the stored credentials for a password.
func NewCredentials(h crypto.Hash, password string, salt []byte, iter int) (Credentials, error) {
	if _, err := mechanismName(h); err != nil {
		return Credentials{}, err
	}
	pass, err := precis.OpaqueString.String(password)
	if err != nil {
		return Credentials{}, err
	}
	k := deriveKeys(h, pass, salt, iter)
	return Credentials{
		Salt:       salt,
		Iterations: iter,
		StoredKey:  k.storedKey,
		ServerKey:  k.serverKey,
	}, nil
}

// Server is the server side of a single SCRAM exchange.
type Server struct {
	hash   crypto.Hash
	lookup func(username string) (Credentials, error)
	nonce  string

	started         bool
	done            bool
	gs2             string
	username        string
	authzid         string
	clientFirstBare string
	serverFirst     string
	creds           Credentials
}

// NewServer returns a server that looks up credentials by username.
func NewServer(h crypto.Hash, lookup func(username string) (Credentials, error), opts ...Option) (*Server, error) {
	if _, err := mechanismName(h); err != nil {
		return nil, err
	}
	o, err := getOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Server{hash: h, lookup: lookup, nonce: o.nonce}, nil
}

// Username returns the authenticated username once First succeeded.
func (s *Server) Username() string {
	return s.username
}

// Authzid returns the authorization identity requested by the client, if any.
func (s *Server) Authzid() string {
	return s.authzid
}

// First processes the client-first-message and returns the
// server-first-message.
func (s *Server) First(clientFirst []byte) ([]byte, error) {
	if s.started {
		return nil, protocolError("unexpected client-first-message")
	}
	s.started = true
	msg := string(clientFirst)

	// gs2-header: cbind-flag "," [authzid] ","
	flag, rest, ok := strings.Cut(msg, ",")
	if !ok {
		return nil, protocolError("missing GS2 header")
	}
	switch {
	case flag == "n", flag == "y":
	case strings.HasPrefix(flag, "p="):
		return nil, protocolError("channel binding is not supported")
	default:
		return nil, protocolError("bad channel binding flag %q", flag)
	}
	authz, bare, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, protocolError("missing GS2 header")
	}
	if authz != "" {
		a, ok := strings.CutPrefix(authz, "a=")
		if !ok {
			return nil, protocolError("bad authorization identity")
		}
		var err error
		s.authzid, err = Unescape(a)
		if err != nil {
			return nil, err
		}
	}
	s.gs2 = flag + "," + authz + ","

	if strings.HasPrefix(bare, "m=") {
		return nil, protocolError("unsupported mandatory extension")
	}
	fields := strings.Split(bare, ",")
	if len(fields) < 2 {
		return nil, protocolError("client-first-message has %d attributes", len(fields))
	}
	user, ok := strings.CutPrefix(fields[0], "n=")
	if !ok {
		return nil, protocolError("expected username in client-first-message")
	}
	nonce, ok := strings.CutPrefix(fields[1], "r=")
	if !ok || nonce == "" {
		return nil, protocolError("expected nonce in client-first-message")
	}
	var err error
	s.username, err = Unescape(user)
	if err != nil {
		return nil, err
	}
	s.creds, err = s.lookup(s.username)
	if err != nil {
		return nil, Error{Condition: AuthenticationFailed, Text: err.Error()}
	}
	s.clientFirstBare = bare
	s.serverFirst = "r=" + nonce + s.nonce +
		",s=" + base64.StdEncoding.EncodeToString(s.creds.Salt) +
		",i=" + strconv.Itoa(s.creds.Iterations)
	return []byte(s.serverFirst), nil
}

// Final verifies the client proof and returns the server-final-message.
func (s *Server) Final(clientFinal []byte) ([]byte, error) {
	if !s.started || s.done || s.serverFirst == "" {
		return nil, protocolError("unexpected client-final-message")
	}
	s.done = true
	msg := string(clientFinal)
	i := strings.LastIndex(msg, ",p=")
	if i < 0 {
		return nil, protocolError("expected proof in client-final-message")
	}
	clientFinalBare, proofB64 := msg[:i], msg[i+3:]
	fields := strings.Split(clientFinalBare, ",")
	if len(fields) < 2 {
		return nil, protocolError("client-final-message has %d attributes", len(fields))
	}
	cb, ok := strings.CutPrefix(fields[0], "c=")
	if !ok || cb != base64.StdEncoding.EncodeToString([]byte(s.gs2)) {
		return nil, protocolError("channel binding mismatch")
	}
	nonce, ok := strings.CutPrefix(fields[1], "r=")
	if !ok {
		return nil, protocolError("expected nonce in client-final-message")
	}
	if want, _ := strings.CutPrefix(strings.SplitN(s.serverFirst, ",", 2)[0], "r="); nonce != want {
		return nil, Error{Condition: UntrustedServer, Text: "client nonce mismatch"}
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, protocolError("bad proof encoding: %v", err)
	}
	if len(proof) != s.hash.Size() {
		return nil, Error{Condition: AuthenticationFailed, Text: "invalid proof"}
	}

	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + clientFinalBare
	clientSignature := mac(s.hash, s.creds.StoredKey, authMessage)
	clientKey := xor(proof, clientSignature)
	h := s.hash.New()
	h.Write(clientKey)
	if !hmac.Equal(h.Sum(nil), s.creds.StoredKey) {
		return nil, Error{Condition: AuthenticationFailed, Text: "invalid proof"}
	}
	serverSignature := mac(s.hash, s.creds.ServerKey, authMessage)
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}
