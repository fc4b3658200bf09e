// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package scram

import (
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/secure/precis"

	"mellium.im/koine/crypto"
)

type clientStep uint8

const (
	clientInitial clientStep = iota
	clientFirstSent
	clientFinalSent
	clientDone
)

// Client is the client side of a single SCRAM exchange.
type Client struct {
	hash     crypto.Hash
	username string
	password string
	authzid  string
	nonce    string

	step            clientStep
	clientFirstBare string
	serverSignature []byte
}

// NewClient prepares the credentials and returns a client with a fresh nonce.
// The username is prepared with the PRECIS UsernameCasePreserved profile and
// the password with the OpaqueString profile.
func NewClient(h crypto.Hash, username, password, authzid string, opts ...Option) (*Client, error) {
	if _, err := mechanismName(h); err != nil {
		return nil, err
	}
	user, err := precis.UsernameCasePreserved.String(username)
	if err != nil {
		return nil, fmt.Errorf("scram: preparing username: %w", err)
	}
	pass, err := precis.OpaqueString.String(password)
	if err != nil {
		return nil, fmt.Errorf("scram: preparing password: %w", err)
	}
	o, err := getOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Client{
		hash:     h,
		username: user,
		password: pass,
		authzid:  authzid,
		nonce:    o.nonce,
	}, nil
}

// First returns the client-first-message.
func (c *Client) First() []byte {
	c.clientFirstBare = "n=" + Escape(c.username) + ",r=" + c.nonce
	c.step = clientFirstSent
	return []byte(gs2Header(c.authzid) + c.clientFirstBare)
}

type serverFirst struct {
	nonce string
	salt  []byte
	iter  int
}

func parseServerFirst(msg string) (serverFirst, error) {
	sf := serverFirst{}
	if strings.HasPrefix(msg, "m=") {
		return sf, protocolError("unsupported mandatory extension")
	}
	fields := strings.Split(msg, ",")
	if len(fields) < 3 {
		return sf, protocolError("server-first-message has %d attributes", len(fields))
	}
	nonce, ok := strings.CutPrefix(fields[0], "r=")
	if !ok || nonce == "" {
		return sf, protocolError("expected nonce in server-first-message")
	}
	salt, ok := strings.CutPrefix(fields[1], "s=")
	if !ok || salt == "" {
		return sf, protocolError("expected salt in server-first-message")
	}
	iter, ok := strings.CutPrefix(fields[2], "i=")
	if !ok {
		return sf, protocolError("expected iteration count in server-first-message")
	}
	var err error
	sf.nonce = nonce
	sf.salt, err = base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return sf, protocolError("bad salt encoding: %v", err)
	}
	sf.iter, err = strconv.Atoi(iter)
	if err != nil || sf.iter <= 0 {
		return sf, protocolError("bad iteration count %q", iter)
	}
	return sf, nil
}

// Final processes the server-first-message and returns the
// client-final-message containing the proof.
func (c *Client) Final(serverFirstMsg []byte) ([]byte, error) {
	if c.step != clientFirstSent {
		return nil, protocolError("unexpected server-first-message")
	}
	c.step = clientDone
	sf, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(sf.nonce, c.nonce) || len(sf.nonce) == len(c.nonce) {
		return nil, Error{Condition: UntrustedServer, Text: "server nonce mismatch"}
	}

	k := deriveKeys(c.hash, c.password, sf.salt, sf.iter)
	channelBinding := base64.StdEncoding.EncodeToString([]byte(gs2Header(c.authzid)))
	clientFinalBare := "c=" + channelBinding + ",r=" + sf.nonce
	authMessage := c.clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalBare

	clientSignature := mac(c.hash, k.storedKey, authMessage)
	proof := xor(k.clientKey, clientSignature)
	c.serverSignature = mac(c.hash, k.serverKey, authMessage)
	c.step = clientFinalSent

	return []byte(clientFinalBare + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

// Verify checks the server-final-message.
// A signature that does not match means the server does not know the
// password and must not be trusted.
func (c *Client) Verify(serverFinalMsg []byte) error {
	if c.step != clientFinalSent {
		return protocolError("unexpected server-final-message")
	}
	c.step = clientDone
	msg := string(serverFinalMsg)
	if e, ok := strings.CutPrefix(msg, "e="); ok {
		return Error{Condition: AuthenticationFailed, Text: e}
	}
	v, ok := strings.CutPrefix(msg, "v=")
	if !ok {
		return protocolError("expected verifier in server-final-message")
	}
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	sig, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return protocolError("bad verifier encoding: %v", err)
	}
	if !hmac.Equal(sig, c.serverSignature) {
		return Error{Condition: AuthenticationFailed, Text: "server signature mismatch"}
	}
	return nil
}
