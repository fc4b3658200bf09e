// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package scram implements the Salted Challenge Response Authentication
// Mechanism as defined by RFC 5802 and RFC 7677.
//
// A Client performs a single authentication attempt: it is created with fresh
// nonces and must be discarded once the exchange succeeds or fails.
// Mechanism adapts a Client into a sasl.Mechanism so that it can be used with
// the SASL stream feature.
//
// Channel binding is not supported; the client always sends the "n" GS2
// flag.
package scram // import "mellium.im/koine/scram"

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"mellium.im/koine/crypto"
)

// Condition is the reason an exchange failed.
type Condition uint8

// A list of failure conditions.
const (
	// ProtocolError is reported for malformed messages.
	ProtocolError Condition = iota + 1

	// UntrustedServer is reported when the server nonce does not extend the
	// client nonce.
	UntrustedServer

	// AuthenticationFailed is reported when a signature or proof does not match,
	// or when the server reports an error in its final message.
	AuthenticationFailed
)

func (c Condition) String() string {
	switch c {
	case ProtocolError:
		return "protocol-error"
	case UntrustedServer:
		return "untrusted-server"
	case AuthenticationFailed:
		return "authentication-failed"
	}
	return "unknown-condition"
}

// Error is returned when an exchange fails.
// None of the conditions are retryable with the same Client.
type Error struct {
	Condition Condition
	Text      string
}

func (e Error) Error() string {
	if e.Text == "" {
		return "scram: " + e.Condition.String()
	}
	return "scram: " + e.Condition.String() + ": " + e.Text
}

// Is reports whether target is an Error with the same condition.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Condition == e.Condition
}

func protocolError(format string, v ...interface{}) error {
	return Error{Condition: ProtocolError, Text: fmt.Sprintf(format, v...)}
}

var errBadEscape = errors.New("bad escape sequence")

// Escape encodes a username or authorization identity for use in a SCRAM
// message by replacing "=" with "=3D" and "," with "=2C".
func Escape(name string) string {
	if !strings.ContainsAny(name, "=,") {
		return name
	}
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i := 0; i < len(name); i++ {
		switch c := name[i]; c {
		case '=':
			b.WriteString("=3D")
		case ',':
			b.WriteString("=2C")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape.
// Any "=" that does not start one of the sequences "=2C" or "=3D" is an
// error, as is a bare ",".
func Unescape(name string) (string, error) {
	if !strings.ContainsAny(name, "=,") {
		return name, nil
	}
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		switch c := name[i]; c {
		case ',':
			return "", protocolError("%v: unescaped comma in %q", errBadEscape, name)
		case '=':
			if i+3 > len(name) {
				return "", protocolError("%v: truncated sequence in %q", errBadEscape, name)
			}
			switch name[i+1 : i+3] {
			case "2C":
				b.WriteByte(',')
			case "3D":
				b.WriteByte('=')
			default:
				return "", protocolError("%v: %q in %q", errBadEscape, name[i:i+3], name)
			}
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// mechanismName returns the SASL mechanism name for the hash.
func mechanismName(h crypto.Hash) (string, error) {
	switch h {
	case crypto.SHA1:
		return "SCRAM-SHA-1", nil
	case crypto.SHA256:
		return "SCRAM-SHA-256", nil
	case crypto.SHA512:
		return "SCRAM-SHA-512", nil
	}
	return "", fmt.Errorf("scram: %w %v", crypto.ErrUnknownAlgo, h)
}

// Option configures a Client or Server.
type Option func(*options)

type options struct {
	nonce string
	rand  io.Reader
}

// Nonce sets the nonce contributed by this side of the exchange instead of
// generating a random one.
// It exists for testing against known vectors and must never be used to
// authenticate for real.
func Nonce(nonce string) Option {
	return func(o *options) {
		o.nonce = nonce
	}
}

// Rand sets the source of randomness used to generate nonces.
// The default is crypto/rand.
func Rand(r io.Reader) Option {
	return func(o *options) {
		o.rand = r
	}
}

const nonceLen = 24

func getOptions(opts []Option) (options, error) {
	o := options{rand: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}
	if o.nonce != "" {
		if strings.Contains(o.nonce, ",") {
			return o, protocolError("nonce contains a comma")
		}
		return o, nil
	}
	b := make([]byte, nonceLen)
	if _, err := io.ReadFull(o.rand, b); err != nil {
		return o, err
	}
	o.nonce = base64.RawStdEncoding.EncodeToString(b)
	return o, nil
}

// keys holds the values derived from a password.
type keys struct {
	clientKey []byte
	storedKey []byte
	serverKey []byte
}

func deriveKeys(h crypto.Hash, password string, salt []byte, iter int) keys {
	salted := pbkdf2.Key([]byte(password), salt, iter, h.Size(), h.New)
	clientKey := mac(h, salted, "Client Key")
	hash := h.New()
	hash.Write(clientKey)
	return keys{
		clientKey: clientKey,
		storedKey: hash.Sum(nil),
		serverKey: mac(h, salted, "Server Key"),
	}
}

func mac(h crypto.Hash, key []byte, msg string) []byte {
	m := hmac.New(h.New, key)
	m.Write([]byte(msg))
	return m.Sum(nil)
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// gs2Header returns the GS2 header sent without channel binding.
func gs2Header(authzid string) string {
	if authzid == "" {
		return "n,,"
	}
	return "n,a=" + Escape(authzid) + ","
}
