// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package crypto names the hash functions used on the wire by entity
// capabilities and SCRAM.
package crypto // import "mellium.im/koine/crypto"

import (
	"crypto"
	// Hash functions are linked in so that every named hash is available.
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/xml"
	"errors"
	"fmt"
	"hash"
	"strconv"

	_ "golang.org/x/crypto/blake2b"
	_ "golang.org/x/crypto/sha3"
)

// ErrUnknownAlgo is returned when a hash name or value is not in the IANA
// "Hash Function Textual Names" registry subset known to this package.
// Check for it with errors.Is.
var ErrUnknownAlgo = errors.New("crypto: unknown hash value")

// Hash identifies a cryptographic hash function by its crypto.Hash value.
// Only the functions used in XMPP have names and the names are the IANA
// textual names rather than those of crypto.Hash.
type Hash crypto.Hash

// Named hash functions.
const (
	SHA1        = Hash(crypto.SHA1)
	SHA224      = Hash(crypto.SHA224)
	SHA256      = Hash(crypto.SHA256)
	SHA384      = Hash(crypto.SHA384)
	SHA512      = Hash(crypto.SHA512)
	SHA3_256    = Hash(crypto.SHA3_256)
	SHA3_512    = Hash(crypto.SHA3_512)
	BLAKE2b_256 = Hash(crypto.BLAKE2b_256)
	BLAKE2b_512 = Hash(crypto.BLAKE2b_512)
)

// registry is ordered from the strongest function to the weakest.
var registry = []struct {
	h    Hash
	name string
}{
	{BLAKE2b_512, "blake2b512"},
	{SHA3_512, "sha3-512"},
	{SHA512, "sha-512"},
	{SHA384, "sha-384"},
	{BLAKE2b_256, "blake2b256"},
	{SHA3_256, "sha3-256"},
	{SHA256, "sha-256"},
	{SHA224, "sha-224"},
	{SHA1, "sha-1"},
}

// Hashes returns every named hash, strongest first.
func Hashes() []Hash {
	out := make([]Hash, 0, len(registry))
	for _, r := range registry {
		out = append(out, r.h)
	}
	return out
}

// Parse returns the hash with the given IANA textual name.
func Parse(name string) (Hash, error) {
	for _, r := range registry {
		if r.name == name {
			return r.h, nil
		}
	}
	return 0, fmt.Errorf("%w %s", ErrUnknownAlgo, name)
}

func (h Hash) name() (string, bool) {
	for _, r := range registry {
		if r.h == h {
			return r.name, true
		}
	}
	return "", false
}

// Valid reports whether h is one of the named hashes.
func (h Hash) Valid() bool {
	_, ok := h.name()
	return ok
}

// Available reports whether h is named and linked into the binary.
func (h Hash) Available() bool {
	return h.Valid() && crypto.Hash(h).Available()
}

// MarshalXMLAttr implements xml.MarshalerAttr.
func (h Hash) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	v, ok := h.name()
	if !ok {
		return xml.Attr{}, fmt.Errorf("%w %d", ErrUnknownAlgo, h)
	}
	return xml.Attr{Name: name, Value: v}, nil
}

// UnmarshalXMLAttr implements xml.UnmarshalerAttr.
func (h *Hash) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFunc implements crypto.SignerOpts.
func (h Hash) HashFunc() crypto.Hash {
	return crypto.Hash(h)
}

// New returns a new hash.Hash calculating h.
// New panics if h is not available.
func (h Hash) New() hash.Hash {
	return crypto.Hash(h).New()
}

// Size returns the length of a digest in bytes.
func (h Hash) Size() int {
	return crypto.Hash(h).Size()
}

// String returns the IANA textual name of h.
func (h Hash) String() string {
	if v, ok := h.name(); ok {
		return v
	}
	return "unknown hash value " + strconv.Itoa(int(h))
}
