// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package attr

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/google/uuid"
)

// IDLen is the length of identifiers returned by RandomID.
const IDLen = 32

// RandomID returns an unpredictable identifier for stanzas and streams.
// It is the hex form of a random (version 4) UUID without separators.
// If the OS's entropy pool can't be read, RandomID panics.
func RandomID() string {
	return randomID(rand.Reader)
}

func randomID(r io.Reader) string {
	u, err := uuid.NewRandomFromReader(r)
	if err != nil {
		panic(err)
	}
	var buf [IDLen]byte
	hex.Encode(buf[:], u[:])
	return string(buf[:])
}
