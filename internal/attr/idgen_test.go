// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package attr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		s := RandomID()
		assert.Len(t, s, IDLen)
		// Version 4 is recorded in the high nibble of the seventh byte.
		assert.Equal(t, byte('4'), s[12])
		_, dup := seen[s]
		assert.False(t, dup, "duplicate id %s", s)
		seen[s] = struct{}{}
	}
}

type errorReader struct{}

func (errorReader) Read(p []byte) (int, error) {
	return 0, errors.New("expected error from error reader")
}

func TestRandomPanicsIfRandReadFails(t *testing.T) {
	assert.Panics(t, func() {
		randomID(errorReader{})
	})
}
