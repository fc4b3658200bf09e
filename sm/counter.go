// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sm

// Counter is a 32-bit stanza counter that wraps around to zero.
// The zero value is a counter that has not counted anything yet.
type Counter struct {
	v uint32
}

// Increment adds one to the counter and returns the new value.
// The first increment returns 1, incrementing 0xFFFFFFFF returns 0.
func (c *Counter) Increment() uint32 {
	c.v++
	return c.v
}

// Value returns the current value of the counter.
func (c Counter) Value() uint32 {
	return c.v
}

// Diff returns the forward distance from b to a modulo 2^32.
// It is the number of stanzas counted after b up to and including a.
func Diff(a, b uint32) uint32 {
	return a - b
}
