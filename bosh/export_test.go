// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"encoding/xml"
	"strings"

	"mellium.im/koine"
)

// Enqueue assigns the next rid to body and stores it as unacknowledged without
// sending it.
func (c *Client) Enqueue(body string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	rid := c.nextRID()
	c.unacked.Push(rid, []byte(body))
	return rid
}

// Deliver handles resp as the response to rid.
func (c *Client) Deliver(rid uint64, resp string) error {
	el, err := koine.ReadElement(xml.NewDecoder(strings.NewReader(resp)))
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receive(rid, el)
	return nil
}

// Unacked returns the rids of unacknowledged bodies in queue order.
func (c *Client) Unacked() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint64
	c.unacked.Range(func(rid uint64, _ []byte) bool {
		out = append(out, rid)
		return true
	})
	return out
}

// Resends returns the rids scheduled for retransmission.
func (c *Client) Resends() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.resend...)
}
