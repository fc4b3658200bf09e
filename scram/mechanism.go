// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package scram

import (
	"mellium.im/sasl"

	"mellium.im/koine/crypto"
)

// Mechanism returns a SASL mechanism that authenticates with a new Client for
// every negotiation.
// Mechanism panics if h is not one of SHA1, SHA256 or SHA512.
func Mechanism(h crypto.Hash, opts ...Option) sasl.Mechanism {
	name, err := mechanismName(h)
	if err != nil {
		panic(err)
	}
	return sasl.Mechanism{
		Name: name,
		Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
			user, pass, authzid := m.Credentials()
			c, err := NewClient(h, string(user), string(pass), string(authzid), opts...)
			if err != nil {
				return false, nil, nil, err
			}
			return true, c.First(), c, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, data interface{}) (bool, []byte, interface{}, error) {
			c, ok := data.(*Client)
			if !ok {
				return false, nil, nil, protocolError("no exchange in progress")
			}
			if len(challenge) == 0 {
				return false, nil, c, protocolError("empty challenge")
			}
			switch m.State() & sasl.StepMask {
			case sasl.AuthTextSent:
				resp, err := c.Final(challenge)
				return true, resp, c, err
			case sasl.ResponseSent:
				return false, nil, c, c.Verify(challenge)
			}
			return false, nil, c, sasl.ErrTooManySteps
		},
	}
}
