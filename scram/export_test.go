// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package scram

type ServerFirst struct {
	Nonce string
	Salt  []byte
	Iter  int
}

func ParseServerFirst(msg string) (ServerFirst, error) {
	sf, err := parseServerFirst(msg)
	return ServerFirst{Nonce: sf.nonce, Salt: sf.salt, Iter: sf.iter}, err
}
