// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package compress

import (
	"compress/zlib"
	"io"
	"sync"
)

// Zlib compresses the stream with the ZLIB data format.
// It is always offered by New.
var Zlib = Method{
	Name: "zlib",
	Wrapper: func(rw io.ReadWriter) (io.ReadWriter, error) {
		return &zlibLayer{raw: rw, w: zlib.NewWriter(rw)}, nil
	},
}

// Method is a stream compression method.
// Custom methods may be defined, but generally speaking the only supported
// methods will be those with names defined in the "Stream Compression Methods
// Registry" maintained by the XSF Editor:
// https://xmpp.org/registrar/compress.html
//
// The wrapper must flush every write so that elements are not held back.
type Method struct {
	Name    string
	Wrapper func(io.ReadWriter) (io.ReadWriter, error)
}

// zlibLayer compresses writes with a full flush after each one and creates its
// reader on the first read.
// The zlib reader consumes the stream header as soon as it is created, but a
// client must send its own stream header before the peer's compressed data
// arrives.
type zlibLayer struct {
	raw io.ReadWriter

	wm sync.Mutex
	w  *zlib.Writer

	rm sync.Mutex
	r  io.ReadCloser
}

func (z *zlibLayer) Write(p []byte) (int, error) {
	z.wm.Lock()
	defer z.wm.Unlock()
	n, err := z.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, z.w.Flush()
}

func (z *zlibLayer) Read(p []byte) (int, error) {
	z.rm.Lock()
	defer z.rm.Unlock()
	if z.r == nil {
		r, err := zlib.NewReader(z.raw)
		if err != nil {
			return 0, err
		}
		z.r = r
	}
	return z.r.Read(p)
}
