// Copyright 2019 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"io"
)

type duplexConn struct {
	StreamConn
	r io.Reader
	w io.Writer
}

func (dc *duplexConn) Read(b []byte) (int, error) {
	return dc.r.Read(b)
}

func (dc *duplexConn) WriteTo(w io.Writer) (int64, error) {
	if wt, ok := dc.r.(io.WriterTo); ok {
		return wt.WriteTo(w)
	}
	return io.Copy(w, dc.r)
}

func (dc *duplexConn) CloseRead() error {
	return dc.StreamConn.CloseRead()
}

func (dc *duplexConn) Write(b []byte) (int, error) {
	return dc.w.Write(b)
}

func (dc *duplexConn) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := dc.w.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(dc.w, r)
}

func (dc *duplexConn) CloseWrite() error {
	return dc.StreamConn.CloseWrite()
}

// WrapConn wraps an existing [StreamConn] with a new [io.Reader] and [io.Writer], but preserves the
// original [StreamConn.CloseRead] and [StreamConn.CloseWrite].
func WrapConn(c StreamConn, r io.Reader, w io.Writer) StreamConn {
	conn := c
	// We special-case duplexConn to avoid nested wrappers.
	if dc, ok := c.(*duplexConn); ok {
		conn = dc.StreamConn
	}
	return &duplexConn{StreamConn: conn, r: r, w: w}
}
