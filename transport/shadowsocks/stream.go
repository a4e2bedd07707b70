// Copyright 2018 Jigsaw Operations LLC
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

package shadowsocks

import (
	"io"
	"sync"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
)

// Writer is an [io.Writer] that encrypts everything written to it with a [Transformer] before
// passing it on.
type Writer struct {
	// Guards buf and enc.
	mu  sync.Mutex
	w   io.Writer
	enc Transformer
	buf *buffer.Buffer
}

var _ io.Writer = (*Writer)(nil)

// NewWriter creates a [Writer] that encrypts with enc and writes to w.
func NewWriter(w io.Writer, enc Transformer) *Writer {
	return &Writer{w: w, enc: enc, buf: buffer.New(0)}
}

// Write encrypts p and writes the ciphertext in a single call to the underlying writer.
func (sw *Writer) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.buf.Reset()
	sw.buf.AppendData(p)
	n, err := sw.enc.Transform(sw.buf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := sw.w.Write(sw.buf.Bytes()[:n]); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Reader is an [io.Reader] that decrypts what it reads with a [Transformer].
type Reader struct {
	r     io.Reader
	dec   Transformer
	buf   *buffer.Buffer
	plain []byte // decrypted bytes not yet returned
	err   error
}

var _ io.Reader = (*Reader)(nil)

// NewReader creates a [Reader] that reads from r and decrypts with dec.
func NewReader(r io.Reader, dec Transformer) *Reader {
	return &Reader{r: r, dec: dec, buf: buffer.New(0)}
}

// Read returns decrypted bytes. Authentication errors are returned as soon as they are detected
// and every later call returns them again.
func (sr *Reader) Read(p []byte) (int, error) {
	for len(sr.plain) == 0 {
		if sr.err != nil {
			return 0, sr.err
		}
		sr.buf.Reset()
		n, err := sr.buf.ReadOnce(sr.r)
		if n > 0 {
			ready, terr := sr.dec.Transform(sr.buf)
			if terr != nil {
				err = terr
			} else {
				sr.plain = sr.buf.Bytes()[:ready]
			}
		}
		sr.err = err
	}
	n := copy(p, sr.plain)
	sr.plain = sr.plain[n:]
	return n, nil
}
