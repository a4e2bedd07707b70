// Copyright 2023 The Outline Authors
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

// Package buffer provides the growable byte region shared by every protocol stage of a session.
//
// A [Buffer] owns one contiguous slice and a logical used length. Callers either write into the
// spare capacity returned by [Buffer.Free] and then commit the bytes with [Buffer.Append], or copy
// data in with [Buffer.AppendData] and [Buffer.Prepend]. Processed bytes are dropped from the front
// with [Buffer.ConsumeFront]. No operation ever discards bytes that have not been consumed.
package buffer

import (
	"fmt"
	"io"
)

const (
	// DefaultSize is the initial capacity of a Buffer created with a non-positive size.
	DefaultSize = 8192
	// MinFree is the spare capacity ReadOnce guarantees before reading.
	MinFree = 1024
)

// Buffer is a growable byte buffer with an explicit used length.
//
// The invariant 0 <= Len() <= Cap() holds after every operation.
type Buffer struct {
	data []byte // len(data) is the used length, cap(data) the capacity
}

// New creates a Buffer with the given initial capacity, or [DefaultSize] if size <= 0.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{data: make([]byte, 0, size)}
}

// Bytes returns the used bytes. The slice is only valid until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of used bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap returns the capacity of the underlying storage.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Free returns the spare capacity after the used bytes. Bytes written there become part of the
// buffer only after a call to [Buffer.Append].
func (b *Buffer) Free() []byte {
	return b.data[len(b.data):cap(b.data)]
}

// EnsureCapacity grows the storage so that at least extra bytes are free. The used bytes keep their
// order. Capacity at least doubles on every growth so repeated small appends stay amortized O(1).
func (b *Buffer) EnsureCapacity(extra int) {
	if extra < 0 {
		panic(fmt.Sprintf("buffer: negative capacity request %d", extra))
	}
	need := len(b.data) + extra
	if need <= cap(b.data) {
		return
	}
	newCap := 2 * cap(b.data)
	if newCap < need {
		newCap = need
	}
	if newCap < MinFree {
		newCap = MinFree
	}
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
}

// Append marks n bytes, previously written into [Buffer.Free], as used.
func (b *Buffer) Append(n int) {
	if n < 0 || len(b.data)+n > cap(b.data) {
		panic(fmt.Sprintf("buffer: append %d exceeds free space %d", n, cap(b.data)-len(b.data)))
	}
	b.data = b.data[:len(b.data)+n]
}

// AppendData copies p to the end of the used bytes, growing if needed.
func (b *Buffer) AppendData(p []byte) {
	b.EnsureCapacity(len(p))
	b.data = append(b.data, p...)
}

// Prepend shifts the used bytes forward by len(p) and writes p in front of them.
func (b *Buffer) Prepend(p []byte) {
	if len(p) == 0 {
		return
	}
	b.EnsureCapacity(len(p))
	n := len(b.data)
	b.data = b.data[:n+len(p)]
	copy(b.data[len(p):], b.data[:n])
	copy(b.data, p)
}

// ConsumeFront drops the first n used bytes and moves the remainder to the front.
func (b *Buffer) ConsumeFront(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("buffer: consume %d of %d bytes", n, len(b.data)))
	}
	if n == 0 {
		return
	}
	rest := copy(b.data, b.data[n:])
	b.data = b.data[:rest]
}

// Reset drops all used bytes but keeps the storage.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// ReadOnce performs a single Read from r into the spare capacity, growing the buffer first if less
// than [MinFree] bytes are free. It returns the number of bytes appended. As with [io.Reader], a
// positive count may come together with an error.
func (b *Buffer) ReadOnce(r io.Reader) (int, error) {
	if cap(b.data)-len(b.data) < MinFree {
		b.EnsureCapacity(MinFree)
	}
	n, err := r.Read(b.Free())
	if n > 0 {
		b.Append(n)
	}
	return n, err
}

// ReadAtLeast reads from r until at least min more bytes have been appended. It returns
// [io.ErrUnexpectedEOF] if r ends after some but not all of them, and [io.EOF] if it ends before any.
func (b *Buffer) ReadAtLeast(r io.Reader, min int) (int, error) {
	total := 0
	for total < min {
		b.EnsureCapacity(min - total)
		n, err := b.ReadOnce(r)
		total += n
		if err != nil {
			if total >= min {
				return total, nil
			}
			if err == io.EOF && total > 0 {
				err = io.ErrUnexpectedEOF
			}
			return total, err
		}
	}
	return total, nil
}

var _ io.Writer = (*Buffer)(nil)

// Write implements [io.Writer] by appending p.
func (b *Buffer) Write(p []byte) (int, error) {
	b.AppendData(p)
	return len(p), nil
}
