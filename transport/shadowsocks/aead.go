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

package shadowsocks

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
)

// MaxPayloadSize is the maximum size of payload carried by one chunk, as set by the protocol.
const MaxPayloadSize = 0x3FFF

// aeadEncrypter writes the salt, then seals each chunk as an encrypted length followed by the
// encrypted payload. Every Seal uses the current nonce and increments it.
type aeadEncrypter struct {
	key           *EncryptionKey
	saltGenerator SaltGenerator
	filter        *SaltFilter

	aead  cipher.AEAD
	nonce []byte
	out   buffer.Buffer
}

var _ Transformer = (*aeadEncrypter)(nil)

func (e *aeadEncrypter) init() error {
	salt := make([]byte, e.key.SaltSize())
	if err := e.saltGenerator.GetSalt(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := e.key.NewAEAD(salt)
	if err != nil {
		return fmt.Errorf("failed to create AEAD: %w", err)
	}
	if e.filter != nil {
		e.filter.Add(salt)
	}
	e.aead = aead
	e.nonce = make([]byte, aead.NonceSize())
	e.out.AppendData(salt)
	return nil
}

// seal appends the sealed plaintext to e.out and moves to the next nonce.
func (e *aeadEncrypter) seal(plaintext []byte) {
	e.out.EnsureCapacity(len(plaintext) + e.aead.Overhead())
	sealed := e.aead.Seal(e.out.Free()[:0], e.nonce, plaintext, nil)
	e.out.Append(len(sealed))
	increment(e.nonce)
}

// Transform replaces the plaintext in buf with its encrypted chunks. The first call also emits the
// salt, so it produces output even for an empty buf.
func (e *aeadEncrypter) Transform(buf *buffer.Buffer) (int, error) {
	e.out.Reset()
	if e.aead == nil {
		if err := e.init(); err != nil {
			return 0, err
		}
	}
	plaintext := buf.Bytes()
	var sizeBuf [2]byte
	for len(plaintext) > 0 {
		n := min(len(plaintext), MaxPayloadSize)
		binary.BigEndian.PutUint16(sizeBuf[:], uint16(n))
		e.seal(sizeBuf[:])
		e.seal(plaintext[:n])
		plaintext = plaintext[n:]
	}
	// Hand the ciphertext over and keep the old storage for the next call.
	*buf, e.out = e.out, *buf
	return buf.Len(), nil
}

// aeadDecrypter is the inverse of aeadEncrypter. Ciphertext that does not yet form a complete
// frame stays in pending across calls.
type aeadDecrypter struct {
	key    *EncryptionKey
	filter *SaltFilter

	aead    cipher.AEAD
	nonce   []byte
	pending buffer.Buffer
	// payloadSize is the authenticated length of the chunk whose payload is still missing, or -1
	// when the next frame is a length frame.
	payloadSize int
	err         error
}

var _ Transformer = (*aeadDecrypter)(nil)

// Transform consumes the ciphertext in buf and replaces it with the plaintext of every chunk that
// is now complete. It returns 0 and no error when more ciphertext is needed. Errors are sticky.
func (d *aeadDecrypter) Transform(buf *buffer.Buffer) (int, error) {
	if d.err != nil {
		buf.Reset()
		return 0, d.err
	}
	d.pending.AppendData(buf.Bytes())
	buf.Reset()
	if err := d.decrypt(buf); err != nil {
		d.err = err
		buf.Reset()
		return 0, err
	}
	return buf.Len(), nil
}

func (d *aeadDecrypter) init() (bool, error) {
	saltSize := d.key.SaltSize()
	if d.pending.Len() < saltSize {
		return false, nil
	}
	salt := d.pending.Bytes()[:saltSize]
	if d.filter != nil && d.filter.CheckAndAdd(salt) {
		return false, ErrRepeatedSalt
	}
	aead, err := d.key.NewAEAD(salt)
	if err != nil {
		return false, fmt.Errorf("failed to create AEAD: %w", err)
	}
	d.aead = aead
	d.nonce = make([]byte, aead.NonceSize())
	d.payloadSize = -1
	d.pending.ConsumeFront(saltSize)
	return true, nil
}

func (d *aeadDecrypter) decrypt(out *buffer.Buffer) error {
	if d.aead == nil {
		if ready, err := d.init(); !ready {
			return err
		}
	}
	overhead := d.aead.Overhead()
	consumed := 0
	defer func() { d.pending.ConsumeFront(consumed) }()
	for {
		in := d.pending.Bytes()[consumed:]
		if d.payloadSize < 0 {
			if len(in) < 2+overhead {
				return nil
			}
			var sizeBuf [2]byte
			plain, err := d.aead.Open(sizeBuf[:0], d.nonce, in[:2+overhead], nil)
			if err != nil {
				return fmt.Errorf("%w: length frame: %v", ErrAuthentication, err)
			}
			if len(plain) != 2 {
				return fmt.Errorf("%w: length frame decrypted to %d bytes", ErrInvariant, len(plain))
			}
			increment(d.nonce)
			consumed += 2 + overhead
			d.payloadSize = int(binary.BigEndian.Uint16(plain)) & MaxPayloadSize
			continue
		}
		if len(in) < d.payloadSize+overhead {
			return nil
		}
		out.EnsureCapacity(d.payloadSize)
		plain, err := d.aead.Open(out.Free()[:0], d.nonce, in[:d.payloadSize+overhead], nil)
		if err != nil {
			return fmt.Errorf("%w: payload frame: %v", ErrAuthentication, err)
		}
		if len(plain) != d.payloadSize {
			return fmt.Errorf("%w: payload decrypted to %d bytes, expected %d", ErrInvariant, len(plain), d.payloadSize)
		}
		out.Append(len(plain))
		increment(d.nonce)
		consumed += d.payloadSize + overhead
		d.payloadSize = -1
	}
}

// increment little-endian encoded unsigned integer b. Wrap around on overflow.
func increment(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
