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
	"fmt"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
)

// streamEncrypter sends the IV in the clear, then XORs every byte with the keystream.
type streamEncrypter struct {
	key           *EncryptionKey
	saltGenerator SaltGenerator
	stream        cipher.Stream
}

var _ Transformer = (*streamEncrypter)(nil)

func (e *streamEncrypter) Transform(buf *buffer.Buffer) (int, error) {
	var iv []byte
	if e.stream == nil {
		iv = make([]byte, e.key.SaltSize())
		if err := e.saltGenerator.GetSalt(iv); err != nil {
			return 0, fmt.Errorf("failed to generate IV: %w", err)
		}
		stream, err := e.key.NewStream(iv, false)
		if err != nil {
			return 0, err
		}
		e.stream = stream
	}
	b := buf.Bytes()
	e.stream.XORKeyStream(b, b)
	buf.Prepend(iv)
	return buf.Len(), nil
}

// streamDecrypter collects the IV, then XORs every following byte in place.
type streamDecrypter struct {
	key    *EncryptionKey
	filter *SaltFilter
	stream cipher.Stream
	iv     []byte
}

var _ Transformer = (*streamDecrypter)(nil)

func (d *streamDecrypter) Transform(buf *buffer.Buffer) (int, error) {
	if d.stream == nil {
		missing := d.key.SaltSize() - len(d.iv)
		if buf.Len() < missing {
			d.iv = append(d.iv, buf.Bytes()...)
			buf.Reset()
			return 0, nil
		}
		d.iv = append(d.iv, buf.Bytes()[:missing]...)
		buf.ConsumeFront(missing)
		if d.filter != nil && d.filter.CheckAndAdd(d.iv) {
			return 0, ErrRepeatedSalt
		}
		stream, err := d.key.NewStream(d.iv, true)
		if err != nil {
			return 0, err
		}
		d.stream = stream
	}
	b := buf.Bytes()
	d.stream.XORKeyStream(b, b)
	return buf.Len(), nil
}
