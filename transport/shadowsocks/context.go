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
	"errors"

	"github.com/Jigsaw-Code/outline-ss-proxy/internal/buffer"
)

var (
	// ErrAuthentication is returned when a frame fails AEAD authentication. The stream is unusable
	// afterwards.
	ErrAuthentication = errors.New("failed to authenticate frame")
	// ErrInvariant reports an internal length-accounting mismatch.
	ErrInvariant = errors.New("frame length invariant violated")
	// ErrRepeatedSalt is returned when a stream starts with a salt that was seen before.
	ErrRepeatedSalt = errors.New("repeated salt detected")
)

// Transformer is one direction of a session's cipher state.
type Transformer interface {
	// Transform rewrites the bytes in buf in place and returns how many bytes are ready to send.
	// A result of 0 with a nil error means more input is needed. Input that is not yet part of
	// a complete frame is kept by the Transformer, never left in buf.
	Transform(buf *buffer.Buffer) (int, error)
}

// CryptoContext holds the two independent directions of a session.
type CryptoContext struct {
	Encrypter Transformer
	Decrypter Transformer
}

// Options tweaks the contexts created from a key.
type Options struct {
	// SaltGenerator produces the salt or IV of the encrypted direction. Defaults to
	// [RandomSaltGenerator].
	SaltGenerator SaltGenerator
	// Filter, if set, rejects streams whose salt was already seen and remembers outgoing salts.
	Filter *SaltFilter
}

// NewCryptoContext creates fresh per-session state for both directions.
func NewCryptoContext(key *EncryptionKey, opts Options) *CryptoContext {
	saltGenerator := opts.SaltGenerator
	if saltGenerator == nil {
		saltGenerator = RandomSaltGenerator
	}
	if key.Cipher().IsAEAD() {
		return &CryptoContext{
			Encrypter: &aeadEncrypter{key: key, saltGenerator: saltGenerator, filter: opts.Filter},
			Decrypter: &aeadDecrypter{key: key, filter: opts.Filter, payloadSize: -1},
		}
	}
	return &CryptoContext{
		Encrypter: &streamEncrypter{key: key, saltGenerator: saltGenerator},
		Decrypter: &streamDecrypter{key: key, filter: opts.Filter},
	}
}

// ContextFactory creates a [CryptoContext] per session from one method and password.
type ContextFactory struct {
	key  *EncryptionKey
	opts Options
}

// NewContextFactory resolves method with [CipherByName] and derives the master key from password.
func NewContextFactory(method, password string, opts Options) (*ContextFactory, error) {
	if password == "" {
		return nil, errors.New("password must not be empty")
	}
	cipher, err := CipherByName(method)
	if err != nil {
		return nil, err
	}
	key, err := NewEncryptionKey(cipher, password)
	if err != nil {
		return nil, err
	}
	return &ContextFactory{key: key, opts: opts}, nil
}

// Key returns the master key shared by all contexts.
func (f *ContextFactory) Key() *EncryptionKey {
	return f.key
}

// NewContext returns fresh state for one session.
func (f *ContextFactory) NewContext() *CryptoContext {
	return NewCryptoContext(f.key, f.opts)
}
